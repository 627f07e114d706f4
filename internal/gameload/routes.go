// internal/gameload/routes.go
package gameload

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNoRelayServers = errors.New("gameload: no relay servers configured")

// StaticRouteCreator assigns routes on a fixed fleet of relay servers,
// rotating through the fleet per route. The relays rendezvous any pair
// of peers that announce the same route ID, so the ID is minted here.
type StaticRouteCreator struct {
	mu      sync.Mutex
	servers []string
	next    int
}

func NewStaticRouteCreator(servers []string) *StaticRouteCreator {
	return &StaticRouteCreator{servers: servers}
}

func (rc *StaticRouteCreator) CreateRoute(_ context.Context, _ uuid.UUID, a, b Player) (Route, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.servers) == 0 {
		return Route{}, ErrNoRelayServers
	}
	server := rc.servers[rc.next%len(rc.servers)]
	rc.next++
	return Route{
		RouteID: uuid.New(),
		Server:  server,
		P1:      a.UserID,
		P2:      b.UserID,
	}, nil
}
