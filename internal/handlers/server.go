// internal/handlers/server.go
package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/gameload"
	"github.com/nydus-gg/nydus/internal/matchmaking"
	"github.com/nydus-gg/nydus/internal/session"
)

// Server bundles the services the HTTP and WebSocket handlers operate on.
type Server struct {
	Logger      *logrus.Logger
	Lobbies     *session.Store
	Matchmaking *matchmaking.Service
	Loads       *gameload.Loads
}
