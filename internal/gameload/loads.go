// internal/gameload/loads.go
package gameload

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LoadWatcher tracks game clients reporting in after launch. Register must
// be called before the players are told to start, so no report can race
// the wait. AwaitLoads blocks until every registered user has loaded, a
// user reports failure, or the context ends; on failure it returns the
// users at fault (whoever failed, or everyone still pending on timeout).
type LoadWatcher interface {
	Register(gameID uuid.UUID, userIDs []uuid.UUID)
	AwaitLoads(ctx context.Context, gameID uuid.UUID) ([]uuid.UUID, error)
}

// Loads is the in-process LoadWatcher. Handlers feed it player progress
// reports keyed by game id.
type Loads struct {
	mu    sync.Mutex
	games map[uuid.UUID]*gameLoads
}

type gameLoads struct {
	pending  map[uuid.UUID]bool
	failed   []uuid.UUID
	resolved bool
	done     chan struct{}
}

func (g *gameLoads) resolve() {
	if !g.resolved {
		g.resolved = true
		close(g.done)
	}
}

func NewLoads() *Loads {
	return &Loads{games: make(map[uuid.UUID]*gameLoads)}
}

// Register implements LoadWatcher.
func (ld *Loads) Register(gameID uuid.UUID, userIDs []uuid.UUID) {
	g := &gameLoads{
		pending: make(map[uuid.UUID]bool, len(userIDs)),
		done:    make(chan struct{}),
	}
	for _, id := range userIDs {
		g.pending[id] = true
	}
	ld.mu.Lock()
	ld.games[gameID] = g
	ld.mu.Unlock()
}

// PlayerLoaded records a successful client launch. Unknown game ids and
// duplicate reports are ignored.
func (ld *Loads) PlayerLoaded(gameID, userID uuid.UUID) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	g, ok := ld.games[gameID]
	if !ok || !g.pending[userID] {
		return
	}
	delete(g.pending, userID)
	if len(g.pending) == 0 && len(g.failed) == 0 {
		g.resolve()
	}
}

// PlayerFailed records a failed client launch and resolves the wait
// immediately with that user at fault.
func (ld *Loads) PlayerFailed(gameID, userID uuid.UUID) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	g, ok := ld.games[gameID]
	if !ok || !g.pending[userID] {
		return
	}
	delete(g.pending, userID)
	g.failed = append(g.failed, userID)
	g.resolve()
}

// AwaitLoads implements LoadWatcher.
func (ld *Loads) AwaitLoads(ctx context.Context, gameID uuid.UUID) ([]uuid.UUID, error) {
	ld.mu.Lock()
	g, ok := ld.games[gameID]
	ld.mu.Unlock()
	if !ok {
		return nil, nil
	}

	defer func() {
		ld.mu.Lock()
		delete(ld.games, gameID)
		ld.mu.Unlock()
	}()

	select {
	case <-g.done:
		ld.mu.Lock()
		failed := append([]uuid.UUID(nil), g.failed...)
		ld.mu.Unlock()
		if len(failed) > 0 {
			return failed, ErrLoadFailed
		}
		return nil, nil
	case <-ctx.Done():
		ld.mu.Lock()
		var stragglers []uuid.UUID
		for id := range g.pending {
			stragglers = append(stragglers, id)
		}
		ld.mu.Unlock()
		return stragglers, ctx.Err()
	}
}
