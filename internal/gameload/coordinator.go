// internal/gameload/coordinator.go
//
// Drives the shared launch sequence for both lobby games and matchmade
// games: pick the map, build network routes between every pair of players,
// run the start countdown, then wait for every client to report loaded.
package gameload

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/slot"
)

var ErrLoadFailed = errors.New("a player failed to load the game")

// Player is one human participant of a launching game.
type Player struct {
	UserID        uuid.UUID
	SlotID        uuid.UUID
	Name          string
	PreferredMaps []uuid.UUID
}

// PlayerConfig is one playing seat in the frozen game configuration.
// Computers appear here even though they never load a client.
type PlayerConfig struct {
	SlotID     uuid.UUID `json:"slotId"`
	Name       string    `json:"name,omitempty"`
	Race       slot.Race `json:"race"`
	IsComputer bool      `json:"isComputer"`
}

// TeamConfig groups the seats that play together.
type TeamConfig struct {
	Players []PlayerConfig `json:"players"`
}

// Route is one relay route between two players, as returned by the route
// creator.
type Route struct {
	RouteID uuid.UUID
	Server  string
	P1, P2  uuid.UUID
}

// RouteAssignment is one player's view of a route: who is on the far end
// and where to rendezvous.
type RouteAssignment struct {
	For     uuid.UUID `json:"for"`
	RouteID uuid.UUID `json:"routeId"`
	Server  string    `json:"server"`
}

// RouteCreator provisions relay routes. The production implementation talks
// to the rally-point service; tests swap in a fake.
type RouteCreator interface {
	CreateRoute(ctx context.Context, gameID uuid.UUID, a, b Player) (Route, error)
}

// Events receives the launch sequence's progress notifications. The session
// and matchmaking layers implement it by fanning the calls out to their
// connected clients.
type Events interface {
	SetupGame(info SetupInfo)
	SetRoutes(userID uuid.UUID, routes []RouteAssignment)
	StartCountdown()
	StartWhenReady(gameID uuid.UUID)
	GameStarted()
}

// SetupInfo is the first thing clients hear about a launching game.
type SetupInfo struct {
	GameID    uuid.UUID       `json:"gameId"`
	Map       *models.MapInfo `json:"map"`
	Teams     []TeamConfig    `json:"teams"`
	Selection *MapSelection   `json:"mapSelection,omitempty"`
}

// Setup describes the game to launch. ChosenMap is set for lobby games,
// where the host already picked; matchmade games leave it nil and the
// coordinator selects from the pool. Teams is the immutable seat layout
// every client needs to start the game process.
type Setup struct {
	GameID    uuid.UUID
	Players   []Player
	Teams     []TeamConfig
	ChosenMap *models.MapInfo
}

// Result reports a completed launch.
type Result struct {
	GameID uuid.UUID
	Map    *models.MapInfo
}

// FaultError attributes a failed launch to specific players, so the caller
// can requeue the innocent and drop the guilty.
type FaultError struct {
	AtFault []uuid.UUID
	Err     error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("game load failed (%d players at fault): %v", len(e.AtFault), e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Config holds the launch sequence timings.
type Config struct {
	// SelectionGrace is how long clients get to display the map selection
	// before the countdown begins.
	SelectionGrace time.Duration
	// Countdown is the visible pre-launch countdown.
	Countdown time.Duration
	// LoadTimeout bounds how long the coordinator waits for every client
	// to report loaded.
	LoadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SelectionGrace: 3 * time.Second,
		Countdown:      5 * time.Second,
		LoadTimeout:    60 * time.Second,
	}
}

// Coordinator runs launch sequences. Safe for concurrent use; each Run is
// independent.
type Coordinator struct {
	logger *logrus.Logger
	routes RouteCreator
	loads  LoadWatcher
	pool   []*models.MapInfo
	rng    *rand.Rand
	cfg    Config
}

func NewCoordinator(logger *logrus.Logger, routes RouteCreator, loads LoadWatcher, pool []*models.MapInfo, cfg Config) *Coordinator {
	return &Coordinator{
		logger: logger,
		routes: routes,
		loads:  loads,
		pool:   pool,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:    cfg,
	}
}

// SetRand replaces the map selection rng. Tests use it for determinism.
func (c *Coordinator) SetRand(rng *rand.Rand) { c.rng = rng }

// Loads exposes the underlying watcher when the coordinator owns a *Loads,
// so transport handlers can feed player progress into it.
func (c *Coordinator) Loads() LoadWatcher { return c.loads }

// Run executes the full launch sequence and blocks until the game has
// started, a player is at fault, or ctx is cancelled. Cancellation is
// checked after every wait; a cancelled run returns ctx.Err() with no
// fault attribution.
func (c *Coordinator) Run(ctx context.Context, setup Setup, ev Events) (*Result, error) {
	log := c.logger.WithFields(logrus.Fields{"game_id": setup.GameID, "players": len(setup.Players)})

	chosen := setup.ChosenMap
	info := SetupInfo{GameID: setup.GameID, Map: chosen, Teams: setup.Teams}
	if chosen == nil {
		sel := SelectMap(c.rng, c.pool, setup.Players)
		if sel.Chosen == nil {
			return nil, errors.New("no maps available for selection")
		}
		chosen = sel.Chosen
		info.Map = chosen
		info.Selection = &sel
	}
	log.WithField("map", chosen.Name).Info("game setup starting")
	ev.SetupGame(info)

	if err := c.createRoutes(ctx, setup, ev); err != nil {
		return nil, err
	}

	if err := sleepCtx(ctx, c.cfg.SelectionGrace); err != nil {
		return nil, err
	}
	ev.StartCountdown()
	if err := sleepCtx(ctx, c.cfg.Countdown); err != nil {
		return nil, err
	}
	userIDs := make([]uuid.UUID, len(setup.Players))
	for i, p := range setup.Players {
		userIDs[i] = p.UserID
	}
	// Register before the announcement so an instant load report cannot
	// race the wait.
	c.loads.Register(setup.GameID, userIDs)
	ev.StartWhenReady(setup.GameID)

	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	atFault, err := c.loads.AwaitLoads(loadCtx, setup.GameID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithField("at_fault", atFault).Warn("game load failed")
		return nil, &FaultError{AtFault: atFault, Err: err}
	}

	log.Info("all players loaded, game started")
	ev.GameStarted()
	return &Result{GameID: setup.GameID, Map: chosen}, nil
}

// createRoutes provisions one route per player pair and tells each player
// about their half of every route.
func (c *Coordinator) createRoutes(ctx context.Context, setup Setup, ev Events) error {
	assignments := make(map[uuid.UUID][]RouteAssignment, len(setup.Players))
	for i := 0; i < len(setup.Players); i++ {
		for j := i + 1; j < len(setup.Players); j++ {
			a, b := setup.Players[i], setup.Players[j]
			route, err := c.routes.CreateRoute(ctx, setup.GameID, a, b)
			if err != nil {
				return fmt.Errorf("failed to create route between %s and %s: %w", a.UserID, b.UserID, err)
			}
			assignments[a.UserID] = append(assignments[a.UserID], RouteAssignment{
				For: b.UserID, RouteID: route.RouteID, Server: route.Server,
			})
			assignments[b.UserID] = append(assignments[b.UserID], RouteAssignment{
				For: a.UserID, RouteID: route.RouteID, Server: route.Server,
			})
		}
	}
	for _, p := range setup.Players {
		ev.SetRoutes(p.UserID, assignments[p.UserID])
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
