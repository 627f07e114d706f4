// internal/matchmaking/service_test.go
package matchmaking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nydus-gg/nydus/internal/gameload"
	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/slot"
)

type fakeNotifier struct {
	mu   sync.Mutex
	msgs map[uuid.UUID][]map[string]interface{}
	cond *sync.Cond
}

func newFakeNotifier() *fakeNotifier {
	n := &fakeNotifier{msgs: make(map[uuid.UUID][]map[string]interface{})}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *fakeNotifier) ToUser(userID uuid.UUID, msg map[string]interface{}) {
	n.mu.Lock()
	n.msgs[userID] = append(n.msgs[userID], msg)
	n.cond.Broadcast()
	n.mu.Unlock()
}

// await blocks until the user has received a message of the given type.
func (n *fakeNotifier) await(t *testing.T, userID uuid.UUID, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		time.Sleep(time.Until(deadline))
		n.cond.Broadcast()
	}()

	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		for _, msg := range n.msgs[userID] {
			if msg["type"] == msgType {
				return msg
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q", msgType)
		}
		n.cond.Wait()
	}
}

// awaitWhere is await with an extra predicate on the message body.
func (n *fakeNotifier) awaitWhere(t *testing.T, userID uuid.UUID, msgType string, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		time.Sleep(time.Until(deadline))
		n.cond.Broadcast()
	}()

	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		for _, msg := range n.msgs[userID] {
			if msg["type"] == msgType && match(msg) {
				return msg
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for matching %q", msgType)
		}
		n.cond.Wait()
	}
}

func (n *fakeNotifier) has(userID uuid.UUID, msgType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, msg := range n.msgs[userID] {
		if msg["type"] == msgType {
			return true
		}
	}
	return false
}

type serviceRoutes struct{}

func (serviceRoutes) CreateRoute(_ context.Context, _ uuid.UUID, a, b gameload.Player) (gameload.Route, error) {
	return gameload.Route{RouteID: uuid.New(), Server: "relay", P1: a.UserID, P2: b.UserID}, nil
}

func testService(t *testing.T) (*Service, *fakeNotifier, *gameload.Loads) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	loads := gameload.NewLoads()
	pool := []*models.MapInfo{
		{ID: uuid.New(), Name: "Fighting Spirit"},
		{ID: uuid.New(), Name: "Circuit Breaker"},
		{ID: uuid.New(), Name: "Polypoid"},
		{ID: uuid.New(), Name: "Eclipse"},
	}
	loader := gameload.NewCoordinator(logger, serviceRoutes{}, loads, pool, gameload.Config{
		SelectionGrace: time.Millisecond,
		Countdown:      time.Millisecond,
		LoadTimeout:    150 * time.Millisecond,
	})

	notify := newFakeNotifier()
	svc := NewService(logger, loader, notify, 5*time.Millisecond)
	svc.SetAcceptWindow(time.Minute)
	return svc, notify, loads
}

func queuedPair(t *testing.T, svc *Service, notify *fakeNotifier) (*Player, *Player) {
	t.Helper()
	a := &Player{ID: uuid.New(), Name: "a", Rating: 1500, Race: slot.RaceTerran}
	b := &Player{ID: uuid.New(), Name: "b", Rating: 1500, Race: slot.RaceZerg}
	require.NoError(t, svc.Find(Type1v1, a))
	require.NoError(t, svc.Find(Type1v1, b))
	notify.await(t, a.ID, "matchFound")
	notify.await(t, b.ID, "matchFound")
	return a, b
}

func TestFindToMatchFound(t *testing.T) {
	svc, notify, _ := testService(t)
	a, _ := queuedPair(t, svc, notify)

	msg := notify.await(t, a.ID, "matchFound")
	assert.Equal(t, "1v1", msg["matchType"])
	assert.Equal(t, 2, msg["numPlayers"])
	assert.True(t, svc.Searching(a.ID))
}

func TestAcceptBothRunsFullLaunch(t *testing.T) {
	svc, notify, loads := testService(t)
	a, b := queuedPair(t, svc, notify)

	require.NoError(t, svc.Accept(a.ID))
	require.NoError(t, svc.Accept(b.ID))

	notify.await(t, a.ID, "matchReady")
	notify.await(t, a.ID, "setRoutes")
	msg := notify.await(t, a.ID, "startWhenReady")

	gameID, err := uuid.Parse(msg["gameId"].(string))
	require.NoError(t, err)
	loads.PlayerLoaded(gameID, a.ID)
	loads.PlayerLoaded(gameID, b.ID)

	notify.await(t, a.ID, "gameStarted")
	notify.await(t, b.ID, "gameStarted")
	assert.False(t, svc.Searching(a.ID))
	assert.False(t, svc.Searching(b.ID))
}

func TestDeclineRequeuesAccepter(t *testing.T) {
	svc, notify, _ := testService(t)
	a, b := queuedPair(t, svc, notify)

	require.NoError(t, svc.Accept(a.ID))
	require.NoError(t, svc.Cancel(b.ID)) // cancelling a pending match declines it

	notify.await(t, a.ID, "requeued")

	// The decliner is told why the match died and that they left the queue.
	msg := notify.await(t, b.ID, "matchCancelled")
	assert.Equal(t, "declined", msg["reason"])
	notify.awaitWhere(t, b.ID, "queueStatus", func(m map[string]interface{}) bool {
		return m["queued"] == false
	})

	assert.True(t, svc.Searching(a.ID))
	assert.False(t, svc.Searching(b.ID))
}

func TestAcceptDeadlineReportsTimeout(t *testing.T) {
	svc, notify, _ := testService(t)
	// A window this short expires before anyone can vote.
	svc.SetAcceptWindow(-acceptLatencyMargin)

	a := &Player{ID: uuid.New(), Name: "a", Rating: 1500, Race: slot.RaceTerran}
	b := &Player{ID: uuid.New(), Name: "b", Rating: 1500, Race: slot.RaceZerg}
	require.NoError(t, svc.Find(Type1v1, a))
	require.NoError(t, svc.Find(Type1v1, b))

	msg := notify.await(t, a.ID, "matchCancelled")
	assert.Equal(t, "acceptTimeout", msg["reason"])
	notify.await(t, b.ID, "matchCancelled")

	assert.False(t, svc.Searching(a.ID))
	assert.False(t, svc.Searching(b.ID))

	// Cleanup reached both players, so a fresh search works.
	require.NoError(t, svc.Find(Type1v1, &Player{ID: a.ID, Name: "a", Rating: 1500, Race: slot.RaceTerran}))
	assert.True(t, svc.Searching(a.ID))
}

func TestLoadFaultRequeuesInnocentPlayer(t *testing.T) {
	svc, notify, loads := testService(t)
	a, b := queuedPair(t, svc, notify)

	require.NoError(t, svc.Accept(a.ID))
	require.NoError(t, svc.Accept(b.ID))

	msg := notify.await(t, a.ID, "startWhenReady")
	gameID, err := uuid.Parse(msg["gameId"].(string))
	require.NoError(t, err)

	// Only a loads; b is at fault and stays out of the queue.
	loads.PlayerLoaded(gameID, a.ID)

	notify.await(t, a.ID, "requeued")
	notify.await(t, b.ID, "cancelLoading")
	assert.True(t, svc.Searching(a.ID))
	assert.False(t, svc.Searching(b.ID))
	assert.False(t, notify.has(a.ID, "gameStarted"))
}

func TestCancelWhileQueued(t *testing.T) {
	svc, notify, _ := testService(t)

	p := &Player{ID: uuid.New(), Name: "solo", Rating: 1500}
	require.NoError(t, svc.Find(Type1v1, p))
	assert.True(t, svc.Searching(p.ID))

	require.NoError(t, svc.Cancel(p.ID))
	assert.False(t, svc.Searching(p.ID))
	assert.ErrorIs(t, svc.Cancel(p.ID), ErrNotQueued)
	_ = notify
}

func TestMatchReadyCarriesMapSelection(t *testing.T) {
	svc, notify, _ := testService(t)
	a, b := queuedPair(t, svc, notify)

	require.NoError(t, svc.Accept(a.ID))
	require.NoError(t, svc.Accept(b.ID))

	msg := notify.await(t, a.ID, "matchReady")
	setup, ok := msg["setup"].(gameload.SetupInfo)
	require.True(t, ok)
	require.NotNil(t, setup.Map)
	require.NotNil(t, setup.Selection)
	assert.Equal(t, slot.RaceTerran, msg["race"])

	// Each player gets their own side, carrying the resolved race.
	require.Len(t, setup.Teams, 2)
	races := map[slot.Race]bool{}
	for _, team := range setup.Teams {
		require.Len(t, team.Players, 1)
		assert.False(t, team.Players[0].IsComputer)
		races[team.Players[0].Race] = true
	}
	assert.True(t, races[slot.RaceTerran])
	assert.True(t, races[slot.RaceZerg])
}

func TestResolveRacesMirrorMatchup(t *testing.T) {
	a := &Player{ID: uuid.New(), Race: slot.RaceTerran, UseAlternateRace: true, AlternateRace: slot.RaceZerg}
	b := &Player{ID: uuid.New(), Race: slot.RaceTerran}

	races := resolveRaces(Match{Players: []*Player{a, b}})
	assert.Equal(t, slot.RaceZerg, races[a.ID])
	assert.Equal(t, slot.RaceTerran, races[b.ID])

	// No mirror, no substitution.
	c := &Player{ID: uuid.New(), Race: slot.RaceProtoss, UseAlternateRace: true, AlternateRace: slot.RaceZerg}
	races = resolveRaces(Match{Players: []*Player{a, c}})
	assert.Equal(t, slot.RaceTerran, races[a.ID])
	assert.Equal(t, slot.RaceProtoss, races[c.ID])
}
