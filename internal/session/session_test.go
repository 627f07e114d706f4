// internal/session/session_test.go
package session

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
	"github.com/nydus-gg/nydus/internal/lobby"
	"github.com/nydus-gg/nydus/internal/slot"
)

type stubRoutes struct{}

func (stubRoutes) CreateRoute(_ context.Context, _ uuid.UUID, a, b gameload.Player) (gameload.Route, error) {
	return gameload.Route{RouteID: uuid.New(), Server: "relay-test", P1: a.UserID, P2: b.UserID}, nil
}

func testStore(t *testing.T) (*Store, *gameload.Loads) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	loads := gameload.NewLoads()
	loader := gameload.NewCoordinator(logger, stubRoutes{}, loads, nil, gameload.Config{
		SelectionGrace: time.Millisecond,
		Countdown:      time.Millisecond,
		LoadTimeout:    150 * time.Millisecond,
	})
	st := NewStore(logger, nil, loader)
	st.SetCountdownDuration(20 * time.Millisecond)
	return st, loads
}

func testClient(name string) *Client {
	return &Client{
		UserID:   uuid.New(),
		Username: name,
		OutChan:  make(chan map[string]interface{}, 64),
	}
}

func createMelee(t *testing.T, st *Store, host *Client) *Session {
	t.Helper()
	s, err := st.Create(lobby.CreateParams{
		Name:       "4v4 bgh go",
		GameType:   lobby.GameTypeMelee,
		NumSlots:   4,
		HostName:   host.Username,
		HostUserID: host.UserID,
		HostRace:   slot.RaceTerran,
	})
	require.NoError(t, err)
	require.NoError(t, s.Attach(host, slot.RaceTerran))
	return s
}

// await reads the client's channel until a message of the wanted type
// arrives. Fails the test on timeout or channel close.
func await(t *testing.T, c *Client, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.OutChan:
			require.True(t, ok, "channel closed while waiting for %q", msgType)
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

// awaitClose reads until the client's channel closes.
func awaitClose(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.OutChan:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestCreateSendsSnapshotToHost(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	createMelee(t, st, host)

	msg := await(t, host, "init")
	l, ok := msg["lobby"].(lobby.Lobby)
	require.True(t, ok)
	assert.Equal(t, host.UserID, l.Host.UserID)
	assert.Equal(t, StateOpen, msg["state"])
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	createMelee(t, st, host)

	_, err := st.Create(lobby.CreateParams{
		Name:       "4V4 BGH GO", // names are case-insensitive
		GameType:   lobby.GameTypeMelee,
		NumSlots:   4,
		HostName:   "other",
		HostUserID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestJoinBroadcastsDiff(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))

	msg := await(t, host, "diff")
	events, ok := msg["events"].([]lobby.DiffEvent)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, lobby.DiffSlotCreate, events[0].Type)

	await(t, guest, "init")
}

func TestLastLeaveDestroysLobby(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	s.Leave(host.UserID)
	awaitClose(t, host)

	_, found := st.Get("4v4 bgh go")
	assert.False(t, found)
	assert.Equal(t, LobbyNonexistent, st.LobbyState("4v4 bgh go"))
}

func TestKickNotifiesAndDisconnects(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))

	l, _ := s.Snapshot()
	_, si, ok := l.FindSlotByUserID(guest.UserID)
	require.True(t, ok)
	slotID := l.Teams[0].Slots[si].ID

	require.NoError(t, s.Kick(host.UserID, slotID))
	await(t, guest, "kick")
	awaitClose(t, guest)

	msg := await(t, host, "diff")
	events := msg["events"].([]lobby.DiffEvent)
	assert.Equal(t, lobby.DiffKick, events[0].Type)
}

func TestBanRefusesRejoin(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))

	l, _ := s.Snapshot()
	ti, si, ok := l.FindSlotByUserID(guest.UserID)
	require.True(t, ok)
	require.NoError(t, s.Ban(host.UserID, l.Teams[ti].Slots[si].ID))
	awaitClose(t, guest)

	again := testClient("guest")
	again.UserID = guest.UserID
	assert.ErrorIs(t, s.Attach(again, slot.RaceZerg), ErrBanned)
}

func TestKickRejectsNonHost(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))

	l, _ := s.Snapshot()
	hostSlotID := l.Host.ID
	assert.ErrorIs(t, s.Kick(guest.UserID, hostSlotID), ErrNotHost)
}

func TestStartCountdownRequiresOpposingSides(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	assert.ErrorIs(t, s.StartCountdown(host.UserID), ErrCannotStart)
}

func TestMutationsRejectedWhileStarting(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))
	require.NoError(t, s.StartCountdown(host.UserID))

	l, _ := s.Snapshot()
	openID := l.Teams[0].Slots[2].ID
	assert.ErrorIs(t, s.ChangeSlot(host.UserID, openID), ErrTransient)
	assert.ErrorIs(t, s.SetRace(host.UserID, l.Host.ID, slot.RaceZerg), ErrTransient)
}

func TestLeaveDuringCountdownCancels(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))
	require.NoError(t, s.StartCountdown(host.UserID))
	await(t, host, "startCountdown")

	s.Leave(guest.UserID)

	msg := await(t, host, "cancelCountdown")
	assert.Equal(t, "playerLeft", msg["reason"])
	assert.Equal(t, StateOpen, s.CurrentState())

	// A cancelled countdown never fires.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateOpen, s.CurrentState())
}

func TestFullLaunchSequence(t *testing.T) {
	st, loads := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))
	require.NoError(t, s.StartCountdown(host.UserID))

	await(t, host, "setupGame")
	await(t, host, "setRoutes")
	msg := await(t, host, "startWhenReady")

	gameID, err := uuid.Parse(msg["gameId"].(string))
	require.NoError(t, err)

	loads.PlayerLoaded(gameID, host.UserID)
	loads.PlayerLoaded(gameID, guest.UserID)

	await(t, host, "gameStarted")
	awaitClose(t, host)
	awaitClose(t, guest)

	_, found := st.Get("4v4 bgh go")
	assert.False(t, found)
	assert.Equal(t, LobbyHasStarted, st.LobbyState("4v4 bgh go"))
}

func TestLoadFailureReopensLobby(t *testing.T) {
	st, loads := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))
	require.NoError(t, s.StartCountdown(host.UserID))

	msg := await(t, host, "startWhenReady")
	gameID, err := uuid.Parse(msg["gameId"].(string))
	require.NoError(t, err)

	// Only the host loads; the guest times out and takes the blame.
	loads.PlayerLoaded(gameID, host.UserID)

	cancelMsg := await(t, host, "cancelLoading")
	atFault := cancelMsg["usersAtFault"].([]string)
	require.Len(t, atFault, 1)
	assert.Equal(t, guest.UserID.String(), atFault[0])

	assert.Equal(t, StateOpen, s.CurrentState())
	_, found := st.Get("4v4 bgh go")
	assert.True(t, found)
}

func TestChatRelaysToEveryone(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))

	require.NoError(t, s.SendChat(guest.UserID, "glhf"))
	msg := await(t, host, "chat")
	assert.Equal(t, "guest", msg["from"])
	assert.Equal(t, "glhf", msg["text"])
}

func TestSetRaceOnOwnSlot(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	l, _ := s.Snapshot()
	require.NoError(t, s.SetRace(host.UserID, l.Host.ID, slot.RaceProtoss))

	l, _ = s.Snapshot()
	ti, si, _ := l.FindSlotByUserID(host.UserID)
	assert.Equal(t, slot.RaceProtoss, l.Teams[ti].Slots[si].Race)
}

func TestSetRaceOnSomeoneElsesSlot(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	guest := testClient("guest")
	require.NoError(t, s.Attach(guest, slot.RaceZerg))

	l, _ := s.Snapshot()
	assert.ErrorIs(t, s.SetRace(guest.UserID, l.Host.ID, slot.RaceZerg), lobby.ErrWrongSlotType)
}

func TestAddComputerAndStart(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	l, _ := s.Snapshot()
	openID := l.Teams[0].Slots[1].ID
	require.NoError(t, s.AddComputer(host.UserID, openID))

	// A computer counts as an opposing side.
	require.NoError(t, s.StartCountdown(host.UserID))
	assert.Equal(t, StateCountingDown, s.CurrentState())
	assert.Equal(t, LobbyCountingDown, st.LobbyState("4v4 bgh go"))
}

func TestSetupGameCarriesTeamConfig(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	l, _ := s.Snapshot()
	require.NoError(t, s.AddComputer(host.UserID, l.Teams[0].Slots[1].ID))
	require.NoError(t, s.StartCountdown(host.UserID))

	msg := await(t, host, "setupGame")
	setup, ok := msg["setup"].(gameload.SetupInfo)
	require.True(t, ok)

	var seats []gameload.PlayerConfig
	for _, team := range setup.Teams {
		seats = append(seats, team.Players...)
	}
	require.Len(t, seats, 2)

	bySeat := map[bool]gameload.PlayerConfig{}
	for _, p := range seats {
		bySeat[p.IsComputer] = p
	}
	assert.Equal(t, "host", bySeat[false].Name)
	assert.Equal(t, slot.RaceTerran, bySeat[false].Race)
	assert.Equal(t, slot.RaceRandom, bySeat[true].Race)
}

// recordingPublisher keeps the ordered stream of list events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) LobbyListed(Summary)  { p.add("listed") }
func (p *recordingPublisher) LobbyUpdated(Summary) { p.add("updated") }
func (p *recordingPublisher) LobbyDelisted(string) { p.add("delisted") }
func (p *recordingPublisher) ActiveCount(int)      {}

func (p *recordingPublisher) add(e string) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestLastLeaveDuringCountdownStaysDelisted(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	loader := gameload.NewCoordinator(logger, stubRoutes{}, gameload.NewLoads(), nil, gameload.Config{
		SelectionGrace: time.Millisecond,
		Countdown:      time.Millisecond,
		LoadTimeout:    150 * time.Millisecond,
	})
	pub := &recordingPublisher{}
	st := NewStore(logger, pub, loader)
	st.SetCountdownDuration(20 * time.Millisecond)

	host := testClient("host")
	s := createMelee(t, st, host)
	l, _ := s.Snapshot()
	require.NoError(t, s.AddComputer(host.UserID, l.Teams[0].Slots[1].ID))
	require.NoError(t, s.StartCountdown(host.UserID))
	await(t, host, "startCountdown")

	// The last human leaving cancels the countdown AND destroys the
	// lobby; the cancel must not put a dead lobby back on the list.
	s.Leave(host.UserID)
	awaitClose(t, host)

	_, found := st.Get("4v4 bgh go")
	assert.False(t, found)
	assert.Equal(t, LobbyNonexistent, st.LobbyState("4v4 bgh go"))

	events := pub.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "delisted", events[len(events)-1])
}

func TestAttachSurvivesConcurrentDetach(t *testing.T) {
	st, _ := testStore(t)
	host := testClient("host")
	s := createMelee(t, st, host)

	for i := 0; i < 200; i++ {
		guest := testClient("guest")
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Leave(guest.UserID)
		}()
		_ = s.Attach(guest, slot.RaceZerg)
		wg.Wait()
		s.Leave(guest.UserID)
	}

	_, found := st.Get("4v4 bgh go")
	assert.True(t, found)
}
