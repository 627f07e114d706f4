// internal/session/store.go
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/gameload"
	"github.com/nydus-gg/nydus/internal/lobby"
)

var ErrNameTaken = errors.New("a lobby with that name already exists")

// Summary is the lobby-list entry pushed to browsing clients.
type Summary struct {
	Name        string         `json:"name"`
	MapName     string         `json:"mapName,omitempty"`
	GameType    lobby.GameType `json:"gameType"`
	GameSubType int            `json:"gameSubType,omitempty"`
	Host        string         `json:"host"`
	OpenSlots   int            `json:"openSlots"`
	TotalSlots  int            `json:"totalSlots"`
}

// ListPublisher receives lobby-list changes for fan-out to list watchers
// (and, via the cache layer, to other server instances).
type ListPublisher interface {
	LobbyListed(s Summary)
	LobbyUpdated(s Summary)
	LobbyDelisted(name string)
	ActiveCount(n int)
}

// NopListPublisher discards all list events. Useful in tests.
type NopListPublisher struct{}

func (NopListPublisher) LobbyListed(Summary)  {}
func (NopListPublisher) LobbyUpdated(Summary) {}
func (NopListPublisher) LobbyDelisted(string) {}
func (NopListPublisher) ActiveCount(int)      {}

// LobbyState classifies a name for clients deciding whether to create,
// join, or watch.
const (
	LobbyNonexistent  = "nonexistent"
	LobbyExists       = "exists"
	LobbyCountingDown = "countingDown"
	LobbyHasStarted   = "hasStarted"
)

// Store manages the active lobby sessions in memory, keyed by
// case-insensitive lobby name. It remembers which names already launched a
// game so state queries can distinguish "gone" from "playing".
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	started  map[string]bool
	delisted map[string]bool

	logger *logrus.Logger
	pub    ListPublisher
	loader *gameload.Coordinator

	// countdownDur is the visible lobby countdown. Tests shorten it.
	countdownDur time.Duration
}

func NewStore(logger *logrus.Logger, pub ListPublisher, loader *gameload.Coordinator) *Store {
	if pub == nil {
		pub = NopListPublisher{}
	}
	return &Store{
		sessions:     make(map[string]*Session),
		started:      make(map[string]bool),
		delisted:     make(map[string]bool),
		logger:       logger,
		pub:          pub,
		loader:       loader,
		countdownDur: countdownSeconds * time.Second,
	}
}

// SetCountdownDuration overrides the lobby countdown length.
func (st *Store) SetCountdownDuration(d time.Duration) { st.countdownDur = d }

func nameKey(name string) string { return strings.ToLower(name) }

// Create builds a new session around a freshly created lobby. The host
// still needs to Attach a connection to receive events.
func (st *Store) Create(p lobby.CreateParams) (*Session, error) {
	l, err := lobby.CreateLobby(p)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	key := nameKey(p.Name)
	if _, exists := st.sessions[key]; exists {
		st.mu.Unlock()
		return nil, ErrNameTaken
	}
	s := &Session{
		name:    p.Name,
		lobby:   &l,
		state:   StateOpen,
		clients: make(map[uuid.UUID]*Client),
		bans:    make(map[uuid.UUID]bool),
		store:   st,
		logger:  st.logger,
	}
	st.sessions[key] = s
	delete(st.started, key)
	n := len(st.sessions)
	st.mu.Unlock()

	st.pub.LobbyListed(summarize(s.name, l))
	st.pub.ActiveCount(n)
	st.logger.WithField("lobby", p.Name).Info("lobby created")
	return s, nil
}

// Get looks a session up by name.
func (st *Store) Get(name string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[nameKey(name)]
	return s, ok
}

// LobbyState reports what a name currently refers to.
func (st *Store) LobbyState(name string) string {
	st.mu.Lock()
	s, ok := st.sessions[nameKey(name)]
	started := st.started[nameKey(name)]
	st.mu.Unlock()

	switch {
	case ok && s.CurrentState() == StateCountingDown:
		return LobbyCountingDown
	case ok:
		return LobbyExists
	case started:
		return LobbyHasStarted
	default:
		return LobbyNonexistent
	}
}

// Summaries lists the publicly visible lobbies, sorted by name.
func (st *Store) Summaries() []Summary {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for key, s := range st.sessions {
		if !st.delisted[key] {
			sessions = append(sessions, s)
		}
	}
	st.mu.Unlock()

	var out []Summary
	for _, s := range sessions {
		if l, ok := s.Snapshot(); ok {
			out = append(out, summarize(s.name, l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func summarize(name string, l lobby.Lobby) Summary {
	sum := Summary{
		Name:        name,
		GameType:    l.GameType,
		GameSubType: l.GameSubType,
		Host:        l.Host.Name,
		OpenSlots:   l.OpenSlotCount(),
		TotalSlots:  l.SlotCount(),
	}
	if l.Map != nil {
		sum.MapName = l.Map.Name
	}
	return sum
}

// sessionChanged republishes a session's list entry after a mutation.
func (st *Store) sessionChanged(s *Session, l lobby.Lobby) {
	st.mu.Lock()
	hidden := st.delisted[nameKey(s.name)]
	st.mu.Unlock()
	if !hidden {
		st.pub.LobbyUpdated(summarize(s.name, l))
	}
}

// sessionDelisted hides a session from the list while it launches.
func (st *Store) sessionDelisted(s *Session) {
	st.mu.Lock()
	st.delisted[nameKey(s.name)] = true
	st.mu.Unlock()
	st.pub.LobbyDelisted(s.name)
}

// sessionRelisted puts a session back on the list after a cancelled launch.
func (st *Store) sessionRelisted(s *Session, l lobby.Lobby) {
	st.mu.Lock()
	delete(st.delisted, nameKey(s.name))
	st.mu.Unlock()
	st.pub.LobbyListed(summarize(s.name, l))
}

// sessionDestroyed drops a session whose last user left.
func (st *Store) sessionDestroyed(s *Session) {
	st.remove(s, false)
}

// sessionStarted drops a session whose game launched successfully.
func (st *Store) sessionStarted(s *Session) {
	st.remove(s, true)
}

func (st *Store) remove(s *Session, started bool) {
	key := nameKey(s.name)
	st.mu.Lock()
	if st.sessions[key] != s {
		st.mu.Unlock()
		return
	}
	delete(st.sessions, key)
	wasListed := !st.delisted[key]
	delete(st.delisted, key)
	if started {
		st.started[key] = true
	}
	n := len(st.sessions)
	st.mu.Unlock()

	if wasListed {
		st.pub.LobbyDelisted(s.name)
	}
	st.pub.ActiveCount(n)
}
