// internal/session/session.go
//
// A Session wraps one lobby value with everything the pure transition
// functions deliberately leave out: the mutex, the connected clients, the
// countdown timer and the load sequence. All mutations swap the lobby
// value wholesale, then broadcast the diff between the old and new values.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/gameload"
	"github.com/nydus-gg/nydus/internal/lobby"
	"github.com/nydus-gg/nydus/internal/slot"
)

var (
	ErrBanned      = errors.New("banned from this lobby")
	ErrNotHost     = errors.New("only the host may do that")
	ErrNotInLobby  = errors.New("not in this lobby")
	ErrTransient   = errors.New("lobby is starting")
	ErrClosed      = errors.New("lobby has closed")
	ErrCannotStart = errors.New("lobby needs at least two opposing sides")
)

// State is the session lifecycle. Mutations other than leaving are only
// accepted while Open.
type State string

const (
	StateOpen         State = "open"
	StateCountingDown State = "countingDown"
	StateLoading      State = "loading"
	StateClosed       State = "closed"
)

const countdownSeconds = 5

// Session is one live lobby.
type Session struct {
	mu sync.Mutex

	name  string
	lobby *lobby.Lobby // nil once destroyed
	state State

	// epoch invalidates countdown timers and load sequences that outlive
	// a cancellation. Every transient resumption re-checks it under the
	// lock before touching the session.
	epoch      int
	countdown  *time.Timer
	loadCancel context.CancelFunc
	gameID     uuid.UUID

	clients map[uuid.UUID]*Client
	bans    map[uuid.UUID]bool

	store  *Store
	logger *logrus.Logger
}

// Name returns the immutable lobby name.
func (s *Session) Name() string { return s.name }

// Snapshot returns a copy of the current lobby value, or false if the
// session was destroyed.
func (s *Session) Snapshot() (lobby.Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lobby == nil {
		return lobby.Lobby{}, false
	}
	return *s.lobby, true
}

// CurrentState returns the session lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) log() *logrus.Entry {
	return s.logger.WithField("lobby", s.name)
}

// checkMutableUnsafe gates mutations on the lifecycle state.
func (s *Session) checkMutableUnsafe() error {
	switch {
	case s.lobby == nil || s.state == StateClosed:
		return ErrClosed
	case s.state != StateOpen:
		return ErrTransient
	}
	return nil
}

// swapUnsafe installs the new lobby value and returns the diff broadcast
// payload, or nil when nothing observable changed.
func (s *Session) swapUnsafe(before, after lobby.Lobby, removal lobby.RemovalKind, deleted *lobby.DeletedSlot) map[string]interface{} {
	s.lobby = &after
	events := lobby.Diff(before, after, removal, deleted)
	if len(events) == 0 {
		return nil
	}
	return map[string]interface{}{"type": "diff", "events": events}
}

func (s *Session) broadcastUnsafe(msg map[string]interface{}) {
	if msg == nil {
		return
	}
	for _, c := range s.clients {
		c.Write(msg)
	}
}

func (s *Session) snapshotMsgUnsafe() map[string]interface{} {
	return map[string]interface{}{
		"type":  "init",
		"lobby": *s.lobby,
		"state": s.state,
	}
}

// Attach connects a client to the session. A user who already holds a seat
// (the host right after creation, or a reconnect) just gets the snapshot;
// anyone else is seated via the balancing rule.
func (s *Session) Attach(c *Client, race slot.Race) error {
	s.mu.Lock()
	if s.lobby == nil || s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.bans[c.UserID] {
		s.mu.Unlock()
		return ErrBanned
	}

	if _, _, ok := s.lobby.FindSlotByUserID(c.UserID); ok {
		if old, exists := s.clients[c.UserID]; exists && old != c {
			close(old.OutChan)
			if old.Cancel != nil {
				old.Cancel()
			}
		}
		s.clients[c.UserID] = c
		c.Write(s.snapshotMsgUnsafe())
		s.mu.Unlock()
		return nil
	}

	if err := s.checkMutableUnsafe(); err != nil {
		s.mu.Unlock()
		return err
	}

	before := *s.lobby
	ti, si, err := lobby.FindAvailableSlot(before)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	var seat slot.Slot
	if obsIdx, hasObs := before.ObserverTeamIndex(); hasObs && ti == obsIdx {
		seat = slot.CreateObserver(c.Username, c.UserID)
	} else if before.GameType.IsUms() {
		target, _ := before.SlotAt(ti, si)
		r := race
		if target.HasForcedRace {
			r = target.Race
		}
		seat = slot.CreateUmsHuman(c.Username, c.UserID, r, target.HasForcedRace, target.PlayerID)
	} else {
		seat = slot.CreateHuman(c.Username, c.UserID, race)
	}

	after, err := lobby.AddPlayer(before, ti, si, seat)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	msg := s.swapUnsafe(before, after, lobby.RemovalLeave, nil)
	s.broadcastUnsafe(msg)
	s.clients[c.UserID] = c
	// Written under the lock: a detach that lands after the unlock closes
	// OutChan, and a send past that point would panic.
	c.Write(s.snapshotMsgUnsafe())
	s.mu.Unlock()

	s.store.sessionChanged(s, after)
	s.log().WithField("user_id", c.UserID).Info("user joined lobby")
	return nil
}

// Leave removes the user's seat. Always allowed: leaving during a
// countdown or load cancels it first. Used for both explicit leaves and
// disconnects.
func (s *Session) Leave(userID uuid.UUID) {
	s.mu.Lock()
	if s.lobby == nil {
		s.mu.Unlock()
		return
	}
	ti, si, ok := s.lobby.FindSlotByUserID(userID)
	if !ok {
		s.detachClientUnsafe(userID, nil)
		s.mu.Unlock()
		return
	}

	cancelled := false
	if s.state == StateCountingDown || s.state == StateLoading {
		s.cancelTransientUnsafe("playerLeft", nil)
		cancelled = true
	}

	before := *s.lobby
	afterPtr, err := lobby.RemovePlayer(before, ti, si)
	if err != nil {
		s.mu.Unlock()
		return
	}

	s.detachClientUnsafe(userID, nil)

	if afterPtr == nil {
		// Last human gone: the lobby ceases to exist.
		s.destroyUnsafe()
		s.mu.Unlock()
		s.store.sessionDestroyed(s)
		s.log().WithField("user_id", userID).Info("last user left, lobby destroyed")
		return
	}

	msg := s.swapUnsafe(before, *afterPtr, lobby.RemovalLeave, nil)
	s.broadcastUnsafe(msg)
	after := *afterPtr
	s.mu.Unlock()

	if cancelled {
		// The lobby survived the cancelled launch, so it goes back on the
		// public list. A destroyed lobby never does: that branch returned
		// above, before any relist.
		s.store.sessionRelisted(s, after)
	} else {
		s.store.sessionChanged(s, after)
	}
	s.log().WithField("user_id", userID).Info("user left lobby")
}

// detachClientUnsafe removes the user's connection, optionally pushing a
// final message before the channel closes.
func (s *Session) detachClientUnsafe(userID uuid.UUID, final map[string]interface{}) {
	c, ok := s.clients[userID]
	if !ok {
		return
	}
	if final != nil {
		c.Write(final)
	}
	delete(s.clients, userID)
	close(c.OutChan)
	if c.Cancel != nil {
		c.Cancel()
	}
}

// destroyUnsafe tears the session down and disconnects everyone.
func (s *Session) destroyUnsafe() {
	s.cancelTimersUnsafe()
	s.lobby = nil
	s.state = StateClosed
	for id := range s.clients {
		s.detachClientUnsafe(id, nil)
	}
}

func (s *Session) cancelTimersUnsafe() {
	s.epoch++
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
}

// cancelTransientUnsafe aborts an in-flight countdown or load and returns
// the session to Open. The reason is broadcast; atFault names users to
// blame, when known. The caller is responsible for re-listing the lobby
// once it knows the lobby survived whatever triggered the cancel.
func (s *Session) cancelTransientUnsafe(reason string, atFault []uuid.UUID) {
	if s.state != StateCountingDown && s.state != StateLoading {
		return
	}
	wasLoading := s.state == StateLoading
	s.cancelTimersUnsafe()
	s.state = StateOpen

	msgType := "cancelCountdown"
	if wasLoading {
		msgType = "cancelLoading"
	}
	msg := map[string]interface{}{"type": msgType, "reason": reason}
	if len(atFault) > 0 {
		ids := make([]string, len(atFault))
		for i, id := range atFault {
			ids[i] = id.String()
		}
		msg["usersAtFault"] = ids
	}
	s.broadcastUnsafe(msg)
	s.log().WithField("reason", reason).Info("lobby start cancelled")
}

// mutate runs a host-or-self lobby transition under the lock and handles
// the swap/broadcast/list bookkeeping shared by every slot operation.
func (s *Session) mutate(removal lobby.RemovalKind, deleted *lobby.DeletedSlot, fn func(l lobby.Lobby) (lobby.Lobby, error)) error {
	s.mu.Lock()
	if err := s.checkMutableUnsafe(); err != nil {
		s.mu.Unlock()
		return err
	}
	before := *s.lobby
	after, err := fn(before)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msg := s.swapUnsafe(before, after, removal, deleted)
	s.broadcastUnsafe(msg)
	s.mu.Unlock()
	s.store.sessionChanged(s, after)
	return nil
}

// requireHostUnsafe checks the actor owns the lobby.
func requireHostUnsafe(l *lobby.Lobby, actor uuid.UUID) error {
	if l.Host.UserID != actor {
		return ErrNotHost
	}
	return nil
}

// ChangeSlot moves the acting user to the slot with the given id.
func (s *Session) ChangeSlot(userID, slotID uuid.UUID) error {
	return s.mutate(lobby.RemovalLeave, nil, func(l lobby.Lobby) (lobby.Lobby, error) {
		st, ss, ok := l.FindSlotByUserID(userID)
		if !ok {
			return l, ErrNotInLobby
		}
		dt, ds, ok := l.FindSlotByID(slotID)
		if !ok {
			return l, lobby.ErrInvalidLocation
		}
		return lobby.MovePlayerToSlot(l, st, ss, dt, ds)
	})
}

// SetRace changes a slot's race. Users may change their own slot, or any
// unoccupied slot they control in a team game type.
func (s *Session) SetRace(userID, slotID uuid.UUID, race slot.Race) error {
	return s.mutate(lobby.RemovalLeave, nil, func(l lobby.Lobby) (lobby.Lobby, error) {
		ti, si, ok := l.FindSlotByID(slotID)
		if !ok {
			return l, lobby.ErrInvalidLocation
		}
		target, _ := l.SlotAt(ti, si)
		if target.UserID != userID {
			ownTI, ownSI, inLobby := l.FindSlotByUserID(userID)
			if !inLobby {
				return l, ErrNotInLobby
			}
			own, _ := l.SlotAt(ownTI, ownSI)
			if target.ControlledBy != own.ID {
				return l, lobby.ErrWrongSlotType
			}
		}
		return lobby.SetRace(l, ti, si, race)
	})
}

// AddComputer seats an AI player in the given slot. Host only.
func (s *Session) AddComputer(actor, slotID uuid.UUID) error {
	return s.mutate(lobby.RemovalLeave, nil, func(l lobby.Lobby) (lobby.Lobby, error) {
		if err := requireHostUnsafe(&l, actor); err != nil {
			return l, err
		}
		ti, si, ok := l.FindSlotByID(slotID)
		if !ok {
			return l, lobby.ErrInvalidLocation
		}
		return lobby.AddPlayer(l, ti, si, slot.CreateComputer(slot.RaceRandom))
	})
}

// OpenSlot opens a closed slot. Host only.
func (s *Session) OpenSlot(actor, slotID uuid.UUID) error {
	return s.mutate(lobby.RemovalLeave, nil, func(l lobby.Lobby) (lobby.Lobby, error) {
		if err := requireHostUnsafe(&l, actor); err != nil {
			return l, err
		}
		ti, si, ok := l.FindSlotByID(slotID)
		if !ok {
			return l, lobby.ErrInvalidLocation
		}
		return lobby.OpenSlot(l, ti, si)
	})
}

// CloseSlot closes an empty slot. Host only.
func (s *Session) CloseSlot(actor, slotID uuid.UUID) error {
	return s.mutate(lobby.RemovalLeave, nil, func(l lobby.Lobby) (lobby.Lobby, error) {
		if err := requireHostUnsafe(&l, actor); err != nil {
			return l, err
		}
		ti, si, ok := l.FindSlotByID(slotID)
		if !ok {
			return l, lobby.ErrInvalidLocation
		}
		return lobby.CloseSlot(l, ti, si)
	})
}

// MakeObserver converts a player-team slot into an observer. Host only.
func (s *Session) MakeObserver(actor, slotID uuid.UUID) error {
	s.mu.Lock()
	if err := s.checkMutableUnsafe(); err != nil {
		s.mu.Unlock()
		return err
	}
	before := *s.lobby
	if err := requireHostUnsafe(&before, actor); err != nil {
		s.mu.Unlock()
		return err
	}
	ti, si, ok := before.FindSlotByID(slotID)
	if !ok {
		s.mu.Unlock()
		return lobby.ErrInvalidLocation
	}
	after, err := lobby.MakeObserver(before, ti, si)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	deleted := &lobby.DeletedSlot{TeamIndex: ti, SlotIndex: si}
	msg := s.swapUnsafe(before, after, lobby.RemovalLeave, deleted)
	s.broadcastUnsafe(msg)
	s.mu.Unlock()
	s.store.sessionChanged(s, after)
	return nil
}

// RemoveObserver moves an observer back into a player team. Host only.
func (s *Session) RemoveObserver(actor, slotID uuid.UUID) error {
	s.mu.Lock()
	if err := s.checkMutableUnsafe(); err != nil {
		s.mu.Unlock()
		return err
	}
	before := *s.lobby
	if err := requireHostUnsafe(&before, actor); err != nil {
		s.mu.Unlock()
		return err
	}
	obsIdx, hasObs := before.ObserverTeamIndex()
	if !hasObs {
		s.mu.Unlock()
		return lobby.ErrNoObserverTeam
	}
	ti, si, ok := before.FindSlotByID(slotID)
	if !ok || ti != obsIdx {
		s.mu.Unlock()
		return lobby.ErrInvalidLocation
	}
	after, err := lobby.RemoveObserver(before, si)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	deleted := &lobby.DeletedSlot{TeamIndex: obsIdx, SlotIndex: si}
	msg := s.swapUnsafe(before, after, lobby.RemovalLeave, deleted)
	s.broadcastUnsafe(msg)
	s.mu.Unlock()
	s.store.sessionChanged(s, after)
	return nil
}

// Kick removes the occupant of a slot. Host only. Computers are simply
// removed; humans and observers are disconnected too.
func (s *Session) Kick(actor, slotID uuid.UUID) error {
	return s.removeOccupant(actor, slotID, lobby.RemovalKick, false)
}

// Ban kicks a user and refuses every future join from them. Host only.
func (s *Session) Ban(actor, slotID uuid.UUID) error {
	return s.removeOccupant(actor, slotID, lobby.RemovalBan, true)
}

func (s *Session) removeOccupant(actor, slotID uuid.UUID, kind lobby.RemovalKind, ban bool) error {
	s.mu.Lock()
	if err := s.checkMutableUnsafe(); err != nil {
		s.mu.Unlock()
		return err
	}
	before := *s.lobby
	if err := requireHostUnsafe(&before, actor); err != nil {
		s.mu.Unlock()
		return err
	}
	ti, si, ok := before.FindSlotByID(slotID)
	if !ok {
		s.mu.Unlock()
		return lobby.ErrInvalidLocation
	}
	target, _ := before.SlotAt(ti, si)
	if target.UserID == actor {
		s.mu.Unlock()
		return lobby.ErrWrongSlotType
	}

	afterPtr, err := lobby.RemovePlayer(before, ti, si)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// The host always remains, so the lobby cannot be destroyed here.
	after := *afterPtr

	if ban && target.HasUser() {
		s.bans[target.UserID] = true
	}
	if target.HasUser() {
		final := map[string]interface{}{"type": string(kind)}
		s.detachClientUnsafe(target.UserID, final)
	}

	msg := s.swapUnsafe(before, after, kind, nil)
	s.broadcastUnsafe(msg)
	s.mu.Unlock()
	s.store.sessionChanged(s, after)
	s.log().WithFields(logrus.Fields{"slot_id": slotID, "kind": string(kind)}).Info("occupant removed")
	return nil
}

// SendChat relays a chat line to everyone in the lobby.
func (s *Session) SendChat(userID uuid.UUID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lobby == nil {
		return ErrClosed
	}
	c, ok := s.clients[userID]
	if !ok {
		return ErrNotInLobby
	}
	s.broadcastUnsafe(map[string]interface{}{
		"type": "chat",
		"from": c.Username,
		"text": text,
		"time": time.Now().UnixMilli(),
	})
	return nil
}

// StartCountdown begins the launch countdown. Host only; requires at least
// two opposing sides. The lobby is delisted immediately.
func (s *Session) StartCountdown(actor uuid.UUID) error {
	s.mu.Lock()
	if err := s.checkMutableUnsafe(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := requireHostUnsafe(s.lobby, actor); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.lobby.HasOpposingSides() {
		s.mu.Unlock()
		return ErrCannotStart
	}

	s.state = StateCountingDown
	s.epoch++
	s.gameID = uuid.New()
	dur := s.store.countdownDur
	s.broadcastUnsafe(map[string]interface{}{
		"type":    "startCountdown",
		"seconds": int(dur / time.Second),
	})

	var timer *time.Timer
	timer = time.AfterFunc(dur, func() {
		s.countdownFired(timer)
	})
	s.countdown = timer
	s.mu.Unlock()

	s.store.sessionDelisted(s)
	s.log().Info("countdown started")
	return nil
}

// countdownFired transitions CountingDown -> Loading, unless the timer was
// cancelled or replaced while it was in flight.
func (s *Session) countdownFired(timer *time.Timer) {
	s.mu.Lock()
	if s.countdown != timer || s.state != StateCountingDown || s.lobby == nil {
		s.mu.Unlock()
		return
	}
	s.countdown = nil
	s.state = StateLoading
	epoch := s.epoch
	gameID := s.gameID

	setup := gameload.Setup{
		GameID:    gameID,
		ChosenMap: s.lobby.Map,
		Players:   lobbyLoadPlayers(*s.lobby),
		Teams:     lobbyTeamConfigs(*s.lobby),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.loadCancel = cancel
	s.mu.Unlock()

	s.log().WithField("game_id", gameID).Info("countdown finished, loading game")

	go func() {
		_, err := s.store.loader.Run(ctx, setup, &sessionLoadEvents{s: s})
		s.loadFinished(epoch, err)
	}()
}

// lobbyLoadPlayers lists the humans that must load the game client.
func lobbyLoadPlayers(l lobby.Lobby) []gameload.Player {
	var players []gameload.Player
	for _, t := range l.Teams {
		for _, sl := range t.Slots {
			if !sl.HasUser() {
				continue
			}
			players = append(players, gameload.Player{
				UserID: sl.UserID,
				SlotID: sl.ID,
				Name:   sl.Name,
			})
		}
	}
	return players
}

// lobbyTeamConfigs freezes the playing seats into the launch
// configuration sent with setupGame. Computers are included; observers
// are not part of the game proper.
func lobbyTeamConfigs(l lobby.Lobby) []gameload.TeamConfig {
	obsIdx, hasObs := l.ObserverTeamIndex()
	var teams []gameload.TeamConfig
	for ti, t := range l.Teams {
		if hasObs && ti == obsIdx {
			continue
		}
		var cfg gameload.TeamConfig
		for _, sl := range t.Slots {
			if !sl.Occupied() {
				continue
			}
			cfg.Players = append(cfg.Players, gameload.PlayerConfig{
				SlotID:     sl.ID,
				Name:       sl.Name,
				Race:       sl.Race,
				IsComputer: sl.Type == slot.TypeComputer || sl.Type == slot.TypeUmsComputer,
			})
		}
		if len(cfg.Players) > 0 {
			teams = append(teams, cfg)
		}
	}
	return teams
}

// loadFinished applies the load sequence outcome, unless the session moved
// on while the sequence ran.
func (s *Session) loadFinished(epoch int, err error) {
	s.mu.Lock()
	if s.epoch != epoch || s.lobby == nil {
		s.mu.Unlock()
		return
	}
	s.loadCancel = nil

	if err == nil {
		// Game running; the session's job is done.
		s.state = StateClosed
		for id := range s.clients {
			s.detachClientUnsafe(id, nil)
		}
		s.lobby = nil
		s.mu.Unlock()
		s.store.sessionStarted(s)
		s.log().Info("game started, session closed")
		return
	}

	var fault *gameload.FaultError
	var atFault []uuid.UUID
	if errors.As(err, &fault) {
		atFault = fault.AtFault
	}
	s.cancelTransientUnsafe("loadFailed", atFault)
	after := *s.lobby
	s.mu.Unlock()

	s.store.sessionRelisted(s, after)
	s.log().WithError(err).Warn("game load failed, lobby reopened")
}

// GameID returns the id of the launching game, if a launch is under way.
func (s *Session) GameID() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLoading {
		return uuid.Nil, false
	}
	return s.gameID, true
}

// sessionLoadEvents fans coordinator progress out to the lobby's clients.
type sessionLoadEvents struct {
	s *Session
}

func (e *sessionLoadEvents) broadcast(msg map[string]interface{}) {
	e.s.mu.Lock()
	e.s.broadcastUnsafe(msg)
	e.s.mu.Unlock()
}

func (e *sessionLoadEvents) SetupGame(info gameload.SetupInfo) {
	e.broadcast(map[string]interface{}{"type": "setupGame", "setup": info})
}

func (e *sessionLoadEvents) SetRoutes(userID uuid.UUID, routes []gameload.RouteAssignment) {
	e.s.mu.Lock()
	if c, ok := e.s.clients[userID]; ok {
		c.Write(map[string]interface{}{"type": "setRoutes", "routes": routes})
	}
	e.s.mu.Unlock()
}

func (e *sessionLoadEvents) StartCountdown() {
	// The lobby already ran its own visible countdown.
}

func (e *sessionLoadEvents) StartWhenReady(gameID uuid.UUID) {
	e.broadcast(map[string]interface{}{"type": "startWhenReady", "gameId": gameID.String()})
}

func (e *sessionLoadEvents) GameStarted() {
	e.broadcast(map[string]interface{}{"type": "gameStarted"})
}
