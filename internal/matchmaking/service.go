// internal/matchmaking/service.go
//
// Ties the ladder together: queue passes produce matches, matches run an
// accept window, accepted matches run the shared game-load sequence.
// Declines and load faults requeue the innocent and drop the guilty.
package matchmaking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/gameload"
	"github.com/nydus-gg/nydus/internal/slot"
)

// Notifier pushes matchmaking events to a connected user. The websocket
// layer implements it; messages to disconnected users are dropped.
type Notifier interface {
	ToUser(userID uuid.UUID, msg map[string]interface{})
}

// defaultAcceptWindow is the visible accept countdown. The acceptor's
// real deadline is padded by a latency margin so a click just before the
// timeout is not lost to network delay.
const (
	defaultAcceptWindow = 30 * time.Second
	acceptLatencyMargin = 2 * time.Second
)

// Service is the matchmaking front door.
type Service struct {
	mu          sync.Mutex
	matchmakers map[Type]*Matchmaker
	pending     map[uuid.UUID]*pendingMatch
	byPlayer    map[uuid.UUID]uuid.UUID

	loader       *gameload.Coordinator
	notify       Notifier
	logger       *logrus.Logger
	acceptWindow time.Duration
}

type pendingMatch struct {
	match    Match
	acceptor *Acceptor[Match]
	cancel   context.CancelFunc
}

// NewService builds the service with a 1v1 ladder.
func NewService(logger *logrus.Logger, loader *gameload.Coordinator, notify Notifier, passInterval time.Duration) *Service {
	s := &Service{
		matchmakers:  make(map[Type]*Matchmaker),
		pending:      make(map[uuid.UUID]*pendingMatch),
		byPlayer:     make(map[uuid.UUID]uuid.UUID),
		loader:       loader,
		notify:       notify,
		logger:       logger,
		acceptWindow: defaultAcceptWindow,
	}
	s.matchmakers[Type1v1] = New(Type1v1, passInterval, DefaultWidening(), logger, s.matchFound)
	return s
}

// SetAcceptWindow overrides the accept countdown. Tests shorten it.
func (s *Service) SetAcceptWindow(d time.Duration) { s.acceptWindow = d }

// Find queues a player on the given ladder.
func (s *Service) Find(typ Type, p *Player) error {
	m, ok := s.matchmakers[typ]
	if !ok {
		return errors.New("unknown matchmaking type")
	}

	s.mu.Lock()
	if _, busy := s.byPlayer[p.ID]; busy {
		s.mu.Unlock()
		return ErrAlreadyQueued
	}
	s.mu.Unlock()

	if err := m.Enqueue(p); err != nil {
		return err
	}
	s.notify.ToUser(p.ID, map[string]interface{}{
		"type":      "queueStatus",
		"matchType": string(typ),
		"queued":    true,
	})
	return nil
}

// Cancel takes a player out of the queue, or declines their pending match.
func (s *Service) Cancel(userID uuid.UUID) error {
	s.mu.Lock()
	matchID, inMatch := s.byPlayer[userID]
	var a *Acceptor[Match]
	if inMatch {
		if pm := s.pending[matchID]; pm != nil {
			a = pm.acceptor
		}
	}
	s.mu.Unlock()

	if a != nil {
		a.Decline(userID)
		return nil
	}

	for _, m := range s.matchmakers {
		if m.Cancel(userID) == nil {
			s.notify.ToUser(userID, map[string]interface{}{
				"type":   "queueStatus",
				"queued": false,
			})
			return nil
		}
	}
	return ErrNotQueued
}

// Accept records a player's accept vote on their pending match.
func (s *Service) Accept(userID uuid.UUID) error {
	s.mu.Lock()
	matchID, inMatch := s.byPlayer[userID]
	var a *Acceptor[Match]
	if pm := s.pending[matchID]; pm != nil {
		a = pm.acceptor
	}
	s.mu.Unlock()
	if !inMatch || a == nil {
		return ErrNotInMatch
	}
	return a.Accept(userID)
}

// Disconnect handles a user's connection going away: leave the queue, or
// forfeit the pending match.
func (s *Service) Disconnect(userID uuid.UUID) {
	_ = s.Cancel(userID)
}

// Searching reports whether the user is queued or in a pending match.
func (s *Service) Searching(userID uuid.UUID) bool {
	s.mu.Lock()
	_, inMatch := s.byPlayer[userID]
	s.mu.Unlock()
	if inMatch {
		return true
	}
	for _, m := range s.matchmakers {
		if m.InQueue(userID) {
			return true
		}
	}
	return false
}

// matchFound is the matchmaker callback: open the accept window.
func (s *Service) matchFound(match Match) {
	ids := make([]uuid.UUID, len(match.Players))
	for i, p := range match.Players {
		ids[i] = p.ID
	}

	pm := &pendingMatch{match: match}
	s.mu.Lock()
	s.pending[match.ID] = pm
	for _, id := range ids {
		s.byPlayer[id] = match.ID
	}
	// The deadline timer starts ticking inside NewAcceptor, so the match
	// must already be registered before the acceptor exists: a resolution
	// firing first would clean up entries that are not there yet and leave
	// the late-registered ones stranded.
	pm.acceptor = NewAcceptor(match, ids, s.acceptWindow+acceptLatencyMargin,
		s.matchAccepted,
		s.matchDeclined,
		func(accepted, total int) {
			for _, id := range ids {
				s.notify.ToUser(id, map[string]interface{}{
					"type":            "playerAccepted",
					"acceptedPlayers": accepted,
				})
			}
		},
	)
	s.mu.Unlock()

	for _, id := range ids {
		s.notify.ToUser(id, map[string]interface{}{
			"type":           "matchFound",
			"matchType":      string(match.Type),
			"numPlayers":     len(ids),
			"acceptTimeMsec": s.acceptWindow.Milliseconds(),
		})
	}
}

// matchAccepted runs the load sequence for a fully accepted match.
func (s *Service) matchAccepted(match Match) {
	players := loadPlayers(match)
	setup := gameload.Setup{
		GameID:  match.ID,
		Players: players,
		Teams:   matchTeamConfigs(match, players),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if pm, ok := s.pending[match.ID]; ok {
		pm.cancel = cancel
	}
	s.mu.Unlock()

	s.logger.WithField("match_id", match.ID).Info("match accepted, launching")

	go func() {
		defer cancel()
		_, err := s.loader.Run(ctx, setup, &matchLoadEvents{s: s, match: match})
		s.loadFinished(match, err)
	}()
}

func loadPlayers(match Match) []gameload.Player {
	players := make([]gameload.Player, len(match.Players))
	for i, p := range match.Players {
		players[i] = gameload.Player{
			UserID:        p.ID,
			SlotID:        uuid.New(),
			Name:          p.Name,
			PreferredMaps: p.PreferredMaps,
		}
	}
	return players
}

// matchTeamConfigs freezes the seat layout sent with setupGame: in a
// matchmade game every player is their own side, playing the race
// resolveRaces settled on.
func matchTeamConfigs(match Match, players []gameload.Player) []gameload.TeamConfig {
	races := resolveRaces(match)
	teams := make([]gameload.TeamConfig, len(players))
	for i, lp := range players {
		teams[i] = gameload.TeamConfig{Players: []gameload.PlayerConfig{{
			SlotID: lp.SlotID,
			Name:   lp.Name,
			Race:   races[match.Players[i].ID],
		}}}
	}
	return teams
}

// resolveRaces applies alternate-race picks: a player who opted in plays
// their alternate race in mirror matchups.
func resolveRaces(match Match) map[uuid.UUID]slot.Race {
	races := make(map[uuid.UUID]slot.Race, len(match.Players))
	for _, p := range match.Players {
		races[p.ID] = p.Race
	}
	if len(match.Players) != 2 {
		return races
	}
	a, b := match.Players[0], match.Players[1]
	if a.Race == b.Race && a.Race != slot.RaceRandom {
		if a.UseAlternateRace && a.AlternateRace != "" {
			races[a.ID] = a.AlternateRace
		} else if b.UseAlternateRace && b.AlternateRace != "" {
			races[b.ID] = b.AlternateRace
		}
	}
	return races
}

// matchDeclined requeues everyone who accepted and drops the rest. The
// dropped players are told whether they declined or simply ran out of
// time, and that they are out of the queue either way.
func (s *Service) matchDeclined(match Match, accepted, declined []uuid.UUID, timedOut bool) {
	s.cleanup(match)

	acceptedSet := make(map[uuid.UUID]bool, len(accepted))
	for _, id := range accepted {
		acceptedSet[id] = true
	}
	reason := "declined"
	if timedOut {
		reason = "acceptTimeout"
	}

	m := s.matchmakers[match.Type]
	for _, p := range match.Players {
		if acceptedSet[p.ID] {
			if err := m.Enqueue(p); err == nil {
				s.notify.ToUser(p.ID, map[string]interface{}{
					"type":      "requeued",
					"matchType": string(match.Type),
				})
			}
			continue
		}
		s.notify.ToUser(p.ID, map[string]interface{}{
			"type":   "matchCancelled",
			"reason": reason,
		})
		s.notify.ToUser(p.ID, map[string]interface{}{
			"type":   "queueStatus",
			"queued": false,
		})
	}
	s.logger.WithFields(logrus.Fields{
		"match_id":  match.ID,
		"declined":  len(declined),
		"timed_out": timedOut,
	}).Info("match declined")
}

// loadFinished cleans up after the load sequence. A fault requeues the
// players who did load and drops whoever was at fault.
func (s *Service) loadFinished(match Match, err error) {
	s.cleanup(match)
	if err == nil {
		return
	}

	var fault *gameload.FaultError
	if !errors.As(err, &fault) {
		// Cancelled or infrastructure failure: requeue everyone.
		s.requeueExcept(match, nil)
		return
	}

	atFault := make(map[uuid.UUID]bool, len(fault.AtFault))
	for _, id := range fault.AtFault {
		atFault[id] = true
	}
	s.requeueExcept(match, atFault)
	for id := range atFault {
		s.notify.ToUser(id, map[string]interface{}{
			"type":   "cancelLoading",
			"reason": "loadFailed",
		})
	}
	s.logger.WithError(err).WithField("match_id", match.ID).Warn("match load failed")
}

func (s *Service) requeueExcept(match Match, exclude map[uuid.UUID]bool) {
	m := s.matchmakers[match.Type]
	for _, p := range match.Players {
		if exclude[p.ID] {
			continue
		}
		if err := m.Enqueue(p); err == nil {
			s.notify.ToUser(p.ID, map[string]interface{}{
				"type":      "requeued",
				"matchType": string(match.Type),
			})
		}
	}
}

func (s *Service) cleanup(match Match) {
	s.mu.Lock()
	if pm, ok := s.pending[match.ID]; ok && pm.cancel != nil {
		pm.cancel()
	}
	delete(s.pending, match.ID)
	for _, p := range match.Players {
		if s.byPlayer[p.ID] == match.ID {
			delete(s.byPlayer, p.ID)
		}
	}
	s.mu.Unlock()
}

// matchLoadEvents fans coordinator progress out to the match's players.
type matchLoadEvents struct {
	s     *Service
	match Match
}

func (e *matchLoadEvents) each(msg map[string]interface{}) {
	for _, p := range e.match.Players {
		e.s.notify.ToUser(p.ID, msg)
	}
}

func (e *matchLoadEvents) SetupGame(info gameload.SetupInfo) {
	races := resolveRaces(e.match)
	for _, p := range e.match.Players {
		e.s.notify.ToUser(p.ID, map[string]interface{}{
			"type":  "matchReady",
			"setup": info,
			"race":  races[p.ID],
		})
	}
}

func (e *matchLoadEvents) SetRoutes(userID uuid.UUID, routes []gameload.RouteAssignment) {
	e.s.notify.ToUser(userID, map[string]interface{}{
		"type":   "setRoutes",
		"routes": routes,
	})
}

func (e *matchLoadEvents) StartCountdown() {
	e.each(map[string]interface{}{"type": "startCountdown"})
}

func (e *matchLoadEvents) StartWhenReady(gameID uuid.UUID) {
	e.each(map[string]interface{}{"type": "startWhenReady", "gameId": gameID.String()})
}

func (e *matchLoadEvents) GameStarted() {
	e.each(map[string]interface{}{"type": "gameStarted"})
}
