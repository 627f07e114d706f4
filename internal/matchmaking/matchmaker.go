// internal/matchmaking/matchmaker.go
//
// Rating-interval matchmaking. Each queued player carries a search
// interval around their rating; a background pass pairs players whose
// intervals overlap, preferring the closest ratings, and widens the
// interval of everyone left unmatched.
package matchmaking

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/slot"
)

var (
	ErrAlreadyQueued = errors.New("already searching for a match")
	ErrNotQueued     = errors.New("not searching for a match")
)

// Type names a matchmaking ladder.
type Type string

const Type1v1 Type = "1v1"

// Interval is a player's current rating search window.
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (iv Interval) overlaps(other Interval) bool {
	return iv.Low <= other.High && other.Low <= iv.High
}

// Player is one queued searcher.
type Player struct {
	ID       uuid.UUID
	Name     string
	Rating   float64
	Interval Interval

	Race             slot.Race
	UseAlternateRace bool
	AlternateRace    slot.Race
	PreferredMaps    []uuid.UUID

	// SearchIterations counts passes this player has sat through without
	// a match. Survives requeues after declined matches.
	SearchIterations int

	EnqueuedAt time.Time
}

// Match is a pairing produced by the matchmaker.
type Match struct {
	ID      uuid.UUID
	Type    Type
	Players []*Player
}

// IntervalPolicy widens a player's search window after an unmatched pass.
type IntervalPolicy interface {
	Widen(p *Player)
}

// FixedWidening grows the interval by a constant amount per pass, capped
// at a maximum half-width around the player's rating.
type FixedWidening struct {
	PerIteration float64
	MaxHalfWidth float64
}

func (w FixedWidening) Widen(p *Player) {
	low := p.Interval.Low - w.PerIteration
	high := p.Interval.High + w.PerIteration
	if p.Rating-low > w.MaxHalfWidth {
		low = p.Rating - w.MaxHalfWidth
	}
	if high-p.Rating > w.MaxHalfWidth {
		high = p.Rating + w.MaxHalfWidth
	}
	p.Interval.Low = low
	p.Interval.High = high
}

// DefaultWidening matches the ladder's tuning: intervals grow by 32 points
// a side per pass, to at most 336 points around the rating.
func DefaultWidening() FixedWidening {
	return FixedWidening{PerIteration: 32, MaxHalfWidth: 336}
}

// Matchmaker runs one ladder's queue. The pass loop only runs while at
// least two players are queued.
type Matchmaker struct {
	mu      sync.Mutex
	typ     Type
	players []*Player
	byID    map[uuid.UUID]*Player
	running bool
	stop    chan struct{}

	passInterval time.Duration
	policy       IntervalPolicy
	onMatch      func(Match)
	logger       *logrus.Logger
}

func New(typ Type, passInterval time.Duration, policy IntervalPolicy, logger *logrus.Logger, onMatch func(Match)) *Matchmaker {
	return &Matchmaker{
		typ:          typ,
		byID:         make(map[uuid.UUID]*Player),
		passInterval: passInterval,
		policy:       policy,
		onMatch:      onMatch,
		logger:       logger,
	}
}

// Enqueue adds a player to the queue, starting the pass loop if this is
// the second searcher.
func (m *Matchmaker) Enqueue(p *Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, queued := m.byID[p.ID]; queued {
		return ErrAlreadyQueued
	}
	if p.Interval == (Interval{}) {
		p.Interval = Interval{Low: p.Rating, High: p.Rating}
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now()
	}
	m.players = append(m.players, p)
	m.byID[p.ID] = p
	m.logger.WithFields(logrus.Fields{
		"type":    string(m.typ),
		"user_id": p.ID,
		"rating":  p.Rating,
		"queued":  len(m.players),
	}).Info("player queued")

	if len(m.players) >= 2 && !m.running {
		m.running = true
		m.stop = make(chan struct{})
		go m.loop(m.stop)
	}
	return nil
}

// Cancel removes a player from the queue.
func (m *Matchmaker) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, queued := m.byID[id]; !queued {
		return ErrNotQueued
	}
	m.removeUnsafe(id)
	m.logger.WithFields(logrus.Fields{"type": string(m.typ), "user_id": id}).Info("player left queue")
	return nil
}

// InQueue reports whether the player is currently searching.
func (m *Matchmaker) InQueue(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, queued := m.byID[id]
	return queued
}

// QueueLen returns the number of searchers.
func (m *Matchmaker) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

func (m *Matchmaker) removeUnsafe(id uuid.UUID) {
	delete(m.byID, id)
	for i, p := range m.players {
		if p.ID == id {
			m.players = append(m.players[:i], m.players[i+1:]...)
			break
		}
	}
	if len(m.players) < 2 && m.running {
		close(m.stop)
		m.running = false
	}
}

func (m *Matchmaker) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.passInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, match := range m.runPass() {
				m.onMatch(match)
			}
		case <-stop:
			return
		}
	}
}

// runPass pairs every overlapping couple it can, closest ratings first,
// then widens the intervals of whoever is left.
func (m *Matchmaker) runPass() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		a, b *Player
		dist float64
	}
	var candidates []candidate
	for i := 0; i < len(m.players); i++ {
		for j := i + 1; j < len(m.players); j++ {
			a, b := m.players[i], m.players[j]
			if !a.Interval.overlaps(b.Interval) {
				continue
			}
			dist := a.Rating - b.Rating
			if dist < 0 {
				dist = -dist
			}
			candidates = append(candidates, candidate{a, b, dist})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	paired := make(map[uuid.UUID]bool)
	var matches []Match
	for _, c := range candidates {
		if paired[c.a.ID] || paired[c.b.ID] {
			continue
		}
		paired[c.a.ID] = true
		paired[c.b.ID] = true
		matches = append(matches, Match{
			ID:      uuid.New(),
			Type:    m.typ,
			Players: []*Player{c.a, c.b},
		})
	}

	for _, match := range matches {
		for _, p := range match.Players {
			m.removeUnsafe(p.ID)
		}
		m.logger.WithFields(logrus.Fields{
			"type":     string(m.typ),
			"match_id": match.ID,
		}).Info("match found")
	}

	for _, p := range m.players {
		p.SearchIterations++
		m.policy.Widen(p)
	}
	return matches
}
