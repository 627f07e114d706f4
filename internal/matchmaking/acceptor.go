// internal/matchmaking/acceptor.go
package matchmaking

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotInMatch = errors.New("not part of this match")

// Acceptor collects accept/decline votes for one found match against a
// shared deadline. Exactly one of the callbacks fires, once:
// onAccepted when everyone accepts, onDeclined when anyone declines or
// the deadline passes with votes missing. Accept is idempotent.
type Acceptor[M any] struct {
	mu       sync.Mutex
	match    M
	pending  map[uuid.UUID]bool
	accepted map[uuid.UUID]bool
	timer    *time.Timer
	resolved bool

	onAccepted func(match M)
	onDeclined func(match M, accepted, declined []uuid.UUID, timedOut bool)
	onProgress func(accepted, total int)
}

// NewAcceptor starts the accept window. onProgress may be nil.
func NewAcceptor[M any](
	match M,
	participants []uuid.UUID,
	window time.Duration,
	onAccepted func(match M),
	onDeclined func(match M, accepted, declined []uuid.UUID, timedOut bool),
	onProgress func(accepted, total int),
) *Acceptor[M] {
	a := &Acceptor[M]{
		match:      match,
		pending:    make(map[uuid.UUID]bool, len(participants)),
		accepted:   make(map[uuid.UUID]bool, len(participants)),
		onAccepted: onAccepted,
		onDeclined: onDeclined,
		onProgress: onProgress,
	}
	for _, id := range participants {
		a.pending[id] = true
	}
	a.timer = time.AfterFunc(window, a.deadline)
	return a
}

// Accept records a participant's accept vote. Completes the match when it
// was the last missing vote.
func (a *Acceptor[M]) Accept(id uuid.UUID) error {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return nil
	}
	if !a.pending[id] && !a.accepted[id] {
		a.mu.Unlock()
		return ErrNotInMatch
	}
	if a.accepted[id] {
		a.mu.Unlock()
		return nil
	}
	delete(a.pending, id)
	a.accepted[id] = true

	progress := a.onProgress
	nAccepted, total := len(a.accepted), len(a.accepted)+len(a.pending)

	if len(a.pending) == 0 {
		a.resolved = true
		a.timer.Stop()
		cb := a.onAccepted
		match := a.match
		a.mu.Unlock()
		if progress != nil {
			progress(nAccepted, total)
		}
		cb(match)
		return nil
	}
	a.mu.Unlock()
	if progress != nil {
		progress(nAccepted, total)
	}
	return nil
}

// Decline resolves the match immediately against the declining
// participant. Used for explicit declines, cancels, and disconnects.
func (a *Acceptor[M]) Decline(id uuid.UUID) {
	a.mu.Lock()
	if a.resolved || (!a.pending[id] && !a.accepted[id]) {
		a.mu.Unlock()
		return
	}
	delete(a.pending, id)
	delete(a.accepted, id)
	a.resolveDeclinedUnsafe([]uuid.UUID{id}, false)
}

// deadline fires when the accept window closes with votes still missing.
func (a *Acceptor[M]) deadline() {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return
	}
	var declined []uuid.UUID
	for id := range a.pending {
		declined = append(declined, id)
	}
	a.resolveDeclinedUnsafe(declined, true)
}

// resolveDeclinedUnsafe finishes the acceptor on the declined path. Takes
// over the held lock and releases it. timedOut tells the callback whether
// the deadline expired, as opposed to an explicit decline.
func (a *Acceptor[M]) resolveDeclinedUnsafe(declined []uuid.UUID, timedOut bool) {
	a.resolved = true
	a.timer.Stop()
	var accepted []uuid.UUID
	for id := range a.accepted {
		accepted = append(accepted, id)
	}
	cb := a.onDeclined
	match := a.match
	a.mu.Unlock()
	cb(match, accepted, declined, timedOut)
}
