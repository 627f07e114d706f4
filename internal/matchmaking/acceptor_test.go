// internal/matchmaking/acceptor_test.go
package matchmaking

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptorResult struct {
	mu          sync.Mutex
	accepted    int
	declined    int
	acceptedIDs []uuid.UUID
	declinedIDs []uuid.UUID
	timedOut    bool
	progress    []int
	done        chan struct{}
}

func newAcceptorResult() *acceptorResult {
	return &acceptorResult{done: make(chan struct{}, 2)}
}

func (r *acceptorResult) onAccepted(string) {
	r.mu.Lock()
	r.accepted++
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *acceptorResult) onDeclined(_ string, accepted, declined []uuid.UUID, timedOut bool) {
	r.mu.Lock()
	r.declined++
	r.acceptedIDs = accepted
	r.declinedIDs = declined
	r.timedOut = timedOut
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *acceptorResult) onProgress(accepted, _ int) {
	r.mu.Lock()
	r.progress = append(r.progress, accepted)
	r.mu.Unlock()
}

func (r *acceptorResult) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never resolved")
	}
}

func TestAcceptAllCompletes(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	r := newAcceptorResult()
	a := NewAcceptor("m", []uuid.UUID{p1, p2}, time.Minute, r.onAccepted, r.onDeclined, r.onProgress)

	require.NoError(t, a.Accept(p1))
	require.NoError(t, a.Accept(p2))
	r.wait(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.accepted)
	assert.Zero(t, r.declined)
	assert.Equal(t, []int{1, 2}, r.progress)
}

func TestAcceptIsIdempotent(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	r := newAcceptorResult()
	a := NewAcceptor("m", []uuid.UUID{p1, p2}, time.Minute, r.onAccepted, r.onDeclined, r.onProgress)

	require.NoError(t, a.Accept(p1))
	require.NoError(t, a.Accept(p1))
	require.NoError(t, a.Accept(p1))

	r.mu.Lock()
	assert.Equal(t, []int{1}, r.progress)
	r.mu.Unlock()

	require.NoError(t, a.Accept(p2))
	r.wait(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.accepted)
}

func TestDeclineResolvesImmediately(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	r := newAcceptorResult()
	a := NewAcceptor("m", []uuid.UUID{p1, p2}, time.Minute, r.onAccepted, r.onDeclined, nil)

	require.NoError(t, a.Accept(p1))
	a.Decline(p2)
	r.wait(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Zero(t, r.accepted)
	assert.Equal(t, 1, r.declined)
	assert.Equal(t, []uuid.UUID{p1}, r.acceptedIDs)
	assert.Equal(t, []uuid.UUID{p2}, r.declinedIDs)
	assert.False(t, r.timedOut)
}

func TestDeadlineBlamesMissingVotes(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	r := newAcceptorResult()
	a := NewAcceptor("m", []uuid.UUID{p1, p2}, 20*time.Millisecond, r.onAccepted, r.onDeclined, nil)

	require.NoError(t, a.Accept(p1))
	r.wait(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.declined)
	assert.Equal(t, []uuid.UUID{p1}, r.acceptedIDs)
	assert.Equal(t, []uuid.UUID{p2}, r.declinedIDs)
	assert.True(t, r.timedOut)
}

func TestLateVotesAfterResolutionAreNoops(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	r := newAcceptorResult()
	a := NewAcceptor("m", []uuid.UUID{p1, p2}, time.Minute, r.onAccepted, r.onDeclined, nil)

	a.Decline(p1)
	r.wait(t)

	require.NoError(t, a.Accept(p2))
	a.Decline(p2)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.declined)
	assert.Zero(t, r.accepted)
}

func TestOutsiderCannotVote(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	r := newAcceptorResult()
	a := NewAcceptor("m", []uuid.UUID{p1, p2}, time.Minute, r.onAccepted, r.onDeclined, nil)

	assert.ErrorIs(t, a.Accept(uuid.New()), ErrNotInMatch)
}
