// internal/matchmaking/matchmaker_test.go
package matchmaking

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func collectMatches() (chan Match, func(Match)) {
	ch := make(chan Match, 8)
	return ch, func(m Match) { ch <- m }
}

func awaitMatch(t *testing.T, ch chan Match) Match {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a match")
		return Match{}
	}
}

func TestEqualRatingsMatchImmediately(t *testing.T) {
	ch, onMatch := collectMatches()
	m := New(Type1v1, 5*time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	a := &Player{ID: uuid.New(), Name: "a", Rating: 1500}
	b := &Player{ID: uuid.New(), Name: "b", Rating: 1500}
	require.NoError(t, m.Enqueue(a))
	require.NoError(t, m.Enqueue(b))

	match := awaitMatch(t, ch)
	assert.Equal(t, Type1v1, match.Type)
	require.Len(t, match.Players, 2)
	assert.Equal(t, 0, m.QueueLen())
	assert.False(t, m.InQueue(a.ID))
}

func TestWideningEventuallyPairsNearbyRatings(t *testing.T) {
	ch, onMatch := collectMatches()
	m := New(Type1v1, time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	a := &Player{ID: uuid.New(), Rating: 1000}
	b := &Player{ID: uuid.New(), Rating: 1100}
	require.NoError(t, m.Enqueue(a))
	require.NoError(t, m.Enqueue(b))

	awaitMatch(t, ch)
	// Both players sat through at least one unmatched pass first.
	assert.GreaterOrEqual(t, a.SearchIterations, 1)
}

func TestCappedWideningNeverPairsDistantRatings(t *testing.T) {
	ch, onMatch := collectMatches()
	m := New(Type1v1, time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	a := &Player{ID: uuid.New(), Rating: 1000}
	b := &Player{ID: uuid.New(), Rating: 2000}
	require.NoError(t, m.Enqueue(a))
	require.NoError(t, m.Enqueue(b))

	select {
	case <-ch:
		t.Fatal("players 1000 apart must not match under the capped policy")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, m.QueueLen())

	// Stop the pass loop before inspecting the intervals.
	require.NoError(t, m.Cancel(a.ID))
	require.NoError(t, m.Cancel(b.ID))

	// Intervals are pinned at the cap.
	w := DefaultWidening()
	assert.InDelta(t, a.Rating-w.MaxHalfWidth, a.Interval.Low, 0.01)
	assert.InDelta(t, a.Rating+w.MaxHalfWidth, a.Interval.High, 0.01)
}

func TestPrefersClosestRating(t *testing.T) {
	ch, onMatch := collectMatches()
	m := New(Type1v1, 5*time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	wide := Interval{Low: 0, High: 5000}
	a := &Player{ID: uuid.New(), Rating: 1000, Interval: wide}
	b := &Player{ID: uuid.New(), Rating: 1010, Interval: wide}
	c := &Player{ID: uuid.New(), Rating: 1300, Interval: wide}
	require.NoError(t, m.Enqueue(a))
	require.NoError(t, m.Enqueue(b))
	require.NoError(t, m.Enqueue(c))

	match := awaitMatch(t, ch)
	got := map[uuid.UUID]bool{match.Players[0].ID: true, match.Players[1].ID: true}
	assert.True(t, got[a.ID] && got[b.ID], "closest pair should match first")
	assert.True(t, m.InQueue(c.ID))
}

func TestCancelLeavesQueue(t *testing.T) {
	_, onMatch := collectMatches()
	m := New(Type1v1, time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	p := &Player{ID: uuid.New(), Rating: 1200}
	require.NoError(t, m.Enqueue(p))
	assert.True(t, m.InQueue(p.ID))

	require.NoError(t, m.Cancel(p.ID))
	assert.False(t, m.InQueue(p.ID))
	assert.ErrorIs(t, m.Cancel(p.ID), ErrNotQueued)
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	_, onMatch := collectMatches()
	m := New(Type1v1, time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	p := &Player{ID: uuid.New(), Rating: 1200}
	require.NoError(t, m.Enqueue(p))
	assert.ErrorIs(t, m.Enqueue(p), ErrAlreadyQueued)
}

func TestSoloPlayerNeverMatches(t *testing.T) {
	ch, onMatch := collectMatches()
	m := New(Type1v1, time.Millisecond, DefaultWidening(), quietLogger(), onMatch)

	require.NoError(t, m.Enqueue(&Player{ID: uuid.New(), Rating: 1200}))
	select {
	case <-ch:
		t.Fatal("a lone player cannot be matched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFixedWideningCaps(t *testing.T) {
	w := FixedWidening{PerIteration: 32, MaxHalfWidth: 100}
	p := &Player{Rating: 1000, Interval: Interval{Low: 1000, High: 1000}}

	w.Widen(p)
	assert.Equal(t, 968.0, p.Interval.Low)
	assert.Equal(t, 1032.0, p.Interval.High)

	for i := 0; i < 10; i++ {
		w.Widen(p)
	}
	assert.Equal(t, 900.0, p.Interval.Low)
	assert.Equal(t, 1100.0, p.Interval.High)
}
