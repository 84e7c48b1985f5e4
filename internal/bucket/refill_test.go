package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefillClampsToSize(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	s := State{Tokens: 5, LastDrip: now}

	refilled := l.Refill(s, now.Add(10*time.Second))
	assert.Equal(t, float64(10), refilled.Tokens)
}

func TestRefillNeverNegativeDelta(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	s := State{Tokens: 5, LastDrip: now}

	// A clock that appears to move backwards must not subtract tokens.
	refilled := l.Refill(s, now.Add(-time.Second))
	assert.Equal(t, float64(5), refilled.Tokens)
}

func TestTakeExhaustionSequence(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	s := l.Fresh(now)

	for i := 0; i < 10; i++ {
		var ok bool
		s, ok = l.Take(s, 1, now)
		assert.True(t, ok, "take %d should succeed", i)
		assert.Equal(t, float64(9-i), s.Tokens)
	}

	_, ok := l.Take(s, 1, now)
	assert.False(t, ok)
}

func TestTakeRecordsBeforeDropOnDenial(t *testing.T) {
	l := Limits{Size: 1, PerInterval: 1, Interval: time.Second}
	now := time.Now()
	s := State{Tokens: 0, LastDrip: now}

	next, ok := l.Take(s, 1, now)
	assert.False(t, ok)
	if assert.NotNil(t, next.BeforeDrop) {
		assert.Equal(t, float64(0), *next.BeforeDrop)
	}
}

func TestPutAllFillsToCapacity(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	s := State{Tokens: 0, LastDrip: now}

	next := l.Put(s, 0, true, now)
	assert.Equal(t, float64(10), next.Tokens)
}

func TestPutClampsToSize(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	s := State{Tokens: 8, LastDrip: now}

	next := l.Put(s, 100, false, now)
	assert.Equal(t, float64(10), next.Tokens)
}

func TestResetAtWhenFull(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	assert.Equal(t, now, l.ResetAt(10, now))
}

func TestResetAtWhenEmpty(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	reset := l.ResetAt(0, now)
	assert.WithinDuration(t, now.Add(time.Second), reset, 10*time.Millisecond)
}

func TestWaitDurationZeroWhenAvailable(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	assert.Equal(t, time.Duration(0), l.WaitDuration(5, 1, time.Now()))
}

func TestWaitDurationPositiveWhenShort(t *testing.T) {
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	d := l.WaitDuration(0, 1, time.Now())
	assert.WithinDuration(t, time.Now().Add(100*time.Millisecond), time.Now().Add(d), 20*time.Millisecond)
}

func TestFractionalRefillAcrossManyRequests(t *testing.T) {
	// Conservation: for TAKE(k, n) conformant, remaining decreases by n
	// modulo concurrent refill.
	l := Limits{Size: 10, PerInterval: 10, Interval: time.Second}
	now := time.Now()
	s := l.Fresh(now)

	s, ok := l.Take(s, 10, now)
	assert.True(t, ok)
	assert.Equal(t, float64(0), s.Tokens)

	// 100ms later, drift-free refill should grant exactly ~1 token.
	later := now.Add(100 * time.Millisecond)
	s, ok = l.Take(s, 1, later)
	assert.True(t, ok)
	assert.InDelta(t, 0, s.Tokens, 0.01)
}
