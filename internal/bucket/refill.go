package bucket

import "time"

// Limits is the resolved (size, per_interval, interval) triple a request
// evaluates against, after override resolution (BucketType.Effective).
// Keeping this separate from BucketType lets the store operate without
// knowing about override matching at all.
type Limits struct {
	Size        int64
	PerInterval int64
	Interval    time.Duration
}

// rate returns tokens refilled per nanosecond.
func (l Limits) rate() float64 {
	return float64(l.PerInterval) / float64(l.Interval.Nanoseconds())
}

// Fresh returns the state of a bucket that has never been touched: full,
// dripping from now.
func (l Limits) Fresh(now time.Time) State {
	return State{Tokens: float64(l.Size), LastDrip: now}
}

// Refill applies the drift-free refill formula:
//
//	Δ = max(0, t − last_drip)
//	new tokens = min(size, tokens + Δ × per_interval / interval)
//
// The returned state's LastDrip is t itself, so repeated small refills
// never accumulate rounding error the way re-deriving last_drip from a
// rounded duration would.
func (l Limits) Refill(s State, t time.Time) State {
	delta := t.Sub(s.LastDrip)
	if delta < 0 {
		delta = 0
	}
	tokens := s.Tokens + float64(delta)*l.rate()
	if max := float64(l.Size); tokens > max {
		tokens = max
	}
	return State{Tokens: tokens, LastDrip: t, BeforeDrop: s.BeforeDrop}
}

// ResetAt computes the wall-clock instant at which tokens (already
// refilled as of now) will reach Size at the current refill rate. This is
// the value reported in a response's `reset` field.
func (l Limits) ResetAt(tokens float64, now time.Time) time.Time {
	deficit := float64(l.Size) - tokens
	if deficit <= 0 {
		return now
	}
	neededNs := deficit / l.rate()
	return now.Add(time.Duration(neededNs))
}

// WaitDuration computes the minimum duration after which at least `count`
// tokens will be available, given tokens already refilled as of now. Used
// by WAIT's single scheduled retry.
func (l Limits) WaitDuration(tokens float64, count int64, now time.Time) time.Duration {
	deficit := float64(count) - tokens
	if deficit <= 0 {
		return 0
	}
	neededNs := deficit / l.rate()
	return time.Duration(neededNs)
}

// Take attempts to debit count tokens from a refilled state. It returns the
// resulting state (clamped to [0, Size] per the persisted-state invariant)
// and whether the debit was granted.
func (l Limits) Take(s State, count int64, now time.Time) (next State, conformant bool) {
	refilled := l.Refill(s, now)
	if refilled.Tokens >= float64(count) {
		refilled.Tokens -= float64(count)
		if refilled.Tokens < 0 {
			refilled.Tokens = 0
		}
		refilled.BeforeDrop = nil
		return refilled, true
	}
	before := refilled.Tokens
	refilled.BeforeDrop = &before
	return refilled, false
}

// Put adds count tokens (or fills to Size when all is set), clamped to
// [0, Size]. PUT is always conformant.
func (l Limits) Put(s State, count int64, all bool, now time.Time) State {
	refilled := l.Refill(s, now)
	if all {
		refilled.Tokens = float64(l.Size)
	} else {
		refilled.Tokens += float64(count)
		if max := float64(l.Size); refilled.Tokens > max {
			refilled.Tokens = max
		}
	}
	if refilled.Tokens < 0 {
		refilled.Tokens = 0
	}
	return refilled
}
