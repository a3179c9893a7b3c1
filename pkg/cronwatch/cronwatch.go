// Package cronwatch implements the Cron Watcher: a schedule
// plus an atomic "next fire" timestamp that guarantees at-most-one
// consumer per scheduled instant under concurrent pollers.
package cronwatch

import (
	"sync/atomic"
	"time"
)

// noneTimestamp is the sentinel stored in next when the schedule has no
// future occurrence. math.MinInt64 can never collide with a real Unix
// second count.
const noneTimestamp int64 = -1 << 63

// Watcher holds a parsed Schedule and a lock-free "next fire" cursor.
type Watcher struct {
	schedule *Schedule
	next     atomic.Int64
}

// New creates a Watcher and primes it with the schedule's first
// occurrence strictly after now.
func New(schedule *Schedule, now time.Time) *Watcher {
	w := &Watcher{schedule: schedule}
	w.next.Store(firstFireOrSentinel(schedule, now))
	return w
}

func firstFireOrSentinel(schedule *Schedule, after time.Time) int64 {
	if t, ok := schedule.Next(after); ok {
		return t.Unix()
	}
	return noneTimestamp
}

// IsReady runs a compare-and-swap loop over the cursor:
//  1. load current; if sentinel, not ready.
//  2. if now < current, not ready.
//  3. compute the schedule's next occurrence after now.
//  4. CAS(current -> new); return true iff this goroutine won the race.
//
// Exactly one concurrent caller observes true for a given fire instant.
// The next occurrence is recomputed from now, not from the instant that
// just fired: if polling ever falls behind by more than one tick, this
// coalesces the catch-up into a single future occurrence instead of
// replaying every missed instant in a burst.
func (w *Watcher) IsReady(now time.Time) bool {
	current := w.next.Load()
	if current == noneTimestamp {
		return false
	}
	if now.Unix() < current {
		return false
	}

	next := firstFireOrSentinel(w.schedule, now)
	return w.next.CompareAndSwap(current, next)
}

// NextFire reports the currently scheduled next occurrence, for
// diagnostics/tests; it is not part of the at-most-once contract.
func (w *Watcher) NextFire() (time.Time, bool) {
	v := w.next.Load()
	if v == noneTimestamp {
		return time.Time{}, false
	}
	return time.Unix(v, 0).UTC(), true
}
