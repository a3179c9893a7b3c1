package cronwatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func everySecond(t *testing.T) *Schedule {
	t.Helper()
	s, err := ParseSchedule("* * * * * *")
	require.NoError(t, err)
	return s
}

func TestNewPrimesNextFireInFuture(t *testing.T) {
	now := time.Now()
	w := New(everySecond(t), now)

	next, ok := w.NextFire()
	require.True(t, ok)
	assert.True(t, next.After(now) || next.Equal(now.Add(time.Second)))
}

func TestIsReadyFalseWhenNotDue(t *testing.T) {
	s, err := ParseSchedule("0 0 0 1 1 *") // once a year, Jan 1st midnight
	require.NoError(t, err)
	w := New(s, time.Now())
	assert.False(t, w.IsReady(time.Now()))
}

func TestIsReadyBecomesTrueOncePastDue(t *testing.T) {
	w := New(everySecond(t), time.Now())
	past := time.Now().Add(2 * time.Second)
	assert.True(t, w.IsReady(past))
}

func TestIsReadyAtMostOnceUnderConcurrency(t *testing.T) {
	w := New(everySecond(t), time.Now())
	due := time.Now().Add(time.Second)

	const workers = 32
	var wg sync.WaitGroup
	var readyCount int64
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if w.IsReady(due) {
				atomic.AddInt64(&readyCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), readyCount, "exactly one goroutine should observe a ready occurrence")
}

func TestIsReadyFalseOnSentinel(t *testing.T) {
	s, err := ParseSchedule("0 0 0 30 2 *") // Feb 30th never occurs
	require.NoError(t, err)
	w := New(s, time.Now())
	_, ok := w.NextFire()
	assert.False(t, ok)
	assert.False(t, w.IsReady(time.Now().Add(24*time.Hour)))
}
