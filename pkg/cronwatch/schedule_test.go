package cronwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleRejectsWrongFieldCount(t *testing.T) {
	_, err := ParseSchedule("* * *")
	assert.Error(t, err)
}

func TestParseScheduleAcceptsFiveOrSixFields(t *testing.T) {
	_, err := ParseSchedule("* * * * *")
	require.NoError(t, err)
	_, err = ParseSchedule("* * * * * *")
	require.NoError(t, err)
}

func TestNextEveryMinute(t *testing.T) {
	s, err := ParseSchedule("0 * * * * *")
	require.NoError(t, err)

	after := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	next, ok := s.Next(after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC), next)
}

func TestNextRespectsStepAndRange(t *testing.T) {
	s, err := ParseSchedule("0 0-10/5 * * * *")
	require.NoError(t, err)

	after := time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)
	next, ok := s.Next(after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), next)
}

func TestNextHasNoOccurrenceForImpossibleDate(t *testing.T) {
	s, err := ParseSchedule("0 0 0 30 2 *")
	require.NoError(t, err)
	_, ok := s.Next(time.Now())
	assert.False(t, ok)
}
