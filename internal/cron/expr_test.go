package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpression_FiveField(t *testing.T) {
	sched, err := ParseExpression("0 9 * * *")
	require.NoError(t, err)
	assert.NotNil(t, sched)
}

func TestParseExpression_SixFieldWithSeconds(t *testing.T) {
	sched, err := ParseExpression("*/30 * * * * *")
	require.NoError(t, err)
	assert.NotNil(t, sched)
}

func TestParseExpression_Invalid(t *testing.T) {
	_, err := ParseExpression("not a cron expression")
	assert.Error(t, err)
}

func TestComputeNext_Basic(t *testing.T) {
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	next, err := ComputeNext("0 9 * * *", "UTC", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC), next)
}

func TestComputeNext_HonorsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, loc)
	next, err := ComputeNext("0 9 * * *", "America/New_York", now)
	require.NoError(t, err)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, "America/New_York", next.Location().String())
}

func TestOccurrencesBetween_CountsEveryOccurrence(t *testing.T) {
	from := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 30, 5, 0, 0, 0, time.UTC)
	times, err := occurrencesBetween("0 * * * *", "UTC", from, to)
	require.NoError(t, err)
	assert.Len(t, times, 5)
}

func TestOccurrencesBetween_EmptyWhenNoneFall(t *testing.T) {
	from := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 30, 0, 30, 0, 0, time.UTC)
	times, err := occurrencesBetween("0 9 * * *", "UTC", from, to)
	require.NoError(t, err)
	assert.Empty(t, times)
}

func TestOccurrencesBetween_BoundedByMaxOccurrences(t *testing.T) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	times, err := occurrencesBetween("* * * * *", "UTC", from, to)
	require.NoError(t, err)
	assert.Len(t, times, maxOccurrences)
}
