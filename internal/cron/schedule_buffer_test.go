package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleBuffer_FIFOOrder(t *testing.T) {
	buf := NewScheduleBuffer("sched-1", OverlapPolicyAll, 0)
	t1 := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	buf.Send(Occurrence{ScheduledTime: t1})
	buf.Send(Occurrence{ScheduledTime: t2})
	buf.Send(Occurrence{ScheduledTime: t3})

	assert.Equal(t, 3, buf.Len())
	first, ok := buf.Pop()
	assert.True(t, ok)
	assert.Equal(t, t1, first.ScheduledTime)
	second, ok := buf.Pop()
	assert.True(t, ok)
	assert.Equal(t, t2, second.ScheduledTime)
}

func TestScheduleBuffer_PeekIsNonDestructive(t *testing.T) {
	buf := NewScheduleBuffer("sched-1", OverlapPolicyAll, 0)
	t1 := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	buf.Send(Occurrence{ScheduledTime: t1})

	peeked, ok := buf.Peek()
	assert.True(t, ok)
	assert.Equal(t, t1, peeked.ScheduledTime)
	assert.Equal(t, 1, buf.Len())
}

func TestScheduleBuffer_EmptyPopReturnsFalse(t *testing.T) {
	buf := NewScheduleBuffer("sched-1", OverlapPolicyAll, 0)
	_, ok := buf.Pop()
	assert.False(t, ok)
}

func TestScheduleBuffer_DepthCapDropsOldest(t *testing.T) {
	buf := NewScheduleBuffer("sched-1", OverlapPolicyAll, 2)
	t1 := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	buf.Send(Occurrence{ScheduledTime: t1})
	buf.Send(Occurrence{ScheduledTime: t2})
	buf.Send(Occurrence{ScheduledTime: t3})

	assert.Equal(t, 2, buf.Len())
	assert.Equal(t, 1, buf.Dropped())

	first, ok := buf.Pop()
	assert.True(t, ok)
	assert.Equal(t, t2, first.ScheduledTime)
}
