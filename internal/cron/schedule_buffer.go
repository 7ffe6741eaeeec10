package cron

import "time"

// OverlapPolicy names how a new occurrence is treated while a prior run for
// the same schedule is still in flight (§4.6 ADDED). A ScheduleBuffer stores
// the policy it is created with, but Send and Pop do not consult it, and no
// overlap check is made before an occurrence is handed off.
type OverlapPolicy string

const (
	// OverlapPolicySkip names dropping a new occurrence while the schedule's
	// last run hasn't reached a terminal state.
	OverlapPolicySkip OverlapPolicy = "Skip"
	// OverlapPolicyAll names firing every occurrence regardless of overlap.
	OverlapPolicyAll OverlapPolicy = "All"
)

// Occurrence is one buffered cron firing awaiting handoff.
type Occurrence struct {
	ScheduledTime time.Time
}

// ScheduleBuffer is a per-schedule FIFO queue of occurrences, bounded by an
// optional depth cap (§9 Open Question 2's resolution for
// max_catchup_executions): grounded in the teacher's ScheduleBuffer
// pattern, which computes missed occurrences once against a watermark and
// drains them rather than firing every one unconditionally.
type ScheduleBuffer struct {
	scheduleID string
	policy     OverlapPolicy
	maxDepth   int // 0 = unbounded
	items      []Occurrence
	dropped    int
}

// NewScheduleBuffer creates an empty buffer for scheduleID.
func NewScheduleBuffer(scheduleID string, policy OverlapPolicy, maxDepth int) *ScheduleBuffer {
	return &ScheduleBuffer{scheduleID: scheduleID, policy: policy, maxDepth: maxDepth}
}

// Send appends o, dropping the oldest buffered occurrence first if the
// buffer is at its depth cap.
func (b *ScheduleBuffer) Send(o Occurrence) {
	if b.maxDepth > 0 && len(b.items) >= b.maxDepth {
		b.items = b.items[1:]
		b.dropped++
	}
	b.items = append(b.items, o)
}

// Pop removes and returns the oldest buffered occurrence.
func (b *ScheduleBuffer) Pop() (Occurrence, bool) {
	if len(b.items) == 0 {
		return Occurrence{}, false
	}
	o := b.items[0]
	b.items = b.items[1:]
	return o, true
}

// Peek returns the oldest buffered occurrence without removing it.
func (b *ScheduleBuffer) Peek() (Occurrence, bool) {
	if len(b.items) == 0 {
		return Occurrence{}, false
	}
	return b.items[0], true
}

// Len reports the number of buffered occurrences.
func (b *ScheduleBuffer) Len() int { return len(b.items) }

// Dropped reports how many occurrences this buffer has discarded to its
// depth cap over its lifetime.
func (b *ScheduleBuffer) Dropped() int { return b.dropped }
