package dispatch

import (
	"context"

	"github.com/google/uuid"
)

// ReadyEvent is the payload handed to a Backend: exactly five fields, no
// context data (§4.4, §6) — the executor fetches the merged dependency
// context itself at execution time so retries after upstream recoveries
// see the latest outputs rather than a stale snapshot.
type ReadyEvent struct {
	PipelineExecutionID uuid.UUID
	TaskExecutionID     uuid.UUID
	TaskNamespace       string
	Attempt             int
	MaxAttempts         int
}

// Result is what a Backend hands back after running one ReadyEvent: either
// an output context (success) or an error (failure, including a timed-out
// context).
type Result struct {
	Output map[string]any
	Err    error
}

// Metrics is the counter set exposed by a Backend's Metrics() method.
type Metrics struct {
	Dispatched int64
	Succeeded  int64
	Failed     int64
	Rejected   int64 // Execute called without capacity
}

// Backend is the executor capability set of §4.4:
// {execute(ready_event) -> result, has_capacity() -> bool, metrics() ->
// counters, name() -> string}. The built-in backend is an in-process
// worker pool; a Backend may equally proxy to a remote executor.
type Backend interface {
	// Name identifies the backend for router executor keys and logging.
	Name() string
	// HasCapacity reports whether the backend can accept another task
	// right now. It is a hint: the dispatcher only calls Execute after a
	// true HasCapacity, but a true/false answer is inherently racy under
	// concurrent dispatch and Execute must not assume a permit is held.
	HasCapacity() bool
	// Execute runs event under user code's timeout and returns its
	// outcome. It never panics; a panic in user code is recovered and
	// reported as Result.Err.
	Execute(ctx context.Context, event ReadyEvent) Result
	// Metrics returns a snapshot of this backend's counters.
	Metrics() Metrics
}
