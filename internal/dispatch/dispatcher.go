package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/scheduler"
)

// ErrNoExecutor is returned when the router resolves a key with no
// registered backend — a fatal dispatch error (§7): the task is failed
// rather than left to retry.
var ErrNoExecutor = errors.New("dispatch: no backend registered for executor key")

// ErrNoCapacity is returned when a resolved backend exists but reports no
// capacity. It is not fatal (§7): the task is left Ready and picked up
// again on a later scheduler tick.
var ErrNoCapacity = errors.New("dispatch: backend has no capacity")

// Callbacks are user-supplied hooks invoked after task state is durably
// persisted (§4.4 step 5). A panic inside either is recovered and logged,
// never propagated — callback failures must never corrupt task state.
type Callbacks struct {
	OnSuccess func(event ReadyEvent, output map[string]any)
	OnFailure func(event ReadyEvent, err error)
}

// Dispatcher routes ready tasks to executor backends and persists their
// outcome through the Scheduler, which already implements the atomic
// claim, the output-context-then-status write ordering, and the
// retry-or-fail decision (§4.3, §4.4).
type Dispatcher struct {
	Scheduler *scheduler.Scheduler
	Router    *Router
	Backends  map[string]Backend
	Callbacks Callbacks
}

// NewDispatcher builds a Dispatcher with an empty backend set; call
// RegisterBackend to add at least one (conventionally under the "default"
// key, matching the router's fallback and §6's "core registers a default
// in-process backend under key default").
func NewDispatcher(sched *scheduler.Scheduler, router *Router) *Dispatcher {
	return &Dispatcher{
		Scheduler: sched,
		Router:    router,
		Backends:  make(map[string]Backend),
	}
}

// RegisterBackend makes backend reachable under backend.Name() as an
// executor key.
func (d *Dispatcher) RegisterBackend(backend Backend) {
	d.Backends[backend.Name()] = backend
}

// Dispatch runs the execution protocol of §4.4 for one ready task: route,
// select a backend with capacity, claim it (the atomic Ready->Running
// transition plus context resolution), execute, and persist the outcome.
//
// Returns ErrNoCapacity (not an error state for the task) when the
// resolved backend can't accept work right now; the task remains Ready.
// Returns ErrNoExecutor (fatal to the task, recorded as a permanent
// failure) when the router key has no backend at all.
func (d *Dispatcher) Dispatch(ctx context.Context, pipelineID uuid.UUID, taskName, executorID string) error {
	key := d.Router.Resolve(taskName)
	backend, ok := d.Backends[key]
	if !ok {
		dispatchErr := fmt.Errorf("%w: key %q (task %s)", ErrNoExecutor, key, taskName)
		if failErr := d.failUnclaimed(ctx, pipelineID, taskName, dispatchErr); failErr != nil {
			return fmt.Errorf("%w (and failing it: %s)", dispatchErr, failErr)
		}
		return dispatchErr
	}
	if !backend.HasCapacity() {
		return ErrNoCapacity
	}

	claimed, err := d.Scheduler.Claim(ctx, pipelineID, taskName, executorID)
	if err != nil {
		return fmt.Errorf("dispatch: claim %s: %w", taskName, err)
	}

	event := ReadyEvent{
		PipelineExecutionID: claimed.Claim.PipelineID,
		TaskExecutionID:     claimed.Claim.TaskExecutionID,
		TaskNamespace:       taskName,
		Attempt:             claimed.Claim.Attempt,
		MaxAttempts:         claimed.Claim.MaxAttempts,
	}

	result := backend.Execute(ctx, event)
	if result.Err != nil {
		if err := d.Scheduler.Fail(ctx, taskName, claimed.Claim, result.Err); err != nil {
			return fmt.Errorf("dispatch: fail %s: %w", taskName, err)
		}
		d.invokeOnFailure(event, result.Err)
		return nil
	}

	if err := d.Scheduler.Complete(ctx, claimed.Claim.TaskExecutionID, pipelineID, result.Output); err != nil {
		return fmt.Errorf("dispatch: complete %s: %w", taskName, err)
	}
	d.invokeOnSuccess(event, result.Output)
	return nil
}

// DispatchReady calls Dispatch for every task name in readyNames,
// collecting (not stopping on) ErrNoCapacity and per-task errors so one
// stuck or unrouted task never blocks the rest of the tick's ready set.
func (d *Dispatcher) DispatchReady(ctx context.Context, pipelineID uuid.UUID, readyNames []string, executorID string) []error {
	var errs []error
	for _, name := range readyNames {
		if err := d.Dispatch(ctx, pipelineID, name, executorID); err != nil && !errors.Is(err, ErrNoCapacity) {
			errs = append(errs, err)
		}
	}
	return errs
}

// failUnclaimed terminally fails a task that was never claimed (it has no
// routable executor), looking up its current task_execution row by name
// since no ready event — and thus no task_execution_id — exists yet.
func (d *Dispatcher) failUnclaimed(ctx context.Context, pipelineID uuid.UUID, taskName string, reason error) error {
	statuses, err := d.Scheduler.Store.GetTaskStatusesBatch(ctx, pipelineID, []string{taskName})
	if err != nil {
		return fmt.Errorf("dispatch: look up unroutable task %s: %w", taskName, err)
	}
	t, ok := statuses[taskName]
	if !ok {
		return fmt.Errorf("dispatch: unroutable task %s not found in pipeline %s", taskName, pipelineID)
	}
	if err := d.Scheduler.Store.FailTask(ctx, t.ID, reason.Error(), true); err != nil {
		return fmt.Errorf("dispatch: mark unroutable task %s failed: %w", taskName, err)
	}
	if _, err := d.Scheduler.Tick(ctx, pipelineID); err != nil {
		return fmt.Errorf("dispatch: tick after failing unroutable task %s: %w", taskName, err)
	}
	return nil
}

func (d *Dispatcher) invokeOnSuccess(event ReadyEvent, output map[string]any) {
	if d.Callbacks.OnSuccess == nil {
		return
	}
	defer recoverCallback()
	d.Callbacks.OnSuccess(event, output)
}

func (d *Dispatcher) invokeOnFailure(event ReadyEvent, err error) {
	if d.Callbacks.OnFailure == nil {
		return
	}
	defer recoverCallback()
	d.Callbacks.OnFailure(event, err)
}

// recoverCallback absorbs a panicking user callback (§4.4 step 5):
// callback exceptions are caught and never propagate into task state.
func recoverCallback() {
	_ = recover()
}
