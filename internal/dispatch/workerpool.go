package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowengine/core/internal/contextstore"
	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/registry"
)

// WorkerPoolBackend is the built-in in-process executor backend (§4.4): a
// host-thread/worker pool bounded by a weighted semaphore acting as the
// permit pool of §5's "max_concurrent_tasks".
type WorkerPoolBackend struct {
	store          dal.Store
	registry       *registry.Registry
	contextLoader  contextstore.Loader
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	name           string

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64
}

// NewWorkerPoolBackend builds a WorkerPoolBackend named name (router
// executor key), bounding concurrent executions at maxConcurrent and
// applying defaultTimeout to tasks that don't declare their own.
func NewWorkerPoolBackend(name string, store dal.Store, reg *registry.Registry, maxConcurrent int64, defaultTimeout time.Duration) *WorkerPoolBackend {
	return &WorkerPoolBackend{
		store:          store,
		registry:       reg,
		contextLoader:  contextstore.Loader{Fetcher: store},
		sem:            semaphore.NewWeighted(maxConcurrent),
		defaultTimeout: defaultTimeout,
		name:           name,
	}
}

func (b *WorkerPoolBackend) Name() string { return b.name }

// HasCapacity is a non-blocking hint: it acquires and immediately releases
// a permit, so a true answer can still race against another dispatch
// acquiring the last one before Execute runs.
func (b *WorkerPoolBackend) HasCapacity() bool {
	if !b.sem.TryAcquire(1) {
		return false
	}
	b.sem.Release(1)
	return true
}

func (b *WorkerPoolBackend) Metrics() Metrics {
	return Metrics{
		Dispatched: b.dispatched.Load(),
		Succeeded:  b.succeeded.Load(),
		Failed:     b.failed.Load(),
		Rejected:   b.rejected.Load(),
	}
}

// Execute implements Backend. It loads the merged dependency context
// itself (§4.4 step 2 — the ready event carries no context payload),
// invokes the task's user code under its timeout, and reports the outcome
// without writing any state: the caller (Dispatcher) persists the result
// via the scheduler so every retry/terminal decision funnels through one
// place.
func (b *WorkerPoolBackend) Execute(ctx context.Context, event ReadyEvent) Result {
	b.dispatched.Add(1)
	dispatchedTotal.WithLabelValues(b.name).Inc()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.rejected.Add(1)
		rejectedTotal.WithLabelValues(b.name).Inc()
		return Result{Err: fmt.Errorf("dispatch: acquire worker permit: %w", err)}
	}
	defer b.sem.Release(1)

	def, err := b.registry.GetTask(event.TaskNamespace)
	if err != nil {
		b.failed.Add(1)
		failedTotal.WithLabelValues(b.name).Inc()
		return Result{Err: fmt.Errorf("dispatch: resolve task %s: %w", event.TaskNamespace, err)}
	}

	merged, err := b.loadContext(ctx, event)
	if err != nil {
		b.failed.Add(1)
		failedTotal.WithLabelValues(b.name).Inc()
		return Result{Err: err}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, runErr := runTask(runCtx, def.Run, merged)
	if runErr != nil {
		b.failed.Add(1)
		failedTotal.WithLabelValues(b.name).Inc()
		return Result{Err: runErr}
	}
	b.succeeded.Add(1)
	succeededTotal.WithLabelValues(b.name).Inc()
	return Result{Output: out}
}

func (b *WorkerPoolBackend) loadContext(ctx context.Context, event ReadyEvent) (map[string]any, error) {
	p, err := b.store.GetPipeline(ctx, event.PipelineExecutionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get pipeline: %w", err)
	}
	def, err := b.registry.GetTask(event.TaskNamespace)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get task def: %w", err)
	}
	initial, err := b.store.GetContext(ctx, p.ContextID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get initial context: %w", err)
	}
	depContextIDs, err := b.store.GetTaskContextIDs(ctx, event.PipelineExecutionID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get task context ids: %w", err)
	}
	merged, err := b.contextLoader.Load(ctx, initial, def.Dependencies, depContextIDs)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load merged context: %w", err)
	}
	return merged, nil
}

// runTask invokes run in its own goroutine so a wall-clock timeout can be
// enforced even against user code that never checks ctx (§4.4 step 3: a
// timeout counts as a failure). The goroutine is abandoned, not killed, if
// it never returns — Go offers no preemptive cancellation of a running
// goroutine; well-behaved task code is expected to honor ctx.
func runTask(ctx context.Context, run func(map[string]any) (map[string]any, error), input map[string]any) (out map[string]any, err error) {
	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("dispatch: task panicked: %v", r)}
			}
		}()
		o, e := run(input)
		done <- outcome{out: o, err: e}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("dispatch: task execution timed out: %w", ctx.Err())
	}
}
