// Package core is the embeddable workflow-orchestration engine's public
// API: a single Runner type wiring the registry, scheduler, dispatcher, and
// cron scheduler behind the external interface of §6.
package core

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/config"
	"github.com/flowengine/core/internal/cron"
	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/dal/pgstore"
	"github.com/flowengine/core/internal/dal/sqlitestore"
	"github.com/flowengine/core/internal/dispatch"
	"github.com/flowengine/core/internal/logger"
	"github.com/flowengine/core/internal/model"
	"github.com/flowengine/core/internal/registry"
	"github.com/flowengine/core/internal/scheduler"
	"github.com/flowengine/core/internal/tenant"
)

// PipelineResult is what Execute returns once a pipeline reaches a
// terminal status: the pipeline's own outcome plus each task's.
type PipelineResult struct {
	PipelineID uuid.UUID
	Status     model.PipelineStatus
	Error      string
	Tasks      map[string]model.TaskExecution
}

// Runner is the engine's embeddable entry point (§6). It owns a DAL store
// scoped to one tenant, the process-wide task/workflow registry, the
// pipeline scheduler, the dispatcher with its registered executor backends,
// and the cron scheduler with its recovery loop.
type Runner struct {
	Store      dal.Store
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Cron       *cron.Scheduler
	Logger     logger.Logger

	tenant       tenant.Namespace
	pollInterval time.Duration

	stopBackground chan struct{}
	wg             sync.WaitGroup
}

// New opens a Runner scoped to the "default" tenant against storeURL (a
// "sqlite://<path>" or "postgres://<dsn>" URL).
func New(ctx context.Context, storeURL string) (*Runner, error) {
	return WithNamespace(ctx, storeURL, "default")
}

// WithNamespace opens a Runner scoped to tenantName, validating it per §4.7
// before ever touching the store.
func WithNamespace(ctx context.Context, storeURL, tenantName string) (*Runner, error) {
	ns, err := tenant.Validate(tenantName)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, storeURL, ns)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	sched := scheduler.New(store, reg)
	router := dispatch.NewRouter("default")
	dispatcher := dispatch.NewDispatcher(sched, router)
	cronSched := cron.New(store, sched)
	log := logger.New(logger.NewArgs{})

	backend := dispatch.NewWorkerPoolBackend("default", store, reg, 10, 5*time.Minute)
	dispatcher.RegisterBackend(backend)

	return &Runner{
		Store:          store,
		Registry:       reg,
		Scheduler:      sched,
		Dispatcher:     dispatcher,
		Cron:           cronSched,
		Logger:         log,
		tenant:         ns,
		pollInterval:   50 * time.Millisecond,
		stopBackground: make(chan struct{}),
	}, nil
}

// NewFromConfig builds a Runner using a fully resolved config.Config,
// applying its worker pool size, task timeout, and completion policy.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Runner, error) {
	r, err := WithNamespace(ctx, cfg.StoreURL, cfg.Tenant)
	if err != nil {
		return nil, err
	}

	r.Scheduler.Policy = scheduler.CompletionPolicy(cfg.CompletionPolicy)
	r.Scheduler.OrphanAfter = cfg.OrphanAfter

	router := dispatch.NewRouter("default")
	dispatcher := dispatch.NewDispatcher(r.Scheduler, router)
	backend := dispatch.NewWorkerPoolBackend("default", r.Store, r.Registry, cfg.WorkerPoolSize, cfg.TaskTimeout)
	dispatcher.RegisterBackend(backend)
	r.Dispatcher = dispatcher

	r.Logger = logger.New(logger.NewArgs{
		Debug:  cfg.LogDebug,
		Format: logger.Format(cfg.LogFormat),
	})

	return r, nil
}

func openStore(ctx context.Context, storeURL string, ns tenant.Namespace) (dal.Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("core: parse store url %q: %w", storeURL, err)
	}

	switch u.Scheme {
	case "sqlite":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		path = tenantScopedPath(path, ns)
		return sqlitestore.Open(path)
	case "postgres", "postgresql":
		return pgstore.Open(ctx, storeURL, strings.ToLower(ns.String()))
	default:
		return nil, fmt.Errorf("core: unsupported store scheme %q", u.Scheme)
	}
}

// tenantScopedPath turns "/var/lib/flowengine/flowengine.db" into
// "/var/lib/flowengine/flowengine.<tenant>.db" so each tenant gets its own
// file (§4.7's file-per-tenant mode), except for the "default" tenant,
// which keeps the bare path for backward-compatible single-tenant use.
func tenantScopedPath(path string, ns tenant.Namespace) string {
	if ns.String() == "default" {
		return path
	}
	ext := ""
	base := path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		ext = path[idx:]
		base = path[:idx]
	}
	return fmt.Sprintf("%s.%s%s", base, ns.String(), ext)
}

// RegisterTask registers a task definition with the runner's registry
// (the "task registry source" collaborator interface of §6).
func (r *Runner) RegisterTask(def registry.TaskDefinition) error {
	return r.Registry.RegisterTask(def)
}

// RegisterWorkflow builds and registers a workflow from currently
// registered tasks.
func (r *Runner) RegisterWorkflow(name string, taskIDs []string, description string, tags []string) (registry.Workflow, error) {
	return r.Registry.RegisterWorkflow(name, taskIDs, description, tags)
}

// RegisterBackend adds an additional executor backend beyond the default
// in-process worker pool, and wires a router rule pointing pattern at it.
func (r *Runner) RegisterBackend(backend dispatch.Backend, pattern string) error {
	r.Dispatcher.RegisterBackend(backend)
	if pattern == "" {
		return nil
	}
	return r.Dispatcher.Router.AddRule(pattern, backend.Name())
}

// Execute launches workflowName and blocks until its pipeline reaches a
// terminal status, dispatching every task that becomes Ready along the way
// (§6: "launch and await").
func (r *Runner) Execute(ctx context.Context, workflowName string, initialContext map[string]any) (PipelineResult, error) {
	pipelineID, err := r.Scheduler.Launch(ctx, workflowName, initialContext)
	if err != nil {
		return PipelineResult{}, err
	}
	return r.Await(ctx, pipelineID)
}

// Await blocks until pipelineID reaches a terminal status, driving
// readiness ticks and dispatching Ready tasks in the meantime.
func (r *Runner) Await(ctx context.Context, pipelineID uuid.UUID) (PipelineResult, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		p, err := r.Store.GetPipeline(ctx, pipelineID)
		if err != nil {
			return PipelineResult{}, err
		}
		if isTerminalPipeline(p.Status) {
			tasks, err := r.Store.GetTaskStatusesBatch(ctx, pipelineID, nil)
			if err != nil {
				return PipelineResult{}, err
			}
			return PipelineResult{PipelineID: pipelineID, Status: p.Status, Error: p.ErrorDetails, Tasks: tasks}, nil
		}

		if err := r.dispatchReadyTasks(ctx, pipelineID); err != nil {
			return PipelineResult{}, err
		}
		if _, err := r.Scheduler.Tick(ctx, pipelineID); err != nil {
			return PipelineResult{}, err
		}

		select {
		case <-ctx.Done():
			return PipelineResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) dispatchReadyTasks(ctx context.Context, pipelineID uuid.UUID) error {
	tasks, err := r.Store.ListTasksForPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	now := time.Now()

	var ready []string
	for _, t := range tasks {
		if t.Status != model.TaskReady {
			continue
		}
		if t.RetryAt != nil && now.Before(*t.RetryAt) {
			continue
		}
		ready = append(ready, t.TaskName)
	}
	if len(ready) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, name := range ready {
		wg.Add(1)
		go func(taskName string) {
			defer wg.Done()
			if err := r.Dispatcher.Dispatch(ctx, pipelineID, taskName, "runner"); err != nil {
				r.Logger.Debugf("dispatch %s: %v", taskName, err)
			}
		}(name)
	}
	wg.Wait()
	return nil
}

func isTerminalPipeline(s model.PipelineStatus) bool {
	switch s {
	case model.PipelineCompleted, model.PipelineFailed, model.PipelineCancelled:
		return true
	default:
		return false
	}
}

// AddCronSchedule registers sc and returns its assigned ID.
func (r *Runner) AddCronSchedule(ctx context.Context, sc model.CronSchedule) (uuid.UUID, error) {
	return r.Store.CreateCronSchedule(ctx, sc)
}

// GetCronSchedule returns the schedule by id.
func (r *Runner) GetCronSchedule(ctx context.Context, id uuid.UUID) (model.CronSchedule, error) {
	return r.Store.GetCronSchedule(ctx, id)
}

// ListCronSchedules returns every registered schedule.
func (r *Runner) ListCronSchedules(ctx context.Context) ([]model.CronSchedule, error) {
	return r.Store.ListCronSchedules(ctx)
}

// UpdateCronSchedule persists changes to an existing schedule.
func (r *Runner) UpdateCronSchedule(ctx context.Context, sc model.CronSchedule) error {
	return r.Store.UpdateCronSchedule(ctx, sc)
}

// EnableCronSchedule toggles a schedule's Enabled flag.
func (r *Runner) EnableCronSchedule(ctx context.Context, id uuid.UUID, enabled bool) error {
	sc, err := r.Store.GetCronSchedule(ctx, id)
	if err != nil {
		return err
	}
	sc.Enabled = enabled
	return r.Store.UpdateCronSchedule(ctx, sc)
}

// DeleteCronSchedule removes a schedule.
func (r *Runner) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	return r.Store.DeleteCronSchedule(ctx, id)
}

// CronExecutionHistory returns a schedule's execution audit trail, most
// recent first, capped at limit (0 = no cap).
func (r *Runner) CronExecutionHistory(ctx context.Context, scheduleID uuid.UUID, limit int) ([]model.CronExecution, error) {
	return r.Store.ListCronExecutions(ctx, scheduleID, limit)
}

// CronStats reports aggregate execution counts across every schedule.
func (r *Runner) CronStats(ctx context.Context) (cron.Stats, error) {
	return r.Cron.Stats(ctx)
}

// StartBackground launches the cron tick loop, cron recovery loop, and
// orphan recovery loop, each on its own interval, until Shutdown is called.
func (r *Runner) StartBackground(cronTickInterval, cronRecoveryInterval, orphanRecoveryInterval time.Duration) {
	r.wg.Add(3)
	go r.runLoop(cronTickInterval, func(ctx context.Context) {
		if _, err := r.Cron.Tick(ctx); err != nil {
			r.Logger.Errorf("cron tick: %v", err)
		}
	})
	go r.runLoop(cronRecoveryInterval, func(ctx context.Context) {
		if _, _, err := r.Cron.RecoverLost(ctx, cron.DefaultRecoveryConfig()); err != nil {
			r.Logger.Errorf("cron recovery: %v", err)
		}
	})
	go r.runLoop(orphanRecoveryInterval, func(ctx context.Context) {
		if _, err := r.Scheduler.RecoverOrphans(ctx); err != nil {
			r.Logger.Errorf("orphan recovery: %v", err)
		}
	})
}

func (r *Runner) runLoop(interval time.Duration, fn func(ctx context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopBackground:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

// Shutdown stops any background loops started by StartBackground, waits
// for them to finish their current iteration, and closes the store (§5:
// graceful shutdown drains in-flight work before releasing resources).
func (r *Runner) Shutdown() error {
	close(r.stopBackground)
	r.wg.Wait()
	return r.Store.Close()
}
