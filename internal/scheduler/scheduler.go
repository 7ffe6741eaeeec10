// Package scheduler implements the pipeline lifecycle of §4.3: readiness
// evaluation over the trigger-rule expression language, the atomic
// Ready->Running claim, and the completion policy that rolls per-task
// outcomes up into a PipelineExecution's final status.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/contextstore"
	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
	"github.com/flowengine/core/internal/registry"
	"github.com/flowengine/core/internal/triggerrule"
)

// CompletionPolicy controls how a pipeline's final status is derived from
// its tasks' terminal outcomes (§9 Open Question 1).
type CompletionPolicy string

const (
	// CompletionStrict fails the pipeline if any task ends Failed.
	CompletionStrict CompletionPolicy = "Strict"
	// CompletionLenient succeeds the pipeline if any task ends Completed,
	// only failing it when every task ended Failed or Skipped.
	CompletionLenient CompletionPolicy = "Lenient"
)

// Scheduler drives pipelines forward: it is the only component that writes
// task/pipeline status transitions.
type Scheduler struct {
	Store          dal.Store
	Registry       *registry.Registry
	ContextLoader  contextstore.Loader
	Policy         CompletionPolicy
	Clock          func() time.Time
	OrphanAfter    time.Duration // Running tasks claimed longer ago than this are orphans
}

// New builds a Scheduler with sane defaults (Strict completion, real clock,
// 5-minute orphan threshold).
func New(store dal.Store, reg *registry.Registry) *Scheduler {
	return &Scheduler{
		Store:         store,
		Registry:      reg,
		ContextLoader: contextstore.Loader{Fetcher: store},
		Policy:        CompletionStrict,
		Clock:         time.Now,
		OrphanAfter:   5 * time.Minute,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Launch starts a new pipeline execution for workflowName: it creates the
// pipeline row, materializes one task row per workflow task, and runs an
// initial readiness pass so tasks with no dependencies become immediately
// claimable.
func (s *Scheduler) Launch(ctx context.Context, workflowName string, initialContext map[string]any) (uuid.UUID, error) {
	wf, err := s.Registry.GetWorkflow(workflowName)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("scheduler: launch %s: %w", workflowName, err)
	}

	pipelineID, err := s.Store.CreatePipeline(ctx, wf.Name, wf.Version, initialContext)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("scheduler: create pipeline: %w", err)
	}

	defs := make([]dal.TaskDef, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		raw, err := json.Marshal(t.TriggerRule)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("scheduler: marshal trigger rule for %s: %w", t.ID, err)
		}
		maxAttempts := t.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		defs = append(defs, dal.TaskDef{
			TaskName:     t.ID,
			MaxAttempts:  maxAttempts,
			TriggerRules: string(raw),
		})
	}

	if err := s.Store.MaterializeTasks(ctx, pipelineID, defs); err != nil {
		return uuid.UUID{}, fmt.Errorf("scheduler: materialize tasks: %w", err)
	}

	if err := s.Store.UpdatePipelineStatus(ctx, pipelineID, model.PipelineRunning, ""); err != nil {
		return uuid.UUID{}, fmt.Errorf("scheduler: mark pipeline running: %w", err)
	}

	if _, err := s.Tick(ctx, pipelineID); err != nil {
		return uuid.UUID{}, fmt.Errorf("scheduler: initial readiness pass: %w", err)
	}

	return pipelineID, nil
}

// Tick evaluates readiness for every NotStarted task in the pipeline: a
// task whose dependencies are all terminal is marked Ready if its trigger
// rule evaluates true. If the rule evaluates false, the task is marked
// Skipped only when the rule was built with triggerrule.Skippable;
// otherwise it is left NotStarted permanently (a dependency outcome the
// rule doesn't expect blocks the task rather than silently skipping it).
// Tasks with still-pending dependencies are left untouched (I1: readiness
// requires every dependency terminal). It returns the names of tasks newly
// marked Ready, and also rolls the pipeline up to a terminal status once
// every task has either reached one or been permanently blocked this way.
func (s *Scheduler) Tick(ctx context.Context, pipelineID uuid.UUID) ([]string, error) {
	p, err := s.Store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get pipeline: %w", err)
	}
	wf, err := s.Registry.GetWorkflow(p.WorkflowName)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get workflow %s: %w", p.WorkflowName, err)
	}
	tasks, err := s.Store.GetTaskStatusesBatch(ctx, pipelineID, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get task statuses: %w", err)
	}
	initial, err := s.Store.GetContext(ctx, p.ContextID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get pipeline initial context: %w", err)
	}
	depContextIDs, err := s.Store.GetTaskContextIDs(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get task context ids: %w", err)
	}

	outcomes := make(triggerrule.TaskOutcomes, len(tasks))
	for name, t := range tasks {
		switch t.Status {
		case model.TaskCompleted:
			outcomes[name] = triggerrule.OutcomeSuccess
		case model.TaskFailed:
			outcomes[name] = triggerrule.OutcomeFailed
		case model.TaskSkipped:
			outcomes[name] = triggerrule.OutcomeSkipped
		}
	}

	var newlyReady []string
	blocked := make(map[string]bool)
	for name, t := range tasks {
		if t.Status != model.TaskNotStarted {
			continue
		}
		def, ok := wf.Tasks[name]
		if !ok {
			continue
		}
		if !allDepsTerminal(def.Dependencies, tasks) {
			continue
		}

		mergedCtx, err := s.ContextLoader.Load(ctx, initial, def.Dependencies, depContextIDs)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load context for %s: %w", name, err)
		}

		shouldRun, err := triggerrule.Evaluate(def.TriggerRule, mergedCtx, outcomes)
		if err != nil {
			return nil, fmt.Errorf("scheduler: evaluate trigger rule for %s: %w", name, err)
		}
		switch {
		case shouldRun:
			if err := s.Store.MarkReady(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("scheduler: mark %s ready: %w", name, err)
			}
			newlyReady = append(newlyReady, name)
		case def.TriggerRule.ExplicitSkip:
			if err := s.Store.MarkSkipped(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("scheduler: mark %s skipped: %w", name, err)
			}
		default:
			// B2: deps are terminal, the rule isn't satisfied, and nothing
			// opted this task into skip-on-false. It stays NotStarted
			// forever rather than being auto-skipped.
			blocked[name] = true
		}
	}

	if err := s.maybeCompletePipeline(ctx, pipelineID, blocked); err != nil {
		return nil, err
	}

	return newlyReady, nil
}

func allDepsTerminal(deps []string, tasks map[string]model.TaskExecution) bool {
	for _, dep := range deps {
		t, ok := tasks[dep]
		if !ok || !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}
