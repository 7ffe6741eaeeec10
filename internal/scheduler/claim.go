package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/backoff"
	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/taskerr"
)

// ClaimedWork is everything a dispatcher needs to run one task attempt: the
// claim itself plus the merged input context (§4.5).
type ClaimedWork struct {
	Claim   dal.ClaimedTask
	Context map[string]any
}

// Claim performs the atomic Ready->Running transition (§4.4) for taskName
// within pipelineID and resolves its merged input context in the same
// call, so the caller can hand the work straight to an executor.
func (s *Scheduler) Claim(ctx context.Context, pipelineID uuid.UUID, taskName, executorID string) (*ClaimedWork, error) {
	claimed, err := s.Store.ClaimReadyTask(ctx, pipelineID, taskName, executorID)
	if err != nil {
		return nil, err
	}

	p, err := s.Store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get pipeline for claim: %w", err)
	}
	def, err := s.Registry.GetTask(taskName)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get task def for claim: %w", err)
	}

	initial, err := s.Store.GetContext(ctx, p.ContextID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get initial context for claim: %w", err)
	}
	depContextIDs, err := s.Store.GetTaskContextIDs(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get task context ids for claim: %w", err)
	}
	merged, err := s.ContextLoader.Load(ctx, initial, def.Dependencies, depContextIDs)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load merged context for claim: %w", err)
	}

	return &ClaimedWork{Claim: *claimed, Context: merged}, nil
}

// Complete records a successful task run: it persists the output context,
// marks the task Completed, re-evaluates downstream readiness, and rolls
// the pipeline up if this was its last outstanding task.
func (s *Scheduler) Complete(ctx context.Context, taskExecutionID uuid.UUID, pipelineID uuid.UUID, output map[string]any) error {
	outputContextID, err := s.Store.PutContext(ctx, output)
	if err != nil {
		return fmt.Errorf("scheduler: put output context: %w", err)
	}
	if err := s.Store.CompleteTask(ctx, taskExecutionID, outputContextID); err != nil {
		return fmt.Errorf("scheduler: complete task: %w", err)
	}
	if _, err := s.Tick(ctx, pipelineID); err != nil {
		return fmt.Errorf("scheduler: tick after complete: %w", err)
	}
	return nil
}

// Fail records a task attempt's failure. If the task's retry policy still
// permits another attempt and the error doesn't classify Permanent (§7,
// internal/taskerr), the task is returned to Ready with a computed
// retry_at (§4.3); otherwise it is marked permanently Failed and the
// pipeline is re-evaluated for completion.
func (s *Scheduler) Fail(ctx context.Context, taskName string, claim dal.ClaimedTask, runErr error) error {
	def, err := s.Registry.GetTask(taskName)
	if err != nil {
		return fmt.Errorf("scheduler: get task def for fail: %w", err)
	}

	policy := def.RetryPolicy
	if policy == nil || !taskerr.ShouldRetry(claim.Attempt, claim.MaxAttempts, runErr) {
		if err := s.Store.FailTask(ctx, claim.TaskExecutionID, errString(runErr), true); err != nil {
			return fmt.Errorf("scheduler: mark task permanently failed: %w", err)
		}
		if _, err := s.Tick(ctx, claim.PipelineID); err != nil {
			return fmt.Errorf("scheduler: tick after permanent failure: %w", err)
		}
		return nil
	}

	retryAt, err := backoff.NextRetryAt(policy, claim.Attempt-1, s.now())
	if err != nil {
		// Policy itself says no more retries (e.g. its own MaxRetries fired
		// before MaxAttempts did): treat the same as exhausted.
		if err := s.Store.FailTask(ctx, claim.TaskExecutionID, errString(runErr), true); err != nil {
			return fmt.Errorf("scheduler: mark task permanently failed: %w", err)
		}
		if _, err := s.Tick(ctx, claim.PipelineID); err != nil {
			return fmt.Errorf("scheduler: tick after permanent failure: %w", err)
		}
		return nil
	}

	if err := s.Store.FailTask(ctx, claim.TaskExecutionID, errString(runErr), false); err != nil {
		return fmt.Errorf("scheduler: mark task attempt failed: %w", err)
	}
	if err := s.Store.ScheduleRetry(ctx, claim.TaskExecutionID, retryAt); err != nil {
		return fmt.Errorf("scheduler: schedule retry: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
