package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/model"
)

// maybeCompletePipeline rolls the pipeline up to a terminal status once
// every task has either reached one or been permanently blocked (B2:
// dependencies terminal, trigger rule unsatisfied, not explicitly
// skippable — left NotStarted forever), per the configured CompletionPolicy
// (§9 Open Question 1). blocked names the tasks this Tick determined to be
// permanently blocked; such a task is excluded from the completed/failed/
// skipped rollup tally the same way a Skipped task is, since it never ran,
// but its row is left untouched at NotStarted. It is a no-op while any task
// is still NotStarted-and-not-blocked, Ready, or Running.
func (s *Scheduler) maybeCompletePipeline(ctx context.Context, pipelineID uuid.UUID, blocked map[string]bool) error {
	tasks, err := s.Store.GetTaskStatusesBatch(ctx, pipelineID, nil)
	if err != nil {
		return fmt.Errorf("scheduler: get task statuses for completion check: %w", err)
	}

	var completed, failed, skipped, total int
	for name, t := range tasks {
		total++
		switch {
		case t.Status == model.TaskCompleted:
			completed++
		case t.Status == model.TaskFailed:
			failed++
		case t.Status == model.TaskSkipped:
			skipped++
		case t.Status == model.TaskNotStarted && blocked[name]:
			skipped++ // never ran; counts like Skipped for rollup, row stays NotStarted
		default:
			return nil // still has non-terminal work
		}
	}
	if total == 0 {
		return nil
	}

	status := s.rollup(completed, failed, skipped)
	return s.Store.UpdatePipelineStatus(ctx, pipelineID, status, "")
}

func (s *Scheduler) rollup(completed, failed, skipped int) model.PipelineStatus {
	switch s.Policy {
	case CompletionLenient:
		if completed > 0 {
			return model.PipelineCompleted
		}
		return model.PipelineFailed
	case CompletionStrict:
		fallthrough
	default:
		if failed > 0 {
			return model.PipelineFailed
		}
		return model.PipelineCompleted
	}
}
