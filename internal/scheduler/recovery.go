package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
)

// ErrOrphanedClaim marks a task's last_error when the recovery loop finds
// it still Running more than OrphanAfter after its claim.
var ErrOrphanedClaim = errors.New("scheduler: executor claim expired without completion")

// RecoverOrphans finds tasks stuck Running past OrphanAfter (an executor
// that claimed a task and crashed before completing or failing it) and
// routes each back through Fail, which applies the normal retry-or-fail
// decision using the task's own retry policy and attempt count.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := s.Store.ListOrphans(ctx, s.now().Add(-s.OrphanAfter))
	if err != nil {
		return 0, fmt.Errorf("scheduler: list orphans: %w", err)
	}

	for _, t := range orphans {
		claim := claimFromOrphan(t)
		if err := s.Fail(ctx, t.TaskName, claim, ErrOrphanedClaim); err != nil {
			return 0, fmt.Errorf("scheduler: recover orphan %s: %w", t.TaskName, err)
		}
	}
	return len(orphans), nil
}

func claimFromOrphan(t model.TaskExecution) dal.ClaimedTask {
	var claimedAt time.Time
	if t.ClaimedAt != nil {
		claimedAt = *t.ClaimedAt
	}
	return dal.ClaimedTask{
		TaskExecutionID: t.ID,
		PipelineID:      t.PipelineExecutionID,
		TaskName:        t.TaskName,
		Attempt:         t.Attempt,
		MaxAttempts:     t.MaxAttempts,
		ClaimedAt:       claimedAt,
	}
}
