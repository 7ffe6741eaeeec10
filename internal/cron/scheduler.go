package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
	"github.com/flowengine/core/internal/scheduler"
)

// Scheduler runs the cron loop of §4.6: find due schedules, atomically
// claim each so only one running instance drives it, compute the
// occurrences its catchup policy calls for, and hand each off to the
// pipeline scheduler through the two-phase-commit protocol (insert audit
// row, launch, link).
type Scheduler struct {
	Store    dal.Store
	Launcher *scheduler.Scheduler
	Clock    func() time.Time
}

// New builds a Scheduler with the real clock.
func New(store dal.Store, launcher *scheduler.Scheduler) *Scheduler {
	return &Scheduler{Store: store, Launcher: launcher, Clock: time.Now}
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Tick runs one pass of the scheduler loop over every currently-due
// schedule, returning how many pipelines it launched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.Store.GetDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("cron: get due schedules: %w", err)
	}

	launched := 0
	for _, sc := range due {
		n, err := s.tickOne(ctx, sc, now)
		if err != nil {
			return launched, err
		}
		launched += n
	}
	return launched, nil
}

func (s *Scheduler) tickOne(ctx context.Context, sc model.CronSchedule, now time.Time) (int, error) {
	next, err := ComputeNext(sc.CronExpression, sc.Timezone, now)
	if err != nil {
		return 0, fmt.Errorf("cron: compute next run for schedule %s: %w", sc.ID, err)
	}

	claimed, err := s.Store.ClaimAndUpdateSchedule(ctx, sc.ID, now, next)
	if err != nil {
		return 0, fmt.Errorf("cron: claim schedule %s: %w", sc.ID, err)
	}
	if !claimed {
		return 0, nil // another instance already won this tick's race
	}

	occurrences, err := s.occurrencesFor(sc, now)
	if err != nil {
		return 0, fmt.Errorf("cron: compute occurrences for schedule %s: %w", sc.ID, err)
	}

	launched := 0
	for _, occ := range occurrences {
		auditID, err := s.Store.InsertCronExecution(ctx, sc.ID, occ.ScheduledTime)
		if err != nil {
			if errors.Is(err, dal.ErrDuplicate) {
				continue // another instance already recorded this occurrence
			}
			return launched, fmt.Errorf("cron: insert cron execution for schedule %s: %w", sc.ID, err)
		}
		if err := s.handoff(ctx, auditID, sc, occ.ScheduledTime, false); err != nil {
			return launched, err
		}
		launched++
	}
	return launched, nil
}

// occurrencesFor computes the occurrences to fire for sc this tick,
// according to its catchup policy: Skip fires exactly now; RunAll fires
// every occurrence since last_run_at, buffered through a ScheduleBuffer so
// an unbounded backlog is capped at MaxCatchupExecutions rather than
// flooding the launcher (§9 Open Question 2).
func (s *Scheduler) occurrencesFor(sc model.CronSchedule, now time.Time) ([]Occurrence, error) {
	buf := NewScheduleBuffer(sc.ID.String(), OverlapPolicySkip, sc.MaxCatchupExecutions)

	switch sc.Catchup {
	case model.CatchupRunAll:
		from := now
		if sc.LastRunAt != nil {
			from = *sc.LastRunAt
		}
		times, err := occurrencesBetween(sc.CronExpression, sc.Timezone, from, now)
		if err != nil {
			return nil, err
		}
		for _, t := range times {
			buf.Send(Occurrence{ScheduledTime: t})
		}
	default: // model.CatchupSkip
		buf.Send(Occurrence{ScheduledTime: now})
	}

	var out []Occurrence
	for {
		occ, ok := buf.Pop()
		if !ok {
			break
		}
		out = append(out, occ)
	}
	return out, nil
}

// handoff implements phase 2 of the two-phase-commit protocol (§4.6):
// given an already-inserted audit row (auditID, phase 1 happened either in
// tickOne or, for a recovered row, long before this call), launch the
// pipeline and link the audit row to it. A crash between the two phases
// leaves the audit row unlinked, deliberately, for the recovery loop to
// find and re-drive through this same function.
func (s *Scheduler) handoff(ctx context.Context, auditID uuid.UUID, sc model.CronSchedule, scheduledTime time.Time, isRecovery bool) error {
	launchContext := mergeMaps(sc.InitialContext, map[string]any{
		"scheduled_time": scheduledTime.UTC().Format(time.RFC3339),
		"schedule_id":    sc.ID.String(),
		"audit_id":       auditID.String(),
	})
	if isRecovery {
		launchContext["is_recovery"] = true
		launchContext["original_scheduled_time"] = scheduledTime.UTC().Format(time.RFC3339)
		launchContext["recovery_attempt_time"] = s.now().UTC().Format(time.RFC3339)
	}

	pipelineID, err := s.Launcher.Launch(ctx, sc.WorkflowName, launchContext)
	if err != nil {
		return fmt.Errorf("cron: launch pipeline for schedule %s: %w", sc.ID, err)
	}
	if err := s.Store.LinkCronExecution(ctx, auditID, pipelineID); err != nil {
		return fmt.Errorf("cron: link cron execution %s: %w", auditID, err)
	}
	return nil
}

// mergeMaps layers overlay's keys on top of initial's, overlay winning on
// conflicts. Launch context only ever needs this one level of key
// replacement, not contextstore's dependency-chain merge, so it reaches for
// mergo's generic map merge directly rather than duplicating it by hand.
func mergeMaps(initial map[string]any, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(initial)+len(overlay))
	for k, v := range initial {
		out[k] = v
	}
	_ = mergo.Merge(&out, overlay, mergo.WithOverride)
	return out
}
