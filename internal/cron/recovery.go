package cron

import (
	"context"
	"fmt"
	"time"
)

// RecoveryConfig bounds the cron recovery loop of §4.6: how old an
// unlinked audit row must be before it's considered lost, how old it can
// get before recovery gives up on it, and how many recovery attempts it
// gets before being abandoned.
type RecoveryConfig struct {
	AgeThreshold        time.Duration
	MaxRecoveryAge      time.Duration
	MaxRecoveryAttempts int
}

// DefaultRecoveryConfig returns conservative defaults: an audit row
// unlinked for more than a minute is lost, recovery gives up after an
// hour or five attempts.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		AgeThreshold:        time.Minute,
		MaxRecoveryAge:      time.Hour,
		MaxRecoveryAttempts: 5,
	}
}

// RecoverLost finds audit rows that were inserted (phase 1) but never
// linked to a pipeline execution (phase 2) — meaning the instance that
// claimed them crashed between the two writes — and re-drives the
// handoff for each. A row that has aged past MaxRecoveryAge, exhausted
// MaxRecoveryAttempts, or whose schedule has since been disabled or
// deleted is abandoned instead of retried.
func (s *Scheduler) RecoverLost(ctx context.Context, cfg RecoveryConfig) (recovered, abandoned int, err error) {
	now := s.now()
	lost, err := s.Store.FindLostCronExecutions(ctx, now.Add(-cfg.AgeThreshold))
	if err != nil {
		return 0, 0, fmt.Errorf("cron: find lost executions: %w", err)
	}

	for _, le := range lost {
		age := now.Sub(le.CreatedAt)
		if age > cfg.MaxRecoveryAge || le.RecoveryAttempts >= cfg.MaxRecoveryAttempts {
			if err := s.Store.MarkCronExecutionAbandoned(ctx, le.ID); err != nil {
				return recovered, abandoned, fmt.Errorf("cron: abandon execution %s: %w", le.ID, err)
			}
			abandoned++
			continue
		}

		sc, err := s.Store.GetCronSchedule(ctx, le.ScheduleID)
		if err != nil || !sc.Enabled {
			if err := s.Store.MarkCronExecutionAbandoned(ctx, le.ID); err != nil {
				return recovered, abandoned, fmt.Errorf("cron: abandon execution %s: %w", le.ID, err)
			}
			abandoned++
			continue
		}

		if _, err := s.Store.IncrementCronRecoveryAttempts(ctx, le.ID); err != nil {
			return recovered, abandoned, fmt.Errorf("cron: increment recovery attempts for %s: %w", le.ID, err)
		}

		if err := s.handoff(ctx, le.ID, sc, le.ScheduledTime, true); err != nil {
			return recovered, abandoned, fmt.Errorf("cron: redrive execution %s: %w", le.ID, err)
		}
		recovered++
	}
	return recovered, abandoned, nil
}
