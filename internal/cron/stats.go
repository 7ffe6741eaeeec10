package cron

import (
	"context"
	"fmt"
)

// Stats summarizes the cron execution audit trail: how many occurrences
// were recorded, how many successfully linked to a pipeline, and how many
// were abandoned by the recovery loop.
type Stats struct {
	Total      int
	Successful int
	Lost       int
}

// SuccessRate returns Successful/Total, or 1.0 when Total is zero.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Successful) / float64(s.Total)
}

// Stats reports execution counts across every schedule.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	total, successful, lost, err := s.Store.CronExecutionStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cron: execution stats: %w", err)
	}
	return Stats{Total: total, Successful: successful, Lost: lost}, nil
}
