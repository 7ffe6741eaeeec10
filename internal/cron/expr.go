// Package cron implements the cron scheduler of §4.6: expression parsing,
// the guaranteed two-phase-commit handoff to the pipeline scheduler, and
// the recovery loop that re-drives handoffs an instance crashed mid-way
// through.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// sixFieldParser accepts the optional leading seconds field (§4.6's
// "sub-minute scheduling in tests" grammar note); cron.ParseStandard
// handles the plain five-field form.
var sixFieldParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseExpression parses a cron expression: the standard five fields
// (minute hour dom month dow), or six fields with a leading seconds field.
func ParseExpression(expr string) (cron.Schedule, error) {
	if len(strings.Fields(expr)) >= 6 {
		sched, err := sixFieldParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("cron: parse expression %q: %w", expr, err)
		}
		return sched, nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse expression %q: %w", expr, err)
	}
	return sched, nil
}

// ComputeNext returns the next occurrence of expr strictly after now,
// evaluated in the schedule's local timezone. DST gaps and ambiguity are
// handled by Go's time.Location arithmetic underlying cron.Schedule.Next:
// a nonexistent local time in a spring-forward gap normalizes forward past
// it, and a fall-back-ambiguous time resolves to its first (earlier)
// occurrence.
func ComputeNext(expr, tz string, now time.Time) (time.Time, error) {
	sched, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: load timezone %q: %w", tz, err)
	}
	return sched.Next(now.In(loc)), nil
}

// maxOccurrences bounds occurrencesBetween against a pathological
// expression (e.g. a sub-second schedule) producing an unbounded backlog.
const maxOccurrences = 10_000

// occurrencesBetween lists every occurrence of expr in (from, to], in
// chronological order.
func occurrencesBetween(expr, tz string, from, to time.Time) ([]time.Time, error) {
	sched, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("cron: load timezone %q: %w", tz, err)
	}

	var out []time.Time
	cursor := from.In(loc)
	for i := 0; i < maxOccurrences; i++ {
		next := sched.Next(cursor)
		if next.IsZero() || next.After(to) {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}
