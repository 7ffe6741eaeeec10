package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
)

func (s *Store) CreateCronSchedule(ctx context.Context, sc model.CronSchedule) (uuid.UUID, error) {
	id := model.NewID()
	raw, err := json.Marshal(sc.InitialContext)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: marshal initial context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, initial_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), sc.WorkflowName, sc.CronExpression, sc.Timezone, boolToInt(sc.Enabled), string(sc.Catchup),
		sc.MaxCatchupExecutions, formatTime(sc.NextRunAt), string(raw))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: insert cron schedule: %w", err)
	}
	return id, nil
}

func (s *Store) GetCronSchedule(ctx context.Context, id uuid.UUID) (model.CronSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, last_run_at, initial_context
		FROM cron_schedules WHERE id = ?`, id.String())
	return scanCronSchedule(row)
}

func (s *Store) ListCronSchedules(ctx context.Context) ([]model.CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, last_run_at, initial_context
		FROM cron_schedules`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list cron schedules: %w", err)
	}
	defer rows.Close()

	var out []model.CronSchedule
	for rows.Next() {
		sc, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCronSchedule(ctx context.Context, sc model.CronSchedule) error {
	raw, err := json.Marshal(sc.InitialContext)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal initial context: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_schedules SET cron_expression = ?, timezone = ?, enabled = ?, catchup = ?, max_catchup_executions = ?,
		    next_run_at = ?, last_run_at = ?, initial_context = ?
		WHERE id = ?`,
		sc.CronExpression, sc.Timezone, boolToInt(sc.Enabled), string(sc.Catchup), sc.MaxCatchupExecutions,
		formatTime(sc.NextRunAt), nullableTime(sc.LastRunAt), string(raw), sc.ID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: update cron schedule: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: delete cron schedule: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]model.CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, last_run_at, initial_context
		FROM cron_schedules WHERE enabled = 1 AND next_run_at <= ?`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get due schedules: %w", err)
	}
	defer rows.Close()

	var out []model.CronSchedule
	for rows.Next() {
		sc, err := scanCronSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ClaimAndUpdateSchedule sets last_run_at and next_run_at only if the row's
// current next_run_at is at or before lastRunAt, i.e. the schedule is still
// due as of this tick. Once one tick has advanced next_run_at, a concurrent
// tick whose lastRunAt is earlier than the new next_run_at matches no row
// and gets false, so the two can't both dispatch the same occurrence.
func (s *Store) ClaimAndUpdateSchedule(ctx context.Context, scheduleID uuid.UUID, lastRunAt, nextRunAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_schedules SET last_run_at = ?, next_run_at = ?
		WHERE id = ? AND next_run_at <= ?`,
		formatTime(lastRunAt), formatTime(nextRunAt), scheduleID.String(), formatTime(lastRunAt))
	if err != nil {
		return false, fmt.Errorf("sqlitestore: claim and update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlitestore: claim schedule rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertCronExecution writes the audit row BEFORE the pipeline is launched
// (§4.6's two-phase handoff phase one). The UNIQUE(schedule_id,
// scheduled_time) constraint rejects a second row for the same occurrence:
// the insert returns ErrDuplicate, and the cron scheduler skips that
// occurrence instead of launching it again.
func (s *Store) InsertCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (uuid.UUID, error) {
	id := model.NewID()
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_executions (id, schedule_id, scheduled_time, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), scheduleID.String(), formatTime(scheduledTime), now, now, now)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return uuid.UUID{}, dal.ErrDuplicate
		}
		return uuid.UUID{}, fmt.Errorf("sqlitestore: insert cron execution: %w", err)
	}
	return id, nil
}

// LinkCronExecution writes phase two of the handoff: attaching the launched
// pipeline's ID to the audit row. A row whose pipeline_execution_id is
// still NULL after ClaimedAt ages past the recovery threshold is a lost
// handoff (FindLostCronExecutions).
func (s *Store) LinkCronExecution(ctx context.Context, auditID, pipelineExecutionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_executions SET pipeline_execution_id = ?, updated_at = ? WHERE id = ?`,
		pipelineExecutionID.String(), formatTime(time.Now()), auditID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: link cron execution: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) FindLostCronExecutions(ctx context.Context, ageThreshold time.Time) ([]model.CronExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, scheduled_time, pipeline_execution_id, claimed_at, created_at, updated_at, recovery_attempts, abandoned
		FROM cron_executions WHERE pipeline_execution_id IS NULL AND abandoned = 0 AND claimed_at < ?`,
		formatTime(ageThreshold))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: find lost cron executions: %w", err)
	}
	defer rows.Close()

	var out []model.CronExecution
	for rows.Next() {
		ce, err := scanCronExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// ListCronExecutions returns a schedule's execution audit rows, most
// recent first, capped at limit (0 = no cap).
func (s *Store) ListCronExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]model.CronExecution, error) {
	query := `
		SELECT id, schedule_id, scheduled_time, pipeline_execution_id, claimed_at, created_at, updated_at, recovery_attempts, abandoned
		FROM cron_executions WHERE schedule_id = ? ORDER BY scheduled_time DESC`
	args := []any{scheduleID.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list cron executions: %w", err)
	}
	defer rows.Close()

	var out []model.CronExecution
	for rows.Next() {
		ce, err := scanCronExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

func (s *Store) MarkCronExecutionAbandoned(ctx context.Context, auditID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_executions SET abandoned = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), auditID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: mark cron execution abandoned: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) IncrementCronRecoveryAttempts(ctx context.Context, auditID uuid.UUID) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: begin increment recovery attempts: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE cron_executions SET recovery_attempts = recovery_attempts + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), auditID.String()); err != nil {
		return 0, fmt.Errorf("sqlitestore: increment recovery attempts: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT recovery_attempts FROM cron_executions WHERE id = ?`, auditID.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitestore: read recovery attempts: %w", err)
	}
	return n, tx.Commit()
}

func (s *Store) CronExecutionStats(ctx context.Context) (total, successful, lost int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN pipeline_execution_id IS NOT NULL THEN 1 ELSE 0 END),
		       SUM(CASE WHEN pipeline_execution_id IS NULL AND abandoned = 1 THEN 1 ELSE 0 END)
		FROM cron_executions`)
	var successfulN, lostN sql.NullInt64
	if scanErr := row.Scan(&total, &successfulN, &lostN); scanErr != nil {
		return 0, 0, 0, fmt.Errorf("sqlitestore: cron execution stats: %w", scanErr)
	}
	return total, int(successfulN.Int64), int(lostN.Int64), nil
}

func scanCronSchedule(r rowScanner) (model.CronSchedule, error) {
	var sc model.CronSchedule
	var id, timezone, catchup, nextRunAt, initialContext string
	var enabled int
	var lastRunAt sql.NullString

	if err := r.Scan(&id, &sc.WorkflowName, &sc.CronExpression, &timezone, &enabled, &catchup,
		&sc.MaxCatchupExecutions, &nextRunAt, &lastRunAt, &initialContext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CronSchedule{}, dal.ErrNotFound
		}
		return model.CronSchedule{}, fmt.Errorf("sqlitestore: scan cron schedule: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return model.CronSchedule{}, fmt.Errorf("sqlitestore: parse cron schedule id: %w", err)
	}
	next, err := parseTime(nextRunAt)
	if err != nil {
		return model.CronSchedule{}, fmt.Errorf("sqlitestore: parse next_run_at: %w", err)
	}
	last, err := scanNullableTime(lastRunAt)
	if err != nil {
		return model.CronSchedule{}, fmt.Errorf("sqlitestore: parse last_run_at: %w", err)
	}
	var ic map[string]any
	if err := json.Unmarshal([]byte(initialContext), &ic); err != nil {
		return model.CronSchedule{}, fmt.Errorf("sqlitestore: unmarshal initial context: %w", err)
	}

	sc.ID = parsedID
	sc.Timezone = timezone
	sc.Enabled = enabled != 0
	sc.Catchup = model.CatchupPolicy(catchup)
	sc.NextRunAt = next
	sc.LastRunAt = last
	sc.InitialContext = ic
	return sc, nil
}

func scanCronExecution(r rowScanner) (model.CronExecution, error) {
	var ce model.CronExecution
	var id, scheduleID, scheduledTime, claimedAt, createdAt, updatedAt string
	var pipelineExecutionID sql.NullString
	var abandoned int

	if err := r.Scan(&id, &scheduleID, &scheduledTime, &pipelineExecutionID, &claimedAt, &createdAt, &updatedAt, &ce.RecoveryAttempts, &abandoned); err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: scan cron execution: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: parse cron execution id: %w", err)
	}
	parsedScheduleID, err := uuid.Parse(scheduleID)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: parse cron execution schedule id: %w", err)
	}
	st, err := parseTime(scheduledTime)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: parse scheduled_time: %w", err)
	}
	claimed, err := parseTime(claimedAt)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: parse claimed_at: %w", err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: parse created_at: %w", err)
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("sqlitestore: parse updated_at: %w", err)
	}

	if pipelineExecutionID.Valid {
		pid, err := uuid.Parse(pipelineExecutionID.String)
		if err != nil {
			return model.CronExecution{}, fmt.Errorf("sqlitestore: parse linked pipeline id: %w", err)
		}
		ce.PipelineExecutionID = &pid
	}

	ce.ID = parsedID
	ce.ScheduleID = parsedScheduleID
	ce.ScheduledTime = st
	ce.ClaimedAt = claimed
	ce.CreatedAt = created
	ce.UpdatedAt = updated
	ce.Abandoned = abandoned != 0
	return ce, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
