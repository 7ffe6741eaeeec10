package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
)

func (s *Store) CreateCronSchedule(ctx context.Context, sc model.CronSchedule) (uuid.UUID, error) {
	id := model.NewID()
	raw, err := json.Marshal(sc.InitialContext)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: marshal initial context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_schedules (id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, initial_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id.String(), sc.WorkflowName, sc.CronExpression, sc.Timezone, sc.Enabled, string(sc.Catchup),
		sc.MaxCatchupExecutions, sc.NextRunAt.UTC(), raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: insert cron schedule: %w", err)
	}
	return id, nil
}

func (s *Store) GetCronSchedule(ctx context.Context, id uuid.UUID) (model.CronSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, last_run_at, initial_context
		FROM cron_schedules WHERE id = $1`, id.String())
	return scanCronSchedule(row)
}

func (s *Store) ListCronSchedules(ctx context.Context) ([]model.CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, last_run_at, initial_context
		FROM cron_schedules`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list cron schedules: %w", err)
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
		return fmt.Errorf("pgstore: marshal initial context: %w", err)
	}
	var lastRunAt any
	if sc.LastRunAt != nil {
		lastRunAt = sc.LastRunAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_schedules SET cron_expression = $1, timezone = $2, enabled = $3, catchup = $4, max_catchup_executions = $5,
		    next_run_at = $6, last_run_at = $7, initial_context = $8
		WHERE id = $9`,
		sc.CronExpression, sc.Timezone, sc.Enabled, string(sc.Catchup), sc.MaxCatchupExecutions,
		sc.NextRunAt.UTC(), lastRunAt, raw, sc.ID.String())
	if err != nil {
		return fmt.Errorf("pgstore: update cron schedule: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteCronSchedule(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("pgstore: delete cron schedule: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]model.CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_name, cron_expression, timezone, enabled, catchup, max_catchup_executions, next_run_at, last_run_at, initial_context
		FROM cron_schedules WHERE enabled = TRUE AND next_run_at <= $1`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("pgstore: get due schedules: %w", err)
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

func (s *Store) ClaimAndUpdateSchedule(ctx context.Context, scheduleID uuid.UUID, lastRunAt, nextRunAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_schedules SET last_run_at = $1, next_run_at = $2
		WHERE id = $3 AND next_run_at <= $1`,
		lastRunAt.UTC(), nextRunAt.UTC(), scheduleID.String())
	if err != nil {
		return false, fmt.Errorf("pgstore: claim and update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: claim schedule rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (uuid.UUID, error) {
	id := model.NewID()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_executions (id, schedule_id, scheduled_time, claimed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id.String(), scheduleID.String(), scheduledTime.UTC(), now, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.UUID{}, dal.ErrDuplicate
		}
		return uuid.UUID{}, fmt.Errorf("pgstore: insert cron execution: %w", err)
	}
	return id, nil
}

func (s *Store) LinkCronExecution(ctx context.Context, auditID, pipelineExecutionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_executions SET pipeline_execution_id = $1, updated_at = $2 WHERE id = $3`,
		pipelineExecutionID.String(), time.Now().UTC(), auditID.String())
	if err != nil {
		return fmt.Errorf("pgstore: link cron execution: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) FindLostCronExecutions(ctx context.Context, ageThreshold time.Time) ([]model.CronExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, scheduled_time, pipeline_execution_id, claimed_at, created_at, updated_at, recovery_attempts, abandoned
		FROM cron_executions WHERE pipeline_execution_id IS NULL AND abandoned = FALSE AND claimed_at < $1`,
		ageThreshold.UTC())
	if err != nil {
		return nil, fmt.Errorf("pgstore: find lost cron executions: %w", err)
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
		FROM cron_executions WHERE schedule_id = $1 ORDER BY scheduled_time DESC`
	args := []any{scheduleID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list cron executions: %w", err)
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
	res, err := s.db.ExecContext(ctx, `UPDATE cron_executions SET abandoned = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), auditID.String())
	if err != nil {
		return fmt.Errorf("pgstore: mark cron execution abandoned: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) IncrementCronRecoveryAttempts(ctx context.Context, auditID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE cron_executions SET recovery_attempts = recovery_attempts + 1, updated_at = $1 WHERE id = $2
		RETURNING recovery_attempts`, time.Now().UTC(), auditID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: increment recovery attempts: %w", err)
	}
	return n, nil
}

func (s *Store) CronExecutionStats(ctx context.Context) (total, successful, lost int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pipeline_execution_id IS NOT NULL),
		       COUNT(*) FILTER (WHERE pipeline_execution_id IS NULL AND abandoned = TRUE)
		FROM cron_executions`)
	if scanErr := row.Scan(&total, &successful, &lost); scanErr != nil {
		return 0, 0, 0, fmt.Errorf("pgstore: cron execution stats: %w", scanErr)
	}
	return total, successful, lost, nil
}

func scanCronSchedule(r rowScanner) (model.CronSchedule, error) {
	var sc model.CronSchedule
	var id, timezone, catchup string
	var enabled bool
	var lastRunAt sql.NullTime
	var initialContext []byte

	if err := r.Scan(&id, &sc.WorkflowName, &sc.CronExpression, &timezone, &enabled, &catchup,
		&sc.MaxCatchupExecutions, &sc.NextRunAt, &lastRunAt, &initialContext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CronSchedule{}, dal.ErrNotFound
		}
		return model.CronSchedule{}, fmt.Errorf("pgstore: scan cron schedule: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return model.CronSchedule{}, fmt.Errorf("pgstore: parse cron schedule id: %w", err)
	}
	var ic map[string]any
	if err := json.Unmarshal(initialContext, &ic); err != nil {
		return model.CronSchedule{}, fmt.Errorf("pgstore: unmarshal initial context: %w", err)
	}

	sc.ID = parsedID
	sc.Timezone = timezone
	sc.Enabled = enabled
	sc.Catchup = model.CatchupPolicy(catchup)
	sc.InitialContext = ic
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	return sc, nil
}

func scanCronExecution(r rowScanner) (model.CronExecution, error) {
	var ce model.CronExecution
	var id, scheduleID string
	var pipelineExecutionID sql.NullString

	if err := r.Scan(&id, &scheduleID, &ce.ScheduledTime, &pipelineExecutionID, &ce.ClaimedAt, &ce.CreatedAt, &ce.UpdatedAt, &ce.RecoveryAttempts, &ce.Abandoned); err != nil {
		return model.CronExecution{}, fmt.Errorf("pgstore: scan cron execution: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("pgstore: parse cron execution id: %w", err)
	}
	parsedScheduleID, err := uuid.Parse(scheduleID)
	if err != nil {
		return model.CronExecution{}, fmt.Errorf("pgstore: parse cron execution schedule id: %w", err)
	}

	ce.ID = parsedID
	ce.ScheduleID = parsedScheduleID
	if pipelineExecutionID.Valid {
		pid, err := uuid.Parse(pipelineExecutionID.String)
		if err != nil {
			return model.CronExecution{}, fmt.Errorf("pgstore: parse linked pipeline id: %w", err)
		}
		ce.PipelineExecutionID = &pid
	}
	return ce, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
