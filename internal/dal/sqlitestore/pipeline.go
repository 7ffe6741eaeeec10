package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
)

func (s *Store) CreatePipeline(ctx context.Context, workflowName, workflowVersion string, initialContext map[string]any) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: begin create pipeline: %w", err)
	}
	defer tx.Rollback()

	contextID := model.NewID()
	raw, err := json.Marshal(initialContext)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: marshal initial context: %w", err)
	}
	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `INSERT INTO contexts (id, value, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		contextID.String(), string(raw), now, now); err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: insert initial context: %w", err)
	}

	pipelineID := model.NewID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, workflow_name, workflow_version, status, context_id, started_at, recovery_attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		pipelineID.String(), workflowName, workflowVersion, string(model.PipelinePending), contextID.String(), now); err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: insert pipeline execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: commit create pipeline: %w", err)
	}
	return pipelineID, nil
}

func (s *Store) MaterializeTasks(ctx context.Context, pipelineID uuid.UUID, tasks []dal.TaskDef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin materialize tasks: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_executions (id, pipeline_execution_id, task_name, status, attempt, max_attempts, trigger_rules, task_configuration)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(pipeline_execution_id, task_name) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare materialize tasks: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, model.NewID().String(), pipelineID.String(), t.TaskName,
			string(model.TaskNotStarted), t.MaxAttempts, t.TriggerRules, t.TaskConfiguration); err != nil {
			return fmt.Errorf("sqlitestore: materialize task %s: %w", t.TaskName, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetPipeline(ctx context.Context, id uuid.UUID) (model.PipelineExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, workflow_version, status, context_id, started_at, completed_at, error_details, recovery_attempts, last_recovery_at
		FROM pipeline_executions WHERE id = ?`, id.String())
	return scanPipeline(row)
}

func scanPipeline(row *sql.Row) (model.PipelineExecution, error) {
	var p model.PipelineExecution
	var pid, contextID string
	var status string
	var startedAt string
	var completedAt, lastRecoveryAt sql.NullString

	if err := row.Scan(&pid, &p.WorkflowName, &p.WorkflowVersion, &status, &contextID, &startedAt, &completedAt, &p.ErrorDetails, &p.RecoveryAttempts, &lastRecoveryAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PipelineExecution{}, dal.ErrNotFound
		}
		return model.PipelineExecution{}, fmt.Errorf("sqlitestore: scan pipeline: %w", err)
	}

	id, err := uuid.Parse(pid)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("sqlitestore: parse pipeline id: %w", err)
	}
	ctxID, err := uuid.Parse(contextID)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("sqlitestore: parse pipeline context id: %w", err)
	}
	started, err := parseTime(startedAt)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("sqlitestore: parse started_at: %w", err)
	}
	completed, err := scanNullableTime(completedAt)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("sqlitestore: parse completed_at: %w", err)
	}
	lastRecovery, err := scanNullableTime(lastRecoveryAt)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("sqlitestore: parse last_recovery_at: %w", err)
	}

	p.ID = id
	p.ContextID = ctxID
	p.Status = model.PipelineStatus(status)
	p.StartedAt = started
	p.CompletedAt = completed
	p.LastRecoveryAt = lastRecovery
	return p, nil
}

func (s *Store) UpdatePipelineStatus(ctx context.Context, id uuid.UUID, status model.PipelineStatus, errorDetails string) error {
	var completedAt any
	if status == model.PipelineCompleted || status == model.PipelineFailed || status == model.PipelineCancelled {
		completedAt = formatTime(time.Now())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_executions SET status = ?, error_details = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		string(status), errorDetails, completedAt, id.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: update pipeline status: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) GetTaskStatusesBatch(ctx context.Context, pipelineID uuid.UUID, taskNames []string) (map[string]model.TaskExecution, error) {
	all, err := s.ListTasksForPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if len(taskNames) == 0 {
		out := make(map[string]model.TaskExecution, len(all))
		for _, t := range all {
			out[t.TaskName] = t
		}
		return out, nil
	}
	want := make(map[string]bool, len(taskNames))
	for _, n := range taskNames {
		want[n] = true
	}
	out := make(map[string]model.TaskExecution, len(taskNames))
	for _, t := range all {
		if want[t.TaskName] {
			out[t.TaskName] = t
		}
	}
	return out, nil
}

func (s *Store) ListTasksForPipeline(ctx context.Context, pipelineID uuid.UUID) ([]model.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_name, status, attempt, max_attempts, trigger_rules, task_configuration,
		       retry_at, last_error, claimed_at, claimed_by, started_at, completed_at, cancelled
		FROM task_executions WHERE pipeline_execution_id = ?`, pipelineID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list tasks for pipeline: %w", err)
	}
	defer rows.Close()

	var out []model.TaskExecution
	for rows.Next() {
		t, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskExecution(r rowScanner) (model.TaskExecution, error) {
	var t model.TaskExecution
	var id, pipelineID, status string
	var retryAt, claimedAt, startedAt, completedAt sql.NullString
	var cancelled int

	if err := r.Scan(&id, &pipelineID, &t.TaskName, &status, &t.Attempt, &t.MaxAttempts, &t.TriggerRules, &t.TaskConfiguration,
		&retryAt, &t.LastError, &claimedAt, &t.ClaimedBy, &startedAt, &completedAt, &cancelled); err != nil {
		return model.TaskExecution{}, fmt.Errorf("sqlitestore: scan task execution: %w", err)
	}

	tid, err := uuid.Parse(id)
	if err != nil {
		return model.TaskExecution{}, fmt.Errorf("sqlitestore: parse task id: %w", err)
	}
	pid, err := uuid.Parse(pipelineID)
	if err != nil {
		return model.TaskExecution{}, fmt.Errorf("sqlitestore: parse task pipeline id: %w", err)
	}

	var parseErr error
	if t.RetryAt, parseErr = scanNullableTime(retryAt); parseErr != nil {
		return model.TaskExecution{}, parseErr
	}
	if t.ClaimedAt, parseErr = scanNullableTime(claimedAt); parseErr != nil {
		return model.TaskExecution{}, parseErr
	}
	if t.StartedAt, parseErr = scanNullableTime(startedAt); parseErr != nil {
		return model.TaskExecution{}, parseErr
	}
	if t.CompletedAt, parseErr = scanNullableTime(completedAt); parseErr != nil {
		return model.TaskExecution{}, parseErr
	}

	t.ID = tid
	t.PipelineExecutionID = pid
	t.Status = model.TaskStatus(status)
	t.Cancelled = cancelled != 0
	return t, nil
}

func (s *Store) MarkReady(ctx context.Context, taskExecutionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_executions SET status = ? WHERE id = ? AND status = ?`,
		string(model.TaskReady), taskExecutionID.String(), string(model.TaskNotStarted))
	if err != nil {
		return fmt.Errorf("sqlitestore: mark ready: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) MarkSkipped(ctx context.Context, taskExecutionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.TaskSkipped), formatTime(time.Now()), taskExecutionID.String(), string(model.TaskNotStarted), string(model.TaskReady))
	if err != nil {
		return fmt.Errorf("sqlitestore: mark skipped: %w", err)
	}
	return requireRowsAffected(res)
}

// ClaimReadyTask performs the atomic Ready->Running transition (§4.4): a
// conditional update that only one concurrent caller can win, implemented
// as a single UPDATE ... WHERE status = 'Ready' and checking rows affected,
// which sqlite's single-writer serialization makes race-free without an
// explicit row lock statement.
func (s *Store) ClaimReadyTask(ctx context.Context, pipelineID uuid.UUID, taskName, executorID string) (*dal.ClaimedTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, attempt = attempt + 1, claimed_at = ?, claimed_by = ?, started_at = COALESCE(started_at, ?)
		WHERE pipeline_execution_id = ? AND task_name = ? AND status = ?`,
		string(model.TaskRunning), formatTime(now), executorID, formatTime(now),
		pipelineID.String(), taskName, string(model.TaskReady))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: claim ready task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: claim rows affected: %w", err)
	}
	if n == 0 {
		return nil, dal.ErrConflict
	}

	row := tx.QueryRowContext(ctx, `SELECT id, attempt, max_attempts FROM task_executions WHERE pipeline_execution_id = ? AND task_name = ?`,
		pipelineID.String(), taskName)
	var idStr string
	var attempt, maxAttempts int
	if err := row.Scan(&idStr, &attempt, &maxAttempts); err != nil {
		return nil, fmt.Errorf("sqlitestore: read claimed task: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: parse claimed task id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit claim: %w", err)
	}

	return &dal.ClaimedTask{
		TaskExecutionID: id,
		PipelineID:      pipelineID,
		TaskName:        taskName,
		Attempt:         attempt,
		MaxAttempts:     maxAttempts,
		ClaimedAt:       now,
	}, nil
}

func (s *Store) CompleteTask(ctx context.Context, taskExecutionID uuid.UUID, outputContextID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin complete task: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `UPDATE task_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.TaskCompleted), now, taskExecutionID.String(), string(model.TaskRunning))
	if err != nil {
		return fmt.Errorf("sqlitestore: complete task: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_execution_metadata (task_execution_id, context_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(task_execution_id) DO UPDATE SET context_id = excluded.context_id`,
		taskExecutionID.String(), outputContextID.String(), now); err != nil {
		return fmt.Errorf("sqlitestore: record task output context: %w", err)
	}

	return tx.Commit()
}

func (s *Store) FailTask(ctx context.Context, taskExecutionID uuid.UUID, errMsg string, terminal bool) error {
	status := model.TaskFailed
	var completedAt any
	if terminal {
		completedAt = formatTime(time.Now())
	}
	// Accepts Running (the normal execute-then-fail path) and Ready (a task
	// that never got claimed at all, e.g. dispatch.failUnclaimed finding no
	// registered executor — there is no concurrent claimant to race against
	// in that path, so the guard only needs to rule out double-terminating
	// an already-terminal row).
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = ?, last_error = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(status), errMsg, completedAt, taskExecutionID.String(), string(model.TaskRunning), string(model.TaskReady))
	if err != nil {
		return fmt.Errorf("sqlitestore: fail task: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) ScheduleRetry(ctx context.Context, taskExecutionID uuid.UUID, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = ?, retry_at = ?, claimed_at = NULL, claimed_by = '' WHERE id = ?`,
		string(model.TaskReady), formatTime(retryAt), taskExecutionID.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: schedule retry: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) CancelPipeline(ctx context.Context, pipelineID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin cancel pipeline: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_executions SET cancelled = 1 WHERE pipeline_execution_id = ? AND status IN (?, ?, ?)`,
		pipelineID.String(), string(model.TaskNotStarted), string(model.TaskReady), string(model.TaskRunning)); err != nil {
		return fmt.Errorf("sqlitestore: cancel pending tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipeline_executions SET status = ?, completed_at = ? WHERE id = ?`,
		string(model.PipelineCancelled), formatTime(time.Now()), pipelineID.String()); err != nil {
		return fmt.Errorf("sqlitestore: cancel pipeline: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListOrphans(ctx context.Context, olderThan time.Time) ([]model.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_name, status, attempt, max_attempts, trigger_rules, task_configuration,
		       retry_at, last_error, claimed_at, claimed_by, started_at, completed_at, cancelled
		FROM task_executions WHERE status = ? AND claimed_at < ?`,
		string(model.TaskRunning), formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list orphans: %w", err)
	}
	defer rows.Close()

	var out []model.TaskExecution
	for rows.Next() {
		t, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		return dal.ErrNotFound
	}
	return nil
}
