package pgstore

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
		return uuid.UUID{}, fmt.Errorf("pgstore: begin create pipeline: %w", err)
	}
	defer tx.Rollback()

	contextID := model.NewID()
	raw, err := json.Marshal(initialContext)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: marshal initial context: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO contexts (id, value, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		contextID.String(), raw, now, now); err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: insert initial context: %w", err)
	}

	pipelineID := model.NewID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_executions (id, workflow_name, workflow_version, status, context_id, started_at, recovery_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0)`,
		pipelineID.String(), workflowName, workflowVersion, string(model.PipelinePending), contextID.String(), now); err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: insert pipeline execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: commit create pipeline: %w", err)
	}
	return pipelineID, nil
}

func (s *Store) MaterializeTasks(ctx context.Context, pipelineID uuid.UUID, tasks []dal.TaskDef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin materialize tasks: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_executions (id, pipeline_execution_id, task_name, status, attempt, max_attempts, trigger_rules, task_configuration)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		ON CONFLICT (pipeline_execution_id, task_name) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("pgstore: prepare materialize tasks: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		if _, err := stmt.ExecContext(ctx, model.NewID().String(), pipelineID.String(), t.TaskName,
			string(model.TaskNotStarted), t.MaxAttempts, t.TriggerRules, t.TaskConfiguration); err != nil {
			return fmt.Errorf("pgstore: materialize task %s: %w", t.TaskName, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetPipeline(ctx context.Context, id uuid.UUID) (model.PipelineExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, workflow_version, status, context_id, started_at, completed_at, error_details, recovery_attempts, last_recovery_at
		FROM pipeline_executions WHERE id = $1`, id.String())
	return scanPipeline(row)
}

func scanPipeline(row *sql.Row) (model.PipelineExecution, error) {
	var p model.PipelineExecution
	var pid, contextID, status string
	var completedAt, lastRecoveryAt sql.NullTime

	if err := row.Scan(&pid, &p.WorkflowName, &p.WorkflowVersion, &status, &contextID, &p.StartedAt, &completedAt, &p.ErrorDetails, &p.RecoveryAttempts, &lastRecoveryAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PipelineExecution{}, dal.ErrNotFound
		}
		return model.PipelineExecution{}, fmt.Errorf("pgstore: scan pipeline: %w", err)
	}

	id, err := uuid.Parse(pid)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("pgstore: parse pipeline id: %w", err)
	}
	ctxID, err := uuid.Parse(contextID)
	if err != nil {
		return model.PipelineExecution{}, fmt.Errorf("pgstore: parse pipeline context id: %w", err)
	}

	p.ID = id
	p.ContextID = ctxID
	p.Status = model.PipelineStatus(status)
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if lastRecoveryAt.Valid {
		p.LastRecoveryAt = &lastRecoveryAt.Time
	}
	return p, nil
}

func (s *Store) UpdatePipelineStatus(ctx context.Context, id uuid.UUID, status model.PipelineStatus, errorDetails string) error {
	var completedAt any
	if status == model.PipelineCompleted || status == model.PipelineFailed || status == model.PipelineCancelled {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_executions SET status = $1, error_details = $2, completed_at = COALESCE(completed_at, $3) WHERE id = $4`,
		string(status), errorDetails, completedAt, id.String())
	if err != nil {
		return fmt.Errorf("pgstore: update pipeline status: %w", err)
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
		FROM task_executions WHERE pipeline_execution_id = $1`, pipelineID.String())
	if err != nil {
		return nil, fmt.Errorf("pgstore: list tasks for pipeline: %w", err)
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
	var retryAt, claimedAt, startedAt, completedAt sql.NullTime

	if err := r.Scan(&id, &pipelineID, &t.TaskName, &status, &t.Attempt, &t.MaxAttempts, &t.TriggerRules, &t.TaskConfiguration,
		&retryAt, &t.LastError, &claimedAt, &t.ClaimedBy, &startedAt, &completedAt, &t.Cancelled); err != nil {
		return model.TaskExecution{}, fmt.Errorf("pgstore: scan task execution: %w", err)
	}

	tid, err := uuid.Parse(id)
	if err != nil {
		return model.TaskExecution{}, fmt.Errorf("pgstore: parse task id: %w", err)
	}
	pid, err := uuid.Parse(pipelineID)
	if err != nil {
		return model.TaskExecution{}, fmt.Errorf("pgstore: parse task pipeline id: %w", err)
	}

	t.ID = tid
	t.PipelineExecutionID = pid
	t.Status = model.TaskStatus(status)
	if retryAt.Valid {
		t.RetryAt = &retryAt.Time
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *Store) MarkReady(ctx context.Context, taskExecutionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE task_executions SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.TaskReady), taskExecutionID.String(), string(model.TaskNotStarted))
	if err != nil {
		return fmt.Errorf("pgstore: mark ready: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) MarkSkipped(ctx context.Context, taskExecutionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = $1, completed_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		string(model.TaskSkipped), time.Now().UTC(), taskExecutionID.String(), string(model.TaskNotStarted), string(model.TaskReady))
	if err != nil {
		return fmt.Errorf("pgstore: mark skipped: %w", err)
	}
	return requireRowsAffected(res)
}

// ClaimReadyTask performs the atomic Ready->Running transition (§4.4) as a
// single conditional UPDATE inside a transaction; Postgres's row-level MVCC
// guarantees only one concurrent transaction observes status = 'Ready' and
// commits the change, so every loser simply affects zero rows.
func (s *Store) ClaimReadyTask(ctx context.Context, pipelineID uuid.UUID, taskName, executorID string) (*dal.ClaimedTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE task_executions
		SET status = $1, attempt = attempt + 1, claimed_at = $2, claimed_by = $3, started_at = COALESCE(started_at, $2)
		WHERE pipeline_execution_id = $4 AND task_name = $5 AND status = $6`,
		string(model.TaskRunning), now, executorID, pipelineID.String(), taskName, string(model.TaskReady))
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim ready task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim rows affected: %w", err)
	}
	if n == 0 {
		return nil, dal.ErrConflict
	}

	row := tx.QueryRowContext(ctx, `SELECT id, attempt, max_attempts FROM task_executions WHERE pipeline_execution_id = $1 AND task_name = $2`,
		pipelineID.String(), taskName)
	var idStr string
	var attempt, maxAttempts int
	if err := row.Scan(&idStr, &attempt, &maxAttempts); err != nil {
		return nil, fmt.Errorf("pgstore: read claimed task: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse claimed task id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: commit claim: %w", err)
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
		return fmt.Errorf("pgstore: begin complete task: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE task_executions SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4`,
		string(model.TaskCompleted), now, taskExecutionID.String(), string(model.TaskRunning))
	if err != nil {
		return fmt.Errorf("pgstore: complete task: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_execution_metadata (task_execution_id, context_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (task_execution_id) DO UPDATE SET context_id = excluded.context_id`,
		taskExecutionID.String(), outputContextID.String(), now); err != nil {
		return fmt.Errorf("pgstore: record task output context: %w", err)
	}

	return tx.Commit()
}

func (s *Store) FailTask(ctx context.Context, taskExecutionID uuid.UUID, errMsg string, terminal bool) error {
	var completedAt any
	if terminal {
		completedAt = time.Now().UTC()
	}
	// Accepts Running (the normal execute-then-fail path) and Ready (a task
	// that never got claimed at all, e.g. dispatch.failUnclaimed finding no
	// registered executor — there is no concurrent claimant to race against
	// in that path, so the guard only needs to rule out double-terminating
	// an already-terminal row).
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = $1, last_error = $2, completed_at = $3 WHERE id = $4 AND status IN ($5, $6)`,
		string(model.TaskFailed), errMsg, completedAt, taskExecutionID.String(), string(model.TaskRunning), string(model.TaskReady))
	if err != nil {
		return fmt.Errorf("pgstore: fail task: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) ScheduleRetry(ctx context.Context, taskExecutionID uuid.UUID, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = $1, retry_at = $2, claimed_at = NULL, claimed_by = '' WHERE id = $3`,
		string(model.TaskReady), retryAt.UTC(), taskExecutionID.String())
	if err != nil {
		return fmt.Errorf("pgstore: schedule retry: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) CancelPipeline(ctx context.Context, pipelineID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin cancel pipeline: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_executions SET cancelled = TRUE WHERE pipeline_execution_id = $1 AND status IN ($2, $3, $4)`,
		pipelineID.String(), string(model.TaskNotStarted), string(model.TaskReady), string(model.TaskRunning)); err != nil {
		return fmt.Errorf("pgstore: cancel pending tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipeline_executions SET status = $1, completed_at = $2 WHERE id = $3`,
		string(model.PipelineCancelled), time.Now().UTC(), pipelineID.String()); err != nil {
		return fmt.Errorf("pgstore: cancel pipeline: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListOrphans(ctx context.Context, olderThan time.Time) ([]model.TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_execution_id, task_name, status, attempt, max_attempts, trigger_rules, task_configuration,
		       retry_at, last_error, claimed_at, claimed_by, started_at, completed_at, cancelled
		FROM task_executions WHERE status = $1 AND claimed_at < $2`,
		string(model.TaskRunning), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("pgstore: list orphans: %w", err)
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
		return fmt.Errorf("pgstore: rows affected: %w", err)
	}
	if n == 0 {
		return dal.ErrNotFound
	}
	return nil
}
