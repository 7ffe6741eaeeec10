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

func (s *Store) PutContext(ctx context.Context, value map[string]any) (uuid.UUID, error) {
	id := model.NewID()
	raw, err := json.Marshal(value)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: marshal context: %w", err)
	}
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, `INSERT INTO contexts (id, value, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id.String(), string(raw), now, now); err != nil {
		return uuid.UUID{}, fmt.Errorf("sqlitestore: insert context: %w", err)
	}
	return id, nil
}

func (s *Store) GetContext(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM contexts WHERE id = ?`, id.String()).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dal.ErrNotFound
		}
		return nil, fmt.Errorf("sqlitestore: get context: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal context: %w", err)
	}
	return out, nil
}

// GetContextsBatch loads every requested context in a single query, the
// batching §4.5 requires for merging a multi-dependency task's input.
func (s *Store) GetContextsBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]any, error) {
	out := make(map[uuid.UUID]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	query := fmt.Sprintf(`SELECT id, value FROM contexts WHERE id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: batch get contexts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr, raw string
		if err := rows.Scan(&idStr, &raw); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan batch context: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse batch context id: %w", err)
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal batch context: %w", err)
		}
		out[id] = v
	}
	return out, rows.Err()
}

func (s *Store) RecordTaskContext(ctx context.Context, taskExecutionID, contextID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_execution_metadata (task_execution_id, context_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(task_execution_id) DO UPDATE SET context_id = excluded.context_id`,
		taskExecutionID.String(), contextID.String(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlitestore: record task context: %w", err)
	}
	return nil
}

// GetTaskContextIDs returns, for every task in the pipeline that has
// recorded an output context, its output context ID keyed by task name.
func (s *Store) GetTaskContextIDs(ctx context.Context, pipelineID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.task_name, m.context_id
		FROM task_execution_metadata m
		JOIN task_executions t ON t.id = m.task_execution_id
		WHERE t.pipeline_execution_id = ?`, pipelineID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get task context ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID)
	for rows.Next() {
		var taskName, contextID string
		if err := rows.Scan(&taskName, &contextID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan task context id: %w", err)
		}
		id, err := uuid.Parse(contextID)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse task context id: %w", err)
		}
		out[taskName] = id
	}
	return out, rows.Err()
}
