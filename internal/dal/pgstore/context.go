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

func (s *Store) PutContext(ctx context.Context, value map[string]any) (uuid.UUID, error) {
	id := model.NewID()
	raw, err := json.Marshal(value)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: marshal context: %w", err)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO contexts (id, value, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		id.String(), raw, now, now); err != nil {
		return uuid.UUID{}, fmt.Errorf("pgstore: insert context: %w", err)
	}
	return id, nil
}

func (s *Store) GetContext(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var raw []byte
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM contexts WHERE id = $1`, id.String()).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dal.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get context: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal context: %w", err)
	}
	return out, nil
}

// GetContextsBatch loads every requested context in a single query via
// ANY($1) over a text array, the batching §4.5 requires for merging a
// multi-dependency task's input.
func (s *Store) GetContextsBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]any, error) {
	out := make(map[uuid.UUID]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM contexts WHERE id = ANY($1)`, idStrs)
	if err != nil {
		return nil, fmt.Errorf("pgstore: batch get contexts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		var raw []byte
		if err := rows.Scan(&idStr, &raw); err != nil {
			return nil, fmt.Errorf("pgstore: scan batch context: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("pgstore: parse batch context id: %w", err)
		}
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal batch context: %w", err)
		}
		out[id] = v
	}
	return out, rows.Err()
}

func (s *Store) RecordTaskContext(ctx context.Context, taskExecutionID, contextID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_execution_metadata (task_execution_id, context_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (task_execution_id) DO UPDATE SET context_id = excluded.context_id`,
		taskExecutionID.String(), contextID.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pgstore: record task context: %w", err)
	}
	return nil
}

func (s *Store) GetTaskContextIDs(ctx context.Context, pipelineID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.task_name, m.context_id
		FROM task_execution_metadata m
		JOIN task_executions t ON t.id = m.task_execution_id
		WHERE t.pipeline_execution_id = $1`, pipelineID.String())
	if err != nil {
		return nil, fmt.Errorf("pgstore: get task context ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID)
	for rows.Next() {
		var taskName, contextID string
		if err := rows.Scan(&taskName, &contextID); err != nil {
			return nil, fmt.Errorf("pgstore: scan task context id: %w", err)
		}
		id, err := uuid.Parse(contextID)
		if err != nil {
			return nil, fmt.Errorf("pgstore: parse task context id: %w", err)
		}
		out[taskName] = id
	}
	return out, rows.Err()
}
