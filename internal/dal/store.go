// Package dal defines the data-access-layer contract of §4.2: the single
// gateway through which the scheduler and dispatcher read and write
// persisted state. Every method here is implicitly scoped to one tenant —
// a Store value is always already bound to a single tenant namespace
// (§4.7); concrete backends live in the sqlitestore and pgstore
// sub-packages.
package dal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowengine/core/internal/model"
)

var (
	// ErrNotFound is returned when a lookup by ID finds no row — including
	// when the ID belongs to a different tenant than the Store is scoped
	// to (§4.7: mis-routing must fail not-found, never return a
	// cross-tenant row).
	ErrNotFound = errors.New("dal: not found")
	// ErrConflict is returned when an atomic conditional update (a claim,
	// a schedule CAS) loses the race.
	ErrConflict = errors.New("dal: conflict")
	// ErrDuplicate is returned when a UNIQUE constraint is violated, e.g.
	// inserting the same (schedule_id, scheduled_time) cron execution twice.
	ErrDuplicate = errors.New("dal: duplicate")
)

// ClaimedTask is the row state handed back by ClaimReadyTask on success.
type ClaimedTask struct {
	TaskExecutionID uuid.UUID
	PipelineID      uuid.UUID
	TaskName        string
	Attempt         int
	MaxAttempts     int
	ClaimedAt       time.Time
}

// TaskDef is the materialization input for one task row: everything
// MaterializeTasks needs to insert a NotStarted row.
type TaskDef struct {
	TaskName          string
	MaxAttempts       int
	TriggerRules      string
	TaskConfiguration string
}

// Store is the DAL contract. All methods take an implicit tenant namespace
// bound at construction time.
type Store interface {
	// Pipeline / task.

	CreatePipeline(ctx context.Context, workflowName, workflowVersion string, initialContext map[string]any) (uuid.UUID, error)
	MaterializeTasks(ctx context.Context, pipelineID uuid.UUID, tasks []TaskDef) error
	GetPipeline(ctx context.Context, id uuid.UUID) (model.PipelineExecution, error)
	UpdatePipelineStatus(ctx context.Context, id uuid.UUID, status model.PipelineStatus, errorDetails string) error
	GetTaskStatusesBatch(ctx context.Context, pipelineID uuid.UUID, taskNames []string) (map[string]model.TaskExecution, error)
	ListTasksForPipeline(ctx context.Context, pipelineID uuid.UUID) ([]model.TaskExecution, error)
	MarkReady(ctx context.Context, taskExecutionID uuid.UUID) error
	MarkSkipped(ctx context.Context, taskExecutionID uuid.UUID) error
	ClaimReadyTask(ctx context.Context, pipelineID uuid.UUID, taskName, executorID string) (*ClaimedTask, error)
	CompleteTask(ctx context.Context, taskExecutionID uuid.UUID, outputContextID uuid.UUID) error
	FailTask(ctx context.Context, taskExecutionID uuid.UUID, errMsg string, terminal bool) error
	ScheduleRetry(ctx context.Context, taskExecutionID uuid.UUID, retryAt time.Time) error
	CancelPipeline(ctx context.Context, pipelineID uuid.UUID) error
	ListOrphans(ctx context.Context, olderThan time.Time) ([]model.TaskExecution, error)

	// Context.

	PutContext(ctx context.Context, value map[string]any) (uuid.UUID, error)
	GetContext(ctx context.Context, id uuid.UUID) (map[string]any, error)
	GetContextsBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]any, error)
	RecordTaskContext(ctx context.Context, taskExecutionID, contextID uuid.UUID) error
	GetTaskContextIDs(ctx context.Context, pipelineID uuid.UUID) (map[string]uuid.UUID, error)

	// Cron.

	CreateCronSchedule(ctx context.Context, s model.CronSchedule) (uuid.UUID, error)
	GetCronSchedule(ctx context.Context, id uuid.UUID) (model.CronSchedule, error)
	ListCronSchedules(ctx context.Context) ([]model.CronSchedule, error)
	UpdateCronSchedule(ctx context.Context, s model.CronSchedule) error
	DeleteCronSchedule(ctx context.Context, id uuid.UUID) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]model.CronSchedule, error)
	ClaimAndUpdateSchedule(ctx context.Context, scheduleID uuid.UUID, lastRunAt, nextRunAt time.Time) (bool, error)
	InsertCronExecution(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (uuid.UUID, error)
	LinkCronExecution(ctx context.Context, auditID, pipelineExecutionID uuid.UUID) error
	FindLostCronExecutions(ctx context.Context, ageThreshold time.Time) ([]model.CronExecution, error)
	ListCronExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]model.CronExecution, error)
	MarkCronExecutionAbandoned(ctx context.Context, auditID uuid.UUID) error
	IncrementCronRecoveryAttempts(ctx context.Context, auditID uuid.UUID) (int, error)
	CronExecutionStats(ctx context.Context) (total, successful, lost int, err error)

	// Close releases any pooled resources (connections, file handles).
	Close() error
}
