// Package model defines the persistent entities of §3: Workflow (in-memory,
// derived from the registry), PipelineExecution, TaskExecution, Context,
// TaskExecutionMetadata, CronSchedule, and CronExecution, plus the status
// enums that drive the task and pipeline lifecycles in §4.3.
package model

import (
	"time"

	"github.com/google/uuid"
)

// PipelineStatus is the lifecycle state of a PipelineExecution.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "Pending"
	PipelineRunning   PipelineStatus = "Running"
	PipelineCompleted PipelineStatus = "Completed"
	PipelineFailed    PipelineStatus = "Failed"
	PipelineCancelled PipelineStatus = "Cancelled"
)

// TaskStatus is the lifecycle state of a TaskExecution (§4.3).
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "NotStarted"
	TaskReady      TaskStatus = "Ready"
	TaskRunning    TaskStatus = "Running"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
	TaskSkipped    TaskStatus = "Skipped"
)

// IsTerminal reports whether s is one of the three terminal states. Ready is
// deliberately not terminal: downstream tasks must not treat a Ready
// upstream dependency as satisfied.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// PipelineExecution is a single run of a workflow (§3).
type PipelineExecution struct {
	ID              uuid.UUID
	Tenant          string
	WorkflowName    string
	WorkflowVersion string
	Status          PipelineStatus
	ContextID       uuid.UUID
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorDetails    string
	RecoveryAttempts int
	LastRecoveryAt  *time.Time
}

// TaskExecution is one task's execution record within a pipeline (§3).
type TaskExecution struct {
	ID                  uuid.UUID
	Tenant              string
	PipelineExecutionID uuid.UUID
	TaskName            string // fully-qualified namespaced ID
	Status              TaskStatus
	Attempt             int // 1-based
	MaxAttempts         int
	TriggerRules        string // serialized trigger rule expression
	TaskConfiguration   string // serialized task configuration
	RetryAt             *time.Time
	LastError           string
	ClaimedAt           *time.Time
	ClaimedBy           string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	Cancelled           bool
}

// Context is a JSON document carried through a pipeline (§3, §4.5).
type Context struct {
	ID        uuid.UUID
	Tenant    string
	Value     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskExecutionMetadata links a task execution to its output context (§3).
type TaskExecutionMetadata struct {
	TaskExecutionID uuid.UUID
	ContextID       uuid.UUID
	CreatedAt       time.Time
}

// CatchupPolicy controls how a CronSchedule backfills missed occurrences
// (§4.6).
type CatchupPolicy string

const (
	CatchupSkip   CatchupPolicy = "Skip"
	CatchupRunAll CatchupPolicy = "RunAll"
)

// CronSchedule is a recurring launch definition (§3).
type CronSchedule struct {
	ID                    uuid.UUID
	Tenant                string
	WorkflowName          string
	CronExpression        string
	Timezone              string
	Enabled               bool
	Catchup               CatchupPolicy
	MaxCatchupExecutions  int // 0 = unbounded buffer depth
	NextRunAt             time.Time
	LastRunAt             *time.Time
	InitialContext        map[string]any
}

// CronExecution is the durable audit of a scheduler→executor handoff (§3,
// §4.6): the basis of guaranteed cron execution.
type CronExecution struct {
	ID                  uuid.UUID
	Tenant              string
	ScheduleID           uuid.UUID
	ScheduledTime        time.Time
	PipelineExecutionID *uuid.UUID // nil until handoff succeeds
	ClaimedAt            time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	RecoveryAttempts     int
	Abandoned            bool
}

// NewID generates a fresh 128-bit identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
