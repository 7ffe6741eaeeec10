package sqlitestore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowengine/core/internal/dal"
	"github.com/flowengine/core/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreatePipelineAndMaterializeTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pid, err := s.CreatePipeline(ctx, "wf", "v1", map[string]any{"seed": "x"})
	require.NoError(t, err)

	err = s.MaterializeTasks(ctx, pid, []dal.TaskDef{
		{TaskName: "a", MaxAttempts: 3},
		{TaskName: "b", MaxAttempts: 1},
	})
	require.NoError(t, err)

	tasks, err := s.ListTasksForPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	p, err := s.GetPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, model.PipelinePending, p.Status)
}

func TestMaterializeTasks_IsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pid, err := s.CreatePipeline(ctx, "wf", "v1", nil)
	require.NoError(t, err)

	def := []dal.TaskDef{{TaskName: "a", MaxAttempts: 1}}
	require.NoError(t, s.MaterializeTasks(ctx, pid, def))
	require.NoError(t, s.MaterializeTasks(ctx, pid, def))

	tasks, err := s.ListTasksForPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestContext_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PutContext(ctx, map[string]any{"a": float64(1), "b": "x"})
	require.NoError(t, err)

	got, err := s.GetContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "x"}, got)
}

func TestContext_GetContextsBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, _ := s.PutContext(ctx, map[string]any{"x": float64(1)})
	id2, _ := s.PutContext(ctx, map[string]any{"x": float64(2)})

	got, err := s.GetContextsBatch(ctx, []uuid.UUID{id1, id2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, float64(1), got[id1]["x"])
	assert.Equal(t, float64(2), got[id2]["x"])
}

func TestClaimReadyTask_OnlyOneWinnerUnderConcurrency(t *testing.T) {
	// Scenario 4 from §8: concurrent claim attempts on the same Ready task,
	// exactly one succeeds.
	s := openTestStore(t)
	ctx := context.Background()

	pid, err := s.CreatePipeline(ctx, "wf", "v1", nil)
	require.NoError(t, err)
	require.NoError(t, s.MaterializeTasks(ctx, pid, []dal.TaskDef{{TaskName: "a", MaxAttempts: 1}}))

	tasks, err := s.ListTasksForPipeline(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, s.MarkReady(ctx, tasks[0].ID))

	const n = 8
	var wg sync.WaitGroup
	successes := make(chan *dal.ClaimedTask, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimReadyTask(ctx, pid, "a", fmt.Sprintf("worker-%d", i))
			if err == nil {
				successes <- claimed
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestClaimReadyTask_FailsWhenNotReady(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pid, err := s.CreatePipeline(ctx, "wf", "v1", nil)
	require.NoError(t, err)
	require.NoError(t, s.MaterializeTasks(ctx, pid, []dal.TaskDef{{TaskName: "a", MaxAttempts: 1}}))

	_, err = s.ClaimReadyTask(ctx, pid, "a", "w1")
	assert.ErrorIs(t, err, dal.ErrConflict)
}

func TestCompleteTask_RecordsOutputContext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pid, err := s.CreatePipeline(ctx, "wf", "v1", nil)
	require.NoError(t, err)
	require.NoError(t, s.MaterializeTasks(ctx, pid, []dal.TaskDef{{TaskName: "a", MaxAttempts: 1}}))
	tasks, _ := s.ListTasksForPipeline(ctx, pid)
	require.NoError(t, s.MarkReady(ctx, tasks[0].ID))
	claimed, err := s.ClaimReadyTask(ctx, pid, "a", "w1")
	require.NoError(t, err)

	outID, err := s.PutContext(ctx, map[string]any{"out": true})
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, claimed.TaskExecutionID, outID))

	ids, err := s.GetTaskContextIDs(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, outID, ids["a"])
}

func TestScheduleRetry_ReturnsTaskToReady(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	pid, err := s.CreatePipeline(ctx, "wf", "v1", nil)
	require.NoError(t, err)
	require.NoError(t, s.MaterializeTasks(ctx, pid, []dal.TaskDef{{TaskName: "a", MaxAttempts: 3}}))
	tasks, _ := s.ListTasksForPipeline(ctx, pid)
	require.NoError(t, s.MarkReady(ctx, tasks[0].ID))
	claimed, err := s.ClaimReadyTask(ctx, pid, "a", "w1")
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, s.FailTask(ctx, claimed.TaskExecutionID, "boom", false))
	require.NoError(t, s.ScheduleRetry(ctx, claimed.TaskExecutionID, retryAt))

	statuses, err := s.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, statuses["a"].Status)
	require.NotNil(t, statuses["a"].RetryAt)
	assert.WithinDuration(t, retryAt, *statuses["a"].RetryAt, time.Second)
}

func TestCronExecution_InsertThenLinkHandoff(t *testing.T) {
	// Scenario 5 from §8: guaranteed handoff audit trail.
	s := openTestStore(t)
	ctx := context.Background()

	scheduleID, err := s.CreateCronSchedule(ctx, model.CronSchedule{
		WorkflowName:   "wf",
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		NextRunAt:      time.Now(),
	})
	require.NoError(t, err)

	scheduledTime := time.Now().Truncate(time.Second)
	auditID, err := s.InsertCronExecution(ctx, scheduleID, scheduledTime)
	require.NoError(t, err)

	_, err = s.InsertCronExecution(ctx, scheduleID, scheduledTime)
	assert.ErrorIs(t, err, dal.ErrDuplicate)

	lost, err := s.FindLostCronExecutions(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, auditID, lost[0].ID)

	pid, err := s.CreatePipeline(ctx, "wf", "v1", nil)
	require.NoError(t, err)
	require.NoError(t, s.LinkCronExecution(ctx, auditID, pid))

	lost, err = s.FindLostCronExecutions(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, lost)
}

func TestClaimAndUpdateSchedule_OnlyOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	scheduleID, err := s.CreateCronSchedule(ctx, model.CronSchedule{
		WorkflowName: "wf", CronExpression: "* * * * *", Timezone: "UTC", Enabled: true, NextRunAt: now,
	})
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimAndUpdateSchedule(ctx, scheduleID, now, now.Add(time.Minute))
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
