package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowengine/core/internal/backoff"
	"github.com/flowengine/core/internal/dal/sqlitestore"
	"github.com/flowengine/core/internal/model"
	"github.com/flowengine/core/internal/registry"
	"github.com/flowengine/core/internal/taskerr"
	"github.com/flowengine/core/internal/triggerrule"
)

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry) {
	t.Helper()
	store, err := sqlitestore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	sched := New(store, reg)
	return sched, reg
}

func noop(ctx map[string]any) (map[string]any, error) { return ctx, nil }

func TestLaunch_MarksRootTasksReady(t *testing.T) {
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.b", Dependencies: []string{"t.p.wf.a"}, TriggerRule: triggerrule.TaskSuccess("t.p.wf.a"), MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a", "t.p.wf.b"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{"seed": true})
	require.NoError(t, err)

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, statuses["t.p.wf.a"].Status)
	assert.Equal(t, model.TaskNotStarted, statuses["t.p.wf.b"].Status)
}

func TestClaimCompleteTick_AdvancesDownstreamReadiness(t *testing.T) {
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.b", Dependencies: []string{"t.p.wf.a"}, TriggerRule: triggerrule.TaskSuccess("t.p.wf.a"), MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a", "t.p.wf.b"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimed, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)

	require.NoError(t, sched.Complete(ctx, claimed.Claim.TaskExecutionID, pid, map[string]any{"a_out": true}))

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, statuses["t.p.wf.a"].Status)
	assert.Equal(t, model.TaskReady, statuses["t.p.wf.b"].Status)
}

func TestSkipsTaskWhenRuleIsExplicitlySkippable(t *testing.T) {
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.b", Dependencies: []string{"t.p.wf.a"}, TriggerRule: triggerrule.Skippable(triggerrule.TaskFailed("t.p.wf.a")), MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a", "t.p.wf.b"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimed, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)
	require.NoError(t, sched.Complete(ctx, claimed.Claim.TaskExecutionID, pid, map[string]any{}))

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSkipped, statuses["t.p.wf.b"].Status)

	p, err := sched.Store.GetPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineCompleted, p.Status)
}

func TestPlainRuleLeavesTaskNotStartedForeverWhenUnsatisfied(t *testing.T) {
	// B2: a task whose trigger rule isn't explicitly skippable and whose
	// only dependency terminated in a way the rule doesn't accept stays
	// NotStarted forever; it is never auto-skipped. The pipeline still
	// reaches a terminal status around it.
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.b", Dependencies: []string{"t.p.wf.a"}, TriggerRule: triggerrule.TaskFailed("t.p.wf.a"), MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a", "t.p.wf.b"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimed, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)
	require.NoError(t, sched.Complete(ctx, claimed.Claim.TaskExecutionID, pid, map[string]any{}))

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskNotStarted, statuses["t.p.wf.b"].Status)

	p, err := sched.Store.GetPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineCompleted, p.Status)
}

func TestFail_RetriesThenSucceeds(t *testing.T) {
	// Scenario 3 from §8: a task fails once, retries, then succeeds.
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	policy := backoff.NewFixedBackoffPolicy(time.Millisecond)
	policy.MaxRetries = 3
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 3, RetryPolicy: policy, CodeFingerprint: "fp", Run: noop,
	}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimed, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)
	require.NoError(t, sched.Fail(ctx, "t.p.wf.a", claimed.Claim, errors.New("transient boom")))

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	require.Equal(t, model.TaskReady, statuses["t.p.wf.a"].Status)
	require.NotNil(t, statuses["t.p.wf.a"].RetryAt)

	claimed2, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-2")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed2.Claim.Attempt)

	require.NoError(t, sched.Complete(ctx, claimed2.Claim.TaskExecutionID, pid, map[string]any{"done": true}))

	p, err := sched.Store.GetPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineCompleted, p.Status)
}

func TestFail_PermanentAfterMaxAttempts(t *testing.T) {
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	policy := backoff.NewFixedBackoffPolicy(time.Millisecond)
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, RetryPolicy: policy, CodeFingerprint: "fp", Run: noop,
	}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimed, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)
	require.NoError(t, sched.Fail(ctx, "t.p.wf.a", claimed.Claim, errors.New("permanent boom")))

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, statuses["t.p.wf.a"].Status)

	p, err := sched.Store.GetPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineFailed, p.Status)
}

func TestRecoverOrphans_RequeuesStuckClaims(t *testing.T) {
	sched, reg := newTestScheduler(t)
	ctx := context.Background()
	sched.OrphanAfter = 0 // treat any claimed task as orphaned immediately

	policy := backoff.NewFixedBackoffPolicy(time.Millisecond)
	policy.MaxRetries = 5
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 5, RetryPolicy: policy, CodeFingerprint: "fp", Run: noop,
	}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)
	_, err = sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)

	n, err := sched.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, statuses["t.p.wf.a"].Status)
}

func TestFail_PermanentErrorBypassesRetry(t *testing.T) {
	// A Permanent-classified error fails the task even with retries left.
	sched, reg := newTestScheduler(t)
	ctx := context.Background()

	policy := backoff.NewFixedBackoffPolicy(time.Millisecond)
	policy.MaxRetries = 5
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 5, RetryPolicy: policy, CodeFingerprint: "fp", Run: noop,
	}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimed, err := sched.Claim(ctx, pid, "t.p.wf.a", "worker-1")
	require.NoError(t, err)
	require.NoError(t, sched.Fail(ctx, "t.p.wf.a", claimed.Claim, taskerr.Permanent(errors.New("bad input"))))

	statuses, err := sched.Store.GetTaskStatusesBatch(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, statuses["t.p.wf.a"].Status)
}

func TestCompletionPolicy_Lenient(t *testing.T) {
	sched, reg := newTestScheduler(t)
	sched.Policy = CompletionLenient
	ctx := context.Background()

	policy := backoff.NewFixedBackoffPolicy(time.Millisecond)
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, RetryPolicy: policy, CodeFingerprint: "fp", Run: noop}))
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{ID: "t.p.wf.b", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp", Run: noop}))
	_, err := reg.RegisterWorkflow("wf", []string{"t.p.wf.a", "t.p.wf.b"}, "", nil)
	require.NoError(t, err)

	pid, err := sched.Launch(ctx, "wf", map[string]any{})
	require.NoError(t, err)

	claimedA, err := sched.Claim(ctx, pid, "t.p.wf.a", "w1")
	require.NoError(t, err)
	require.NoError(t, sched.Fail(ctx, "t.p.wf.a", claimedA.Claim, errors.New("boom")))

	claimedB, err := sched.Claim(ctx, pid, "t.p.wf.b", "w1")
	require.NoError(t, err)
	require.NoError(t, sched.Complete(ctx, claimedB.Claim.TaskExecutionID, pid, map[string]any{}))

	p, err := sched.Store.GetPipeline(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineCompleted, p.Status)
}
