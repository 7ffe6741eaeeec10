package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowengine/core/internal/dal/sqlitestore"
	"github.com/flowengine/core/internal/registry"
	"github.com/flowengine/core/internal/scheduler"
	"github.com/flowengine/core/internal/triggerrule"
)

func newReadyEvent(t *testing.T, sched *scheduler.Scheduler, reg *registry.Registry, wfName, taskID string) ReadyEvent {
	t.Helper()
	ctx := context.Background()
	pid, err := sched.Launch(ctx, wfName, map[string]any{"seed": 1})
	require.NoError(t, err)
	claimed, err := sched.Claim(ctx, pid, taskID, "test-worker")
	require.NoError(t, err)
	return ReadyEvent{
		PipelineExecutionID: claimed.Claim.PipelineID,
		TaskExecutionID:     claimed.Claim.TaskExecutionID,
		TaskNamespace:       taskID,
		Attempt:             claimed.Claim.Attempt,
		MaxAttempts:         claimed.Claim.MaxAttempts,
	}
}

func TestWorkerPoolBackend_ExecutesTaskAndReturnsOutput(t *testing.T) {
	store, err := sqlitestore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	sched := scheduler.New(store, reg)

	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp",
		Run: func(in map[string]any) (map[string]any, error) {
			return map[string]any{"doubled": in["seed"]}, nil
		},
	}))
	_, err = reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	event := newReadyEvent(t, sched, reg, "wf", "t.p.wf.a")

	backend := NewWorkerPoolBackend("default", store, reg, 4, time.Second)
	result := backend.Execute(context.Background(), event)
	require.NoError(t, result.Err)
	assert.Equal(t, float64(1), result.Output["doubled"])
	assert.Equal(t, int64(1), backend.Metrics().Succeeded)
}

func TestWorkerPoolBackend_TimeoutCountsAsFailure(t *testing.T) {
	store, err := sqlitestore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	sched := scheduler.New(store, reg)

	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp",
		Timeout: 10 * time.Millisecond,
		Run: func(in map[string]any) (map[string]any, error) {
			time.Sleep(time.Second)
			return map[string]any{}, nil
		},
	}))
	_, err = reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	event := newReadyEvent(t, sched, reg, "wf", "t.p.wf.a")

	backend := NewWorkerPoolBackend("default", store, reg, 4, time.Second)
	result := backend.Execute(context.Background(), event)
	assert.Error(t, result.Err)
	assert.Equal(t, int64(1), backend.Metrics().Failed)
}

func TestWorkerPoolBackend_CapacityReflectsInFlightWork(t *testing.T) {
	store, err := sqlitestore.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	sched := scheduler.New(store, reg)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, reg.RegisterTask(registry.TaskDefinition{
		ID: "t.p.wf.a", TriggerRule: triggerrule.Always, MaxAttempts: 1, CodeFingerprint: "fp",
		Run: func(in map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{}, nil
		},
	}))
	_, err = reg.RegisterWorkflow("wf", []string{"t.p.wf.a"}, "", nil)
	require.NoError(t, err)

	event := newReadyEvent(t, sched, reg, "wf", "t.p.wf.a")

	backend := NewWorkerPoolBackend("default", store, reg, 1, 5*time.Second)
	require.True(t, backend.HasCapacity())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		backend.Execute(context.Background(), event)
	}()

	<-started
	assert.False(t, backend.HasCapacity())
	close(release)
	wg.Wait()
	assert.True(t, backend.HasCapacity())
}
