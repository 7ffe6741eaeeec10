package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx map[string]any) (map[string]any, error) { return ctx, nil }

func TestRegisterTask_IdempotentBySameFingerprint(t *testing.T) {
	r := New()
	def := TaskDefinition{ID: "acme.pkg.wf.a", CodeFingerprint: "fp1", Run: noop}
	require.NoError(t, r.RegisterTask(def))
	require.NoError(t, r.RegisterTask(def)) // L3: no-op
}

func TestRegisterTask_DifferentFingerprintIsError(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTask(TaskDefinition{ID: "acme.pkg.wf.a", CodeFingerprint: "fp1", Run: noop}))
	err := r.RegisterTask(TaskDefinition{ID: "acme.pkg.wf.a", CodeFingerprint: "fp2", Run: noop})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRegisterTask_RejectsNonNamespacedID(t *testing.T) {
	r := New()
	err := r.RegisterTask(TaskDefinition{ID: "a", CodeFingerprint: "fp1", Run: noop})
	assert.ErrorIs(t, err, ErrNonNamespacedID)
}

func TestRegisterWorkflow_RejectsCycle(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTask(TaskDefinition{ID: "acme.pkg.wf.a", Dependencies: []string{"acme.pkg.wf.b"}, CodeFingerprint: "fp", Run: noop}))
	require.NoError(t, r.RegisterTask(TaskDefinition{ID: "acme.pkg.wf.b", Dependencies: []string{"acme.pkg.wf.a"}, CodeFingerprint: "fp", Run: noop}))

	_, err := r.RegisterWorkflow("wf", []string{"acme.pkg.wf.a", "acme.pkg.wf.b"}, "", nil)
	assert.ErrorIs(t, err, ErrCyclicDAG)
}

func TestRegisterWorkflow_RejectsMissingDependency(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTask(TaskDefinition{ID: "acme.pkg.wf.a", Dependencies: []string{"acme.pkg.wf.ghost"}, CodeFingerprint: "fp", Run: noop}))

	_, err := r.RegisterWorkflow("wf", []string{"acme.pkg.wf.a"}, "", nil)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestTopologicalSort_StableTieBreak(t *testing.T) {
	tasks := map[string]TaskDefinition{
		"z": {ID: "z"},
		"a": {ID: "a"},
		"m": {ID: "m"},
	}
	order, err := TopologicalSort(tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, order)
}

func TestTopologicalSort_RespectsDependencies(t *testing.T) {
	tasks := map[string]TaskDefinition{
		"c": {ID: "c", Dependencies: []string{"a", "b"}},
		"b": {ID: "b", Dependencies: []string{"a"}},
		"a": {ID: "a"},
	}
	order, err := TopologicalSort(tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestComputeVersion_Deterministic(t *testing.T) {
	wf1 := Workflow{
		Name: "wf", Description: "d", Tags: []string{"x", "y"},
		Tasks: map[string]TaskDefinition{
			"a": {ID: "a", Dependencies: []string{"b"}, CodeFingerprint: "fp-a"},
			"b": {ID: "b", CodeFingerprint: "fp-b"},
		},
	}
	// Same content, different map build order / tag order.
	wf2 := Workflow{
		Name: "wf", Description: "d", Tags: []string{"y", "x"},
		Tasks: map[string]TaskDefinition{
			"b": {ID: "b", CodeFingerprint: "fp-b"},
			"a": {ID: "a", Dependencies: []string{"b"}, CodeFingerprint: "fp-a"},
		},
	}
	assert.Equal(t, ComputeVersion(wf1), ComputeVersion(wf2))
}

func TestComputeVersion_ChangesWithFingerprint(t *testing.T) {
	base := Workflow{Name: "wf", Tasks: map[string]TaskDefinition{"a": {ID: "a", CodeFingerprint: "fp1"}}}
	changed := Workflow{Name: "wf", Tasks: map[string]TaskDefinition{"a": {ID: "a", CodeFingerprint: "fp2"}}}
	assert.NotEqual(t, ComputeVersion(base), ComputeVersion(changed))
}

func TestComputeVersion_ChangesWithDependencies(t *testing.T) {
	base := Workflow{Name: "wf", Tasks: map[string]TaskDefinition{
		"a": {ID: "a", CodeFingerprint: "fp"},
		"b": {ID: "b", CodeFingerprint: "fp"},
	}}
	changed := Workflow{Name: "wf", Tasks: map[string]TaskDefinition{
		"a": {ID: "a", CodeFingerprint: "fp"},
		"b": {ID: "b", CodeFingerprint: "fp", Dependencies: []string{"a"}},
	}}
	assert.NotEqual(t, ComputeVersion(base), ComputeVersion(changed))
}
