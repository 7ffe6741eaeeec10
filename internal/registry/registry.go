// Package registry implements the process-wide task/workflow catalog of
// §4.1: idempotent task registration, pure-function workflow construction
// from currently-registered tasks, and a stable topological sort used both
// for materialization order and as the scheduler's advisory tie-break.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowengine/core/internal/backoff"
	"github.com/flowengine/core/internal/triggerrule"
)

// TaskDefinition is a registered unit of work (§3 Workflow.tasks, §4.1).
type TaskDefinition struct {
	ID              string // fully-qualified: {tenant}.{package}.{workflow}.{local_id}
	Dependencies    []string
	TriggerRule     triggerrule.Rule
	RetryPolicy     backoff.RetryPolicy
	MaxAttempts     int
	// Timeout bounds one execution attempt (§4.4, §5); a wall-clock
	// timeout counts as a failure. Zero means the backend's own default
	// applies.
	Timeout         time.Duration
	CodeFingerprint string
	// Run is the user code. It receives the merged dependency context and
	// returns the task's output context or an error.
	Run func(ctx map[string]any) (map[string]any, error)
}

// Workflow is a named DAG of tasks with a deterministic content-derived
// version (§3).
type Workflow struct {
	Name        string
	Description string
	Tags        []string
	Tasks       map[string]TaskDefinition // keyed by local ID within the workflow
	Version     string
}

var (
	// ErrDuplicateTask is returned when register_task sees an ID already
	// registered with a different code fingerprint (L3).
	ErrDuplicateTask = errors.New("registry: duplicate task registration with different fingerprint")
	// ErrUnknownTask is returned by get_task for an unregistered ID.
	ErrUnknownTask = errors.New("registry: unknown task")
	// ErrUnknownWorkflow is returned by get_workflow for an unregistered name.
	ErrUnknownWorkflow = errors.New("registry: unknown workflow")
	// ErrNonNamespacedID is returned when a task ID doesn't carry the
	// required {tenant}.{package}.{workflow}.{local_id} structure.
	ErrNonNamespacedID = errors.New("registry: task ID is not namespaced")
	// ErrCyclicDAG is returned when a workflow's dependency graph has a cycle.
	ErrCyclicDAG = errors.New("registry: workflow dependency graph has a cycle")
	// ErrMissingDependency is returned when a task depends on an ID absent
	// from the workflow.
	ErrMissingDependency = errors.New("registry: task depends on a task not in the workflow")
)

// Registry is the process-wide catalog. It is read-mostly after startup;
// mutations take the write lock and drain current readers (§5).
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]TaskDefinition
	workflows map[string]Workflow
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:     make(map[string]TaskDefinition),
		workflows: make(map[string]Workflow),
	}
}

// RegisterTask registers def under def.ID, idempotently: re-registering the
// same ID with an identical code fingerprint is a no-op (L3); a different
// fingerprint is an error.
func (r *Registry) RegisterTask(def TaskDefinition) error {
	if !isNamespaced(def.ID) {
		return fmt.Errorf("%w: %q", ErrNonNamespacedID, def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[def.ID]; ok {
		if existing.CodeFingerprint != def.CodeFingerprint {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, def.ID)
		}
		return nil
	}
	r.tasks[def.ID] = def
	return nil
}

// GetTask returns the registered definition for id.
func (r *Registry) GetTask(id string) (TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tasks[id]
	if !ok {
		return TaskDefinition{}, fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	return def, nil
}

// RegisterWorkflow builds a Workflow from the currently registered tasks
// named in taskIDs, validates its DAG
// (no cycles, all dependencies present), computes its version hash, and
// stores it under name.
func (r *Registry) RegisterWorkflow(name string, taskIDs []string, description string, tags []string) (Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make(map[string]TaskDefinition, len(taskIDs))
	for _, id := range taskIDs {
		def, ok := r.tasks[id]
		if !ok {
			return Workflow{}, fmt.Errorf("%w: %q", ErrUnknownTask, id)
		}
		tasks[id] = def
	}

	if err := validateDAG(tasks); err != nil {
		return Workflow{}, err
	}

	wf := Workflow{Name: name, Description: description, Tags: tags, Tasks: tasks}
	wf.Version = ComputeVersion(wf)

	r.workflows[name] = wf
	return wf, nil
}

// GetWorkflow returns the registered workflow for name.
func (r *Registry) GetWorkflow(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return wf, nil
}

func isNamespaced(id string) bool {
	parts := splitDots(id)
	return len(parts) >= 4 && allNonEmpty(parts)
}

func splitDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func allNonEmpty(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func validateDAG(tasks map[string]TaskDefinition) error {
	for id, def := range tasks {
		for _, dep := range def.Dependencies {
			if _, ok := tasks[dep]; !ok {
				return fmt.Errorf("%w: task %q depends on %q", ErrMissingDependency, id, dep)
			}
		}
	}
	_, err := TopologicalSort(tasks)
	return err
}

// TopologicalSort returns a stable topological ordering of tasks: ties
// between otherwise-incomparable tasks are broken by lexicographic ID, so
// identical DAGs always produce identical orderings (§4.1). Returns
// ErrCyclicDAG if tasks contains a cycle.
func TopologicalSort(tasks map[string]TaskDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for id := range tasks {
		inDegree[id] = 0
	}
	for id, def := range tasks {
		for _, dep := range def.Dependencies {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for _, ds := range dependents {
		sort.Strings(ds)
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, ErrCyclicDAG
	}
	return order, nil
}
