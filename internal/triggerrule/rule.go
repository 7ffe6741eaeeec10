// Package triggerrule implements the trigger-rule expression language of
// §4.3: atoms over upstream task outcomes and context-value predicates,
// combined with All/Any/None combinators. A task becomes Ready once its
// dependencies are all terminal and its trigger rule evaluates true against
// the merged dependency context and the current per-task status snapshot.
package triggerrule

import (
	"fmt"
	"strings"
)

// Operator is a context-value predicate comparator.
type Operator string

const (
	Equals      Operator = "Equals"
	NotEquals   Operator = "NotEquals"
	GreaterThan Operator = "GreaterThan"
	LessThan    Operator = "LessThan"
	Contains    Operator = "Contains"
	NotContains Operator = "NotContains"
	Exists      Operator = "Exists"
	NotExists   Operator = "NotExists"
)

// Outcome is the terminal state of an upstream task, as observed by a
// TaskSuccess/TaskFailed/TaskSkipped atom.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
	OutcomeSkipped Outcome = "Skipped"
)

// Rule is a node in the trigger-rule expression tree. Exactly one of the
// fields below is populated, selected by Kind.
type Rule struct {
	Kind Kind

	// Atom: TaskSuccess / TaskFailed / TaskSkipped.
	TaskID  string
	Outcome Outcome

	// Atom: context-value predicate.
	KeyPath  string
	Op       Operator
	Expected any

	// Combinator.
	Children []Rule

	// ExplicitSkip marks this rule, at the task's top level only, as one
	// whose false evaluation means Skipped rather than NotStarted-forever.
	// A plain rule (ExplicitSkip false, the default) that evaluates false
	// leaves the task NotStarted permanently once its dependencies are
	// terminal — it is never auto-skipped just because it isn't satisfied.
	// Wrap a rule with Skippable to opt a branch into the alternative.
	ExplicitSkip bool
}

// Kind discriminates the Rule variants.
type Kind string

const (
	KindAlways    Kind = "Always"
	KindTaskState Kind = "TaskState"
	KindPredicate Kind = "Predicate"
	KindAll       Kind = "All"
	KindAny       Kind = "Any"
	KindNone      Kind = "None"
)

// Always is the default atom when a task declares no trigger rule.
var Always = Rule{Kind: KindAlways}

// TaskSuccess builds an atom true iff taskID's observed outcome is Success.
func TaskSuccess(taskID string) Rule {
	return Rule{Kind: KindTaskState, TaskID: taskID, Outcome: OutcomeSuccess}
}

// TaskFailed builds an atom true iff taskID's observed outcome is Failed.
func TaskFailed(taskID string) Rule {
	return Rule{Kind: KindTaskState, TaskID: taskID, Outcome: OutcomeFailed}
}

// TaskSkipped builds an atom true iff taskID's observed outcome is Skipped.
func TaskSkipped(taskID string) Rule {
	return Rule{Kind: KindTaskState, TaskID: taskID, Outcome: OutcomeSkipped}
}

// Predicate builds a context-value atom: op applied to the value at keyPath
// against expected.
func Predicate(keyPath string, op Operator, expected any) Rule {
	return Rule{Kind: KindPredicate, KeyPath: keyPath, Op: op, Expected: expected}
}

// All builds a combinator true iff every child is true.
func All(children ...Rule) Rule { return Rule{Kind: KindAll, Children: children} }

// Any builds a combinator true iff at least one child is true.
func Any(children ...Rule) Rule { return Rule{Kind: KindAny, Children: children} }

// None builds a combinator true iff no child is true.
func None(children ...Rule) Rule { return Rule{Kind: KindNone, Children: children} }

// Skippable opts rule into skip-on-false: a task whose trigger rule is
// built with Skippable is marked Skipped, rather than left NotStarted
// forever, once its dependencies are terminal and the rule evaluates
// false. Use this for branches that are meant to be bypassed (e.g. "only
// run on the error path"); leave ordinary rules unwrapped so a dependency
// outcome the rule doesn't expect blocks the task instead of silently
// skipping it.
func Skippable(rule Rule) Rule {
	rule.ExplicitSkip = true
	return rule
}

// String renders a rule in a small s-expression-like form, for logs and
// serialization round-trips that don't need full JSON.
func (r Rule) String() string {
	switch r.Kind {
	case KindAlways:
		return "Always"
	case KindTaskState:
		return fmt.Sprintf("Task%s(%s)", r.Outcome, r.TaskID)
	case KindPredicate:
		return fmt.Sprintf("%s(%s, %v)", r.Op, r.KeyPath, r.Expected)
	case KindAll, KindAny, KindNone:
		parts := make([]string, len(r.Children))
		for i, c := range r.Children {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s[%s]", r.Kind, strings.Join(parts, ", "))
	default:
		return "Unknown"
	}
}
