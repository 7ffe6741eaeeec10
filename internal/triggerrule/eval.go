package triggerrule

import (
	"fmt"
	"strings"
)

// TaskOutcomes maps a task ID to its observed terminal outcome, used to
// evaluate TaskSuccess/TaskFailed/TaskSkipped atoms.
type TaskOutcomes map[string]Outcome

// Evaluate decides whether rule is satisfied against ctx (the merged
// dependency context) and outcomes (the terminal status of every
// dependency already evaluated this tick).
func Evaluate(rule Rule, ctx map[string]any, outcomes TaskOutcomes) (bool, error) {
	switch rule.Kind {
	case KindAlways, "":
		return true, nil

	case KindTaskState:
		got, ok := outcomes[rule.TaskID]
		if !ok {
			// Dependency hasn't reached a terminal state yet; the rule
			// cannot be satisfied (the scheduler must not call Evaluate
			// until readiness precondition 1 already holds, but we fail
			// closed defensively).
			return false, nil
		}
		return got == rule.Outcome, nil

	case KindPredicate:
		return evaluatePredicate(rule, ctx)

	case KindAll:
		for _, child := range rule.Children {
			ok, err := Evaluate(child, ctx, outcomes)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case KindAny:
		for _, child := range rule.Children {
			ok, err := Evaluate(child, ctx, outcomes)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case KindNone:
		for _, child := range rule.Children {
			ok, err := Evaluate(child, ctx, outcomes)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("triggerrule: unknown rule kind %q", rule.Kind)
	}
}

func evaluatePredicate(rule Rule, ctx map[string]any) (bool, error) {
	val, exists := lookupPath(ctx, rule.KeyPath)

	switch rule.Op {
	case Exists:
		return exists, nil
	case NotExists:
		return !exists, nil
	case Equals:
		return exists && compareEqual(val, rule.Expected), nil
	case NotEquals:
		return !exists || !compareEqual(val, rule.Expected), nil
	case GreaterThan:
		if !exists {
			return false, nil
		}
		return compareOrdered(val, rule.Expected, func(a, b float64) bool { return a > b })
	case LessThan:
		if !exists {
			return false, nil
		}
		return compareOrdered(val, rule.Expected, func(a, b float64) bool { return a < b })
	case Contains:
		if !exists {
			return false, nil
		}
		return contains(val, rule.Expected), nil
	case NotContains:
		if !exists {
			return true, nil
		}
		return !contains(val, rule.Expected), nil
	default:
		return false, fmt.Errorf("triggerrule: unknown operator %q", rule.Op)
	}
}

// lookupPath resolves a dotted key path ("a.b.c") against nested
// map[string]any values. Context merge is shallow (§4.5), but predicates may
// still need to reach into a nested object a task wrote.
func lookupPath(ctx map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = ctx
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareOrdered(a, b any, cmp func(a, b float64) bool) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("triggerrule: GreaterThan/LessThan require numeric operands, got %T and %T", a, b)
	}
	return cmp(af, bf), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if compareEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
