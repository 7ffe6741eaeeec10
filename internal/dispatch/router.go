// Package dispatch implements the task dispatcher of §4.4: a glob router
// that resolves a namespaced task ID to an executor key, a Backend
// capability set, and the built-in worker-pool Backend. It decouples "what
// should run" from "where it runs."
package dispatch

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Rule is one router entry: a glob pattern over dot-namespaced task IDs
// (§4.4 — `*` matches one segment, `**` matches one or more) mapped to an
// executor key.
type Rule struct {
	Pattern     string
	ExecutorKey string
}

// Router resolves a task namespace to an executor key using an ordered
// rule list: first match wins, falling back to DefaultKey when nothing
// matches.
type Router struct {
	rules      []Rule
	defaultKey string
}

// NewRouter builds a Router with the given default executor key.
func NewRouter(defaultKey string) *Router {
	return &Router{defaultKey: defaultKey}
}

// AddRule appends a routing rule. Rules are evaluated in the order added.
// pattern is validated at registration time rather than at every Resolve
// call.
func (r *Router) AddRule(pattern, executorKey string) error {
	if !doublestar.ValidatePattern(dotsToSlashes(pattern)) {
		return fmt.Errorf("dispatch: invalid router pattern %q", pattern)
	}
	r.rules = append(r.rules, Rule{Pattern: pattern, ExecutorKey: executorKey})
	return nil
}

// Resolve returns the executor key for taskNamespace: the key of the first
// rule whose pattern matches, or the router's default key if none do.
func (r *Router) Resolve(taskNamespace string) string {
	path := dotsToSlashes(taskNamespace)
	for _, rule := range r.rules {
		ok, err := doublestar.Match(dotsToSlashes(rule.Pattern), path)
		if err == nil && ok {
			return rule.ExecutorKey
		}
	}
	return r.defaultKey
}

// dotsToSlashes adapts task namespaces (dot-separated, e.g.
// "acme.billing.invoices.charge") to doublestar's slash-separated glob
// grammar, so "*" still matches exactly one namespace segment and "**"
// spans one or more.
func dotsToSlashes(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}
