// Package contextstore implements the Context value carried between tasks
// (§4.5): a JSON-serializable string-keyed object, plus the deterministic
// "latest wins" dependency merge that's handed to a task before it runs.
package contextstore

// Merge computes the input context for a task with the given dependency
// list, in declaration order. It starts from initial (the pipeline's
// initial context) and overlays each dependency's output context in
// declaration order, so a later-declared dependency's keys win on
// collision (I8: determined solely by declared order, not completion
// order). The merge is shallow — colliding keys are replaced wholesale,
// never deep-merged.
//
// outputs maps a dependency task ID to its output context; a dependency
// with no recorded output (e.g. Skipped without ever running) contributes
// nothing.
func Merge(initial map[string]any, dependencies []string, outputs map[string]map[string]any) map[string]any {
	merged := cloneShallow(initial)

	for _, dep := range dependencies {
		out, ok := outputs[dep]
		if !ok {
			continue
		}
		for k, v := range out {
			merged[k] = v
		}
	}

	return merged
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
