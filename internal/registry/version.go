package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ComputeVersion derives the 64-bit hex digest named in §3: it depends on
// the sorted task IDs, each task's sorted dependencies, each task's code
// fingerprint, and the workflow's name/description/tags. Recomputing with
// identical inputs always yields the same value (I7), independent of map
// iteration order or in-memory task ordering.
func ComputeVersion(wf Workflow) string {
	var b strings.Builder

	b.WriteString("name:")
	b.WriteString(wf.Name)
	b.WriteString("\ndescription:")
	b.WriteString(wf.Description)

	tags := append([]string(nil), wf.Tags...)
	sort.Strings(tags)
	b.WriteString("\ntags:")
	b.WriteString(strings.Join(tags, ","))

	ids := make([]string, 0, len(wf.Tasks))
	for id := range wf.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		def := wf.Tasks[id]
		deps := append([]string(nil), def.Dependencies...)
		sort.Strings(deps)

		b.WriteString("\ntask:")
		b.WriteString(id)
		b.WriteString("\ndeps:")
		b.WriteString(strings.Join(deps, ","))
		b.WriteString("\nfingerprint:")
		b.WriteString(def.CodeFingerprint)
	}

	sum := sha256.Sum256([]byte(b.String()))
	// Truncate to 64 bits (16 hex chars) per the spec's "64-bit hex digest".
	return hex.EncodeToString(sum[:8])
}
