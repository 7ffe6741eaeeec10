package contextstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Fetcher is the narrow slice of the DAL a Loader needs: batched context
// reads. Kept as a local interface (rather than importing internal/dal) so
// this package has no dependency on the storage layer.
type Fetcher interface {
	GetContextsBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]any, error)
}

// Loader resolves a task's merged input context, batching all dependency
// fetches into a single store call (§4.5's batching requirement).
type Loader struct {
	Fetcher Fetcher
}

// Load returns the merged context for a task given its dependency list
// (declaration order) and the output context ID recorded for each
// already-terminal dependency. depContextIDs must contain an entry for
// every dependency that produced an output context; a dependency absent
// from the map contributes nothing to the merge (e.g. a Skipped task that
// never ran).
func (l Loader) Load(ctx context.Context, initial map[string]any, dependencies []string, depContextIDs map[string]uuid.UUID) (map[string]any, error) {
	if len(dependencies) == 0 {
		return cloneShallow(initial), nil
	}

	var ids []uuid.UUID
	for _, dep := range dependencies {
		if id, ok := depContextIDs[dep]; ok {
			ids = append(ids, id)
		}
	}

	var fetched map[uuid.UUID]map[string]any
	if len(ids) > 0 {
		var err error
		fetched, err = l.Fetcher.GetContextsBatch(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("contextstore: batch load dependency contexts: %w", err)
		}
	}

	outputs := make(map[string]map[string]any, len(dependencies))
	for _, dep := range dependencies {
		id, ok := depContextIDs[dep]
		if !ok {
			continue
		}
		if v, ok := fetched[id]; ok {
			outputs[dep] = v
		}
	}

	return Merge(initial, dependencies, outputs), nil
}
