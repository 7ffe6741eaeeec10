package contextstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_NoDependenciesReturnsInitial(t *testing.T) {
	initial := map[string]any{"a": float64(1)}
	got := Merge(initial, nil, nil)
	assert.Equal(t, initial, got)
}

func TestMerge_LinearChain(t *testing.T) {
	// Scenario 1 from §8: A->B->C, A sets a, B sets b, C sets c.
	outputs := map[string]map[string]any{
		"A": {"a": float64(1)},
		"B": {"a": float64(1), "b": float64(2)},
	}
	got := Merge(map[string]any{}, []string{"B"}, outputs)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, got)
}

func TestMerge_DiamondOverrideByDeclarationOrder(t *testing.T) {
	// Scenario 2 from §8: D declares [B, C] -> C wins; [C, B] -> B wins.
	outputs := map[string]map[string]any{
		"B": {"x": "from_b"},
		"C": {"x": "from_c"},
	}

	got := Merge(map[string]any{}, []string{"B", "C"}, outputs)
	assert.Equal(t, "from_c", got["x"])

	got = Merge(map[string]any{}, []string{"C", "B"}, outputs)
	assert.Equal(t, "from_b", got["x"])
}

func TestMerge_ShallowReplaceNotDeepMerge(t *testing.T) {
	outputs := map[string]map[string]any{
		"A": {"nested": map[string]any{"x": float64(1)}},
		"B": {"nested": map[string]any{"y": float64(2)}},
	}
	got := Merge(map[string]any{}, []string{"A", "B"}, outputs)
	assert.Equal(t, map[string]any{"y": float64(2)}, got["nested"])
}

func TestMerge_MissingDependencyOutputContributesNothing(t *testing.T) {
	got := Merge(map[string]any{"seed": true}, []string{"Skipped"}, map[string]map[string]any{})
	assert.Equal(t, map[string]any{"seed": true}, got)
}

type fakeFetcher struct {
	data map[uuid.UUID]map[string]any
}

func (f fakeFetcher) GetContextsBatch(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]any, error) {
	out := make(map[uuid.UUID]map[string]any, len(ids))
	for _, id := range ids {
		if v, ok := f.data[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func TestLoader_BatchesAndMerges(t *testing.T) {
	idB, idC := uuid.New(), uuid.New()
	loader := Loader{Fetcher: fakeFetcher{data: map[uuid.UUID]map[string]any{
		idB: {"x": "from_b"},
		idC: {"x": "from_c"},
	}}}

	got, err := loader.Load(context.Background(), map[string]any{}, []string{"B", "C"}, map[string]uuid.UUID{"B": idB, "C": idC})
	require.NoError(t, err)
	assert.Equal(t, "from_c", got["x"])
}

func TestLoader_NoDependenciesSkipsFetch(t *testing.T) {
	loader := Loader{Fetcher: fakeFetcher{}}
	got, err := loader.Load(context.Background(), map[string]any{"seed": 1}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seed": 1}, got)
}
