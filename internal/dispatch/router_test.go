package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_FirstMatchWins(t *testing.T) {
	r := NewRouter("default")
	require.NoError(t, r.AddRule("acme.gpu.*.*", "gpu-pool"))
	require.NoError(t, r.AddRule("acme.**", "acme-pool"))

	assert.Equal(t, "gpu-pool", r.Resolve("acme.gpu.training.step1"))
	assert.Equal(t, "acme-pool", r.Resolve("acme.billing.invoices.charge"))
	assert.Equal(t, "default", r.Resolve("globex.billing.invoices.charge"))
}

func TestRouter_SingleSegmentGlob(t *testing.T) {
	r := NewRouter("default")
	require.NoError(t, r.AddRule("acme.*.invoices.charge", "billing-pool"))

	assert.Equal(t, "billing-pool", r.Resolve("acme.q1.invoices.charge"))
	// "*" matches exactly one segment, so an extra segment doesn't match.
	assert.Equal(t, "default", r.Resolve("acme.q1.extra.invoices.charge"))
}

func TestRouter_InvalidPatternRejected(t *testing.T) {
	r := NewRouter("default")
	err := r.AddRule("acme.[", "pool")
	assert.Error(t, err)
}

func TestRouter_EmptyFallsBackToDefault(t *testing.T) {
	r := NewRouter("default")
	assert.Equal(t, "default", r.Resolve("anything.at.all"))
}
