package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy_ComputeNextInterval(t *testing.T) {
	p := NewExponentialBackoffPolicy(100 * time.Millisecond)
	p.MaxRetries = 3

	iv0, err := p.ComputeNextInterval(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, iv0)

	iv1, err := p.ComputeNextInterval(1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, iv1)

	_, err = p.ComputeNextInterval(3, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestExponentialBackoffPolicy_CapsAtMaxInterval(t *testing.T) {
	p := NewExponentialBackoffPolicy(time.Second)
	p.MaxInterval = 3 * time.Second

	iv, err := p.ComputeNextInterval(10, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, iv)
}

func TestFixedBackoffPolicy(t *testing.T) {
	p := NewFixedBackoffPolicy(time.Second)
	for i := 0; i < 5; i++ {
		iv, err := p.ComputeNextInterval(i, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Second, iv)
	}
}

func TestLinearBackoffPolicy(t *testing.T) {
	p := NewLinearBackoffPolicy(time.Second, 500*time.Millisecond)
	iv, err := p.ComputeNextInterval(2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, iv)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	p := &FixedBackoffPolicy{Interval: time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		iv, err := p.ComputeNextInterval(0, 0, nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, iv, 500*time.Millisecond)
		assert.LessOrEqual(t, iv, 1500*time.Millisecond)
	}
}

func TestNextRetryAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := NewFixedBackoffPolicy(time.Minute)
	at, err := NextRetryAt(policy, 0, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), at)

	policy.MaxRetries = 1
	_, err = NextRetryAt(policy, 1, now)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}
