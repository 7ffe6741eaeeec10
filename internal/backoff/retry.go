// Package backoff implements the retry/backoff strategies named in §4.3 of
// the orchestration spec: Fixed, Linear, and Exponential, each with an
// optional jitter fraction folded directly into ComputeNextInterval.
//
// A task's retry isn't awaited in-process: the scheduler persists RetryAt
// to the task_executions row (NextRetryAt) and a claim for it is picked up
// off the Ready queue whenever a dispatcher gets to it, possibly by a
// different process than the one that observed the failure. A blocking,
// sleep-in-a-goroutine retry loop would defeat that durability, so this
// package has no such type — every policy is a pure function from attempt
// count to interval.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrRetriesExhausted is returned when the maximum number of retries has been reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy computes the interval before the next retry attempt.
type RetryPolicy interface {
	// ComputeNextInterval returns the duration to wait before the next
	// retry, or an error if no more retries should be attempted.
	ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error)
}

const (
	noMaximumAttempts    = 0
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
	defaultMaxRetries    = noMaximumAttempts
)

func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(interval) * jitter
	// Uniformly distribute in [interval-delta, interval+delta].
	offset := (rand.Float64()*2 - 1) * delta
	result := float64(interval) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// ExponentialBackoffPolicy doubles (by BackoffFactor) the interval on each
// attempt, capped at MaxInterval.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	BackoffFactor   float64       `json:"backoffFactor,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
	MaxRetries      int           `json:"maxRetries,omitempty"`
	// Jitter is a fraction in [0,1] of the computed interval to randomize.
	Jitter float64 `json:"jitter,omitempty"`
}

// NewExponentialBackoffPolicy creates an ExponentialBackoffPolicy with sane defaults.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      defaultMaxRetries,
	}
}

// ComputeNextInterval implements RetryPolicy.
func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	factor := p.BackoffFactor
	if factor <= 0 {
		factor = defaultBackoffFactor
	}
	interval := float64(p.InitialInterval) * math.Pow(factor, float64(retryCount))
	if p.MaxInterval > 0 && interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}

	return applyJitter(time.Duration(interval), p.Jitter), nil
}

// FixedBackoffPolicy waits a constant interval between retries.
type FixedBackoffPolicy struct {
	Interval   time.Duration `json:"interval,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
	Jitter     float64       `json:"jitter,omitempty"`
}

// NewFixedBackoffPolicy creates a FixedBackoffPolicy with the given interval.
func NewFixedBackoffPolicy(interval time.Duration) *FixedBackoffPolicy {
	return &FixedBackoffPolicy{Interval: interval, MaxRetries: defaultMaxRetries}
}

// ComputeNextInterval implements RetryPolicy.
func (p *FixedBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return applyJitter(p.Interval, p.Jitter), nil
}

// LinearBackoffPolicy increases the interval by a fixed increment each attempt.
type LinearBackoffPolicy struct {
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	Increment       time.Duration `json:"increment,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
	MaxRetries      int           `json:"maxRetries,omitempty"`
	Jitter          float64       `json:"jitter,omitempty"`
}

// NewLinearBackoffPolicy creates a LinearBackoffPolicy with the given parameters.
func NewLinearBackoffPolicy(initialInterval, increment time.Duration) *LinearBackoffPolicy {
	return &LinearBackoffPolicy{
		InitialInterval: initialInterval,
		Increment:       increment,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      defaultMaxRetries,
	}
}

// ComputeNextInterval implements RetryPolicy.
func (p *LinearBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	interval := p.InitialInterval + time.Duration(retryCount)*p.Increment
	if p.MaxInterval > 0 && interval > p.MaxInterval {
		interval = p.MaxInterval
	}

	return applyJitter(interval, p.Jitter), nil
}

// NextRetryAt computes the absolute instant a task should retry at, given
// its prior attempt count (0-based) and the policy governing its retries.
// It returns ErrRetriesExhausted when the policy reports no further retries.
func NextRetryAt(policy RetryPolicy, attempt int, now time.Time) (time.Time, error) {
	interval, err := policy.ComputeNextInterval(attempt, 0, nil)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(interval), nil
}
