// Package retry implements the exponential-backoff retry policy the uploader
// consults between upload attempts (spec.md §4.3 RetryPolicy, C3); the
// streaming and queued engines do not retry.
// Grounded on the teacher's use of cenkalti/backoff/v4 in
// kusto/ingest/managed_test.go (BackOff(off) FileOption), generalized here from
// a test-only helper into a production policy type.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts bounds how many times a caller will retry a transient
// failure before giving up, per spec.md §4.3.
const DefaultMaxAttempts = 5

// Policy decides whether and how long to wait before a next attempt.
type Policy struct {
	backOff     backoff.BackOff
	maxAttempts int
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts overrides the default attempt cutoff.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.maxAttempts = n }
}

// WithBackOff swaps the underlying cenkalti/backoff/v4 strategy, e.g. for tests
// that want a near-zero InitialInterval.
func WithBackOff(b backoff.BackOff) Option {
	return func(p *Policy) { p.backOff = b }
}

// New builds a Policy using exponential backoff with jitter, matching
// backoff.NewExponentialBackOff()'s defaults unless overridden.
func New(opts ...Option) *Policy {
	p := &Policy{
		backOff:     backoff.NewExponentialBackOff(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MoveNext reports whether attemptNumber (1-indexed) should retry, and the
// interval to sleep before doing so. A zero interval means retry immediately.
// Exceeding maxAttempts always returns (false, 0), per spec.md §4.3.
func (p *Policy) MoveNext(attemptNumber int) (shouldRetry bool, interval time.Duration) {
	if attemptNumber >= p.maxAttempts {
		return false, 0
	}
	next := p.backOff.NextBackOff()
	if next == backoff.Stop {
		return false, 0
	}
	if next < 0 {
		next = 0
	}
	return true, next
}

// Reset clears accumulated backoff state, for reuse across independent
// ingestion attempts.
func (p *Policy) Reset() {
	p.backOff.Reset()
}

// MaxAttempts reports the configured attempt cutoff.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }
