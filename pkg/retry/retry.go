// Package retry is the single retry policy for calls that cross a process
// boundary (capture ingestion racing the pipeline's writer, collaborator
// calls). The storage layer's own operations never retry silently.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds retries with exponential backoff.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy retries three times starting at 100ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	// MaxAttempts counts total tries; backoff counts retries after the first.
	wrapped := backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(attempts-1))
	return backoff.Retry(fn, wrapped)
}
