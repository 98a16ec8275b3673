// Package retry implements the single shared retry-with-backoff primitive
// referenced throughout spec §4 and called out explicitly in §9: one
// utility, parametrised by (max attempts, base delay, cap delay, jitter,
// retryable predicate), used at every external call site instead of
// scattered ad-hoc loops.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
)

// Policy parametrises one call site's retry behavior.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	CapDelay    time.Duration
	Jitter      float64 // fraction, e.g. 0.2 for ±20%

	// Retryable reports whether err should be retried at all. A nil
	// Retryable retries every non-nil error.
	Retryable func(error) bool
}

// Sink is the shared policy for Sink writes: base 1s, cap 60s, jitter
// ±20%, max 6 attempts (spec §4.1).
func Sink() Policy {
	return Policy{MaxAttempts: 6, BaseDelay: time.Second, CapDelay: 60 * time.Second, Jitter: 0.2}
}

// StreamReconnect is the shared policy for StreamProducer reconnection:
// base 1s doubling, cap 30s, jitter ±20%, unbounded attempts (spec §4.2).
func StreamReconnect() Policy {
	return Policy{MaxAttempts: 0, BaseDelay: time.Second, CapDelay: 30 * time.Second, Jitter: 0.2}
}

// WarehouseChunk is the shared policy for a BatchProducer chunk: max 3
// attempts, exponential backoff (spec §4.3).
func WarehouseChunk() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, CapDelay: 30 * time.Second, Jitter: 0.2}
}

// Do runs fn, retrying on failure according to p, until it succeeds, ctx is
// canceled, or attempts are exhausted (0 means unbounded). It returns the
// last error on exhaustion.
func Do(ctx context.Context, p Policy, name string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.CapDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn("retrying after failure", "call", name, "attempt", attempt, "err", err)
		return err
	}, bo)
}
