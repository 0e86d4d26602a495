package gateguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/krishna-kudari/gateguard/store"
)

// Decision is the raw algorithm outcome before the Limiter shapes it into a
// Result. All timestamps are wall clock; durations in milliseconds
// internally.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Current    int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// algoParams carries one check's inputs to an algorithm function.
type algoParams struct {
	Limit      int64
	Window     time.Duration
	Burst      int64
	RefillRate float64 // units per second
	Cost       int64
	Now        time.Time
	// Peek disables all counter mutation.
	Peek bool
	// Factor scales the effective limit; set by the adaptive controller,
	// 1.0 otherwise.
	Factor float64
}

func (p algoParams) effectiveLimit() int64 {
	f := p.Factor
	if f <= 0 || f > 1 {
		f = 1
	}
	lim := int64(float64(p.Limit) * f)
	if lim < 1 {
		lim = 1
	}
	return lim
}

type algoFunc func(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error)

func algorithmFor(a Algorithm) algoFunc {
	switch a {
	case SlidingWindow:
		return checkSlidingWindow
	case TokenBucket:
		return checkTokenBucket
	case LeakyBucket:
		return checkLeakyBucket
	case Adaptive:
		// Adaptive is a fixed window with a scaled effective limit; the
		// Factor is injected by the Limiter from the breaker feedback.
		return checkFixedWindow
	default:
		return checkFixedWindow
	}
}

const storeRetryBackoff = 20 * time.Millisecond

// runAlgorithm dispatches to the algorithm and applies the store failure
// policy: one retry after a short backoff, then fail-open (full allowance)
// or a synthetic denial with a 1s retry hint. The store error is returned
// alongside the synthetic decision so the caller can count and log it.
func runAlgorithm(ctx context.Context, algo Algorithm, s store.Store, key string, p algoParams, failOpen bool) (*Decision, error) {
	fn := algorithmFor(algo)

	d, err := fn(ctx, s, key, p)
	if err == nil {
		return d, nil
	}

	select {
	case <-time.After(storeRetryBackoff):
	case <-ctx.Done():
		return failDecision(p, failOpen), ctx.Err()
	}

	d, retryErr := fn(ctx, s, key, p)
	if retryErr == nil {
		return d, nil
	}
	return failDecision(p, failOpen), fmt.Errorf("gateguard: store failure on %s: %w", key, retryErr)
}

func failDecision(p algoParams, failOpen bool) *Decision {
	if failOpen {
		return &Decision{Allowed: true, Remaining: p.Limit}
	}
	return &Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: time.Second,
		ResetAt:    p.Now.Add(time.Second),
	}
}

func isNotFound(err error) bool {
	var nf *store.ErrKeyNotFound
	return errors.As(err, &nf)
}

func isCASConflict(err error) bool {
	var c *store.ErrCASConflict
	return errors.As(err, &c)
}
