package gateguard

import (
	"context"
	"strconv"

	"github.com/krishna-kudari/gateguard/store"
)

// checkFixedWindow counts requests in fixed, TTL-aligned windows with a
// single atomic counter per key. Bursty at window edges; that is accepted
// for its O(1) cost. Also the base of the adaptive algorithm, which scales
// the effective limit via algoParams.Factor.
func checkFixedWindow(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error) {
	limit := p.effectiveLimit()

	if p.Peek {
		return peekFixedWindow(ctx, s, key, p, limit)
	}

	count, ttl, err := s.IncrBy(ctx, key, p.Cost, p.Window)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Allowed:   count <= limit,
		Remaining: max64(0, limit-count),
		Current:   count,
		ResetAt:   p.Now.Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}

func peekFixedWindow(ctx context.Context, s store.Store, key string, p algoParams, limit int64) (*Decision, error) {
	var count int64
	v, err := s.Get(ctx, key)
	switch {
	case err == nil:
		count, _ = strconv.ParseInt(v, 10, 64)
	case isNotFound(err):
		count = 0
	default:
		return nil, err
	}

	projected := count + p.Cost
	d := &Decision{
		Allowed:   projected <= limit,
		Remaining: max64(0, limit-projected),
		Current:   count,
		ResetAt:   p.Now.Add(p.Window),
	}
	if !d.Allowed {
		d.RetryAfter = p.Window
	}
	return d, nil
}
