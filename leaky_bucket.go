package gateguard

import (
	"context"
	"math"
	"time"

	"github.com/krishna-kudari/gateguard/store"
)

// checkLeakyBucket models a bucket that drains at RefillRate per second.
// A request pours Cost units in; when the level would exceed Limit the
// request is denied. Outflow never exceeds the leak rate, which makes this
// the smoothing algorithm of the set.
func checkLeakyBucket(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error) {
	var lastErr error
	for attempt := 0; attempt < bucketCASRetries; attempt++ {
		d, err := leakyBucketOnce(ctx, s, key, p)
		if err == nil {
			return d, nil
		}
		if !isCASConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func leakyBucketOnce(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error) {
	nowMs := p.Now.UnixMilli()

	level := 0.0
	var prev int64
	b, err := s.GetBucket(ctx, key)
	switch {
	case err == nil:
		prev = b.LastUpdate
		elapsed := float64(nowMs-b.LastUpdate) / 1000.0
		if elapsed < 0 {
			elapsed = 0
		}
		level = math.Max(0, b.Tokens-elapsed*p.RefillRate)
	case isNotFound(err):
		// empty bucket
	default:
		return nil, err
	}

	cost := float64(p.Cost)
	capacity := float64(p.Limit)
	allowed := level+cost <= capacity
	newLevel := level
	if allowed {
		newLevel = level + cost
	}

	d := &Decision{
		Allowed:   allowed,
		Remaining: int64(math.Max(0, math.Floor(capacity-newLevel))),
		Current:   int64(math.Ceil(newLevel)),
		ResetAt:   p.Now.Add(refillDuration(newLevel, p.RefillRate)),
	}
	if !allowed {
		d.RetryAfter = refillDuration(cost, p.RefillRate)
		d.ResetAt = p.Now.Add(d.RetryAfter)
	}

	if p.Peek {
		return d, nil
	}

	newLast := nowMs
	if newLast <= prev {
		newLast = prev + 1
	}
	ttl := refillDuration(capacity, p.RefillRate) + time.Second
	if err := s.SetBucket(ctx, key, store.Bucket{Tokens: newLevel, LastUpdate: newLast}, prev, ttl); err != nil {
		return nil, err
	}
	return d, nil
}
