package gateguard

import (
	"context"
	"math"
	"time"

	"github.com/krishna-kudari/gateguard/store"
)

const bucketCASRetries = 3

// checkTokenBucket refills a real-valued token balance at RefillRate per
// second up to Burst and spends Cost tokens per admitted request. State is
// persisted with compare-and-set on the last-update stamp; on contention the
// read-modify-write is retried up to three times.
func checkTokenBucket(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error) {
	var lastErr error
	for attempt := 0; attempt < bucketCASRetries; attempt++ {
		d, err := tokenBucketOnce(ctx, s, key, p)
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

func tokenBucketOnce(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error) {
	nowMs := p.Now.UnixMilli()

	balance := float64(p.Burst)
	var prev int64
	b, err := s.GetBucket(ctx, key)
	switch {
	case err == nil:
		prev = b.LastUpdate
		elapsed := float64(nowMs-b.LastUpdate) / 1000.0
		if elapsed < 0 {
			elapsed = 0
		}
		balance = math.Min(float64(p.Burst), b.Tokens+elapsed*p.RefillRate)
	case isNotFound(err):
		// fresh bucket starts full
	default:
		return nil, err
	}

	cost := float64(p.Cost)
	allowed := balance >= cost
	newBalance := balance
	if allowed {
		newBalance = balance - cost
	}

	d := &Decision{
		Allowed:   allowed,
		Remaining: int64(math.Floor(newBalance)),
		Current:   p.Burst - int64(math.Floor(newBalance)),
	}
	if allowed {
		d.ResetAt = p.Now.Add(refillDuration(float64(p.Burst)-newBalance, p.RefillRate))
	} else {
		d.RetryAfter = refillDuration(cost-balance, p.RefillRate)
		d.ResetAt = p.Now.Add(d.RetryAfter)
	}

	if p.Peek {
		return d, nil
	}

	// LastUpdate must strictly advance so two calls in the same
	// millisecond can't both pass the compare-and-set.
	newLast := nowMs
	if newLast <= prev {
		newLast = prev + 1
	}
	ttl := refillDuration(float64(p.Burst), p.RefillRate) + time.Second
	if err := s.SetBucket(ctx, key, store.Bucket{Tokens: newBalance, LastUpdate: newLast}, prev, ttl); err != nil {
		return nil, err
	}
	return d, nil
}

// refillDuration is the time to accrue the given number of units at rate
// units/second.
func refillDuration(units, rate float64) time.Duration {
	if units <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(units / rate * float64(time.Second))
}
