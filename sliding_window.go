package gateguard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/krishna-kudari/gateguard/store"
)

// checkSlidingWindow keeps a log of request timestamps and counts arrivals
// in the trailing window. Precise but O(n) storage per key; prefer the
// counter algorithms for very hot keys.
//
// Cost > 1 adds one log entry per unit. When the addition overshoots the
// limit, the newly added entries are removed again so a denied request
// consumes nothing.
func checkSlidingWindow(ctx context.Context, s store.Store, key string, p algoParams) (*Decision, error) {
	nowMs := p.Now.UnixMilli()

	if p.Peek {
		count, oldest, err := s.CountTimestamps(ctx, key, nowMs, p.Window)
		if err != nil {
			return nil, err
		}
		return slidingDecision(p, count+p.Cost, count, oldest), nil
	}

	members := make([]string, 0, p.Cost)
	var count, oldest int64
	var err error
	for i := int64(0); i < p.Cost; i++ {
		member := uuid.NewString()
		count, oldest, err = s.AddTimestamp(ctx, key, nowMs, member, p.Window)
		if err != nil {
			rollbackTimestamps(ctx, s, key, members)
			return nil, err
		}
		members = append(members, member)
	}

	if count > p.Limit {
		rollbackTimestamps(ctx, s, key, members)
		return slidingDecision(p, count, count-p.Cost, oldest), nil
	}
	return slidingDecision(p, count, count, oldest), nil
}

// slidingDecision shapes the outcome; projected is the count including this
// request's entries, current the count actually persisted.
func slidingDecision(p algoParams, projected, current, oldest int64) *Decision {
	d := &Decision{
		Allowed:   projected <= p.Limit,
		Remaining: max64(0, p.Limit-projected),
		Current:   current,
	}
	if oldest > 0 {
		d.ResetAt = time.UnixMilli(oldest).Add(p.Window)
	} else {
		d.ResetAt = p.Now.Add(p.Window)
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(p.Now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

func rollbackTimestamps(ctx context.Context, s store.Store, key string, members []string) {
	for _, m := range members {
		// Best effort; an orphaned entry ages out with the window.
		_ = s.RemoveTimestamp(ctx, key, m)
	}
}
