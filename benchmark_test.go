package gateguard

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krishna-kudari/gateguard/store/memory"
)

func benchLimiter(b *testing.B, r Rule) *Limiter {
	b.Helper()
	s := memory.New()
	b.Cleanup(func() { s.Close() })
	l, err := New(s, WithRules(r))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(l.Close)
	return l
}

func benchConsume(b *testing.B, l *Limiter) {
	ctx := context.Background()
	rc := &RequestContext{IP: "10.0.0.1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Consume(ctx, rc); err != nil {
			b.Fatal(err)
		}
	}
}

// ─── Single-key (serial) ─────────────────────────────────────────────────────

func BenchmarkConsume_FixedWindow(b *testing.B) {
	l := benchLimiter(b, Rule{ID: "fw", Limit: int64(b.N) + 1, Window: time.Hour})
	benchConsume(b, l)
}

func BenchmarkConsume_SlidingWindow(b *testing.B) {
	l := benchLimiter(b, Rule{ID: "sw", Algorithm: SlidingWindow, Limit: int64(b.N) + 1, Window: time.Hour})
	benchConsume(b, l)
}

func BenchmarkConsume_TokenBucket(b *testing.B) {
	l := benchLimiter(b, Rule{
		ID: "tb", Algorithm: TokenBucket,
		Limit: int64(b.N) + 1, Burst: int64(b.N) + 1, RefillRate: float64(b.N) + 1,
	})
	benchConsume(b, l)
}

func BenchmarkConsume_LeakyBucket(b *testing.B) {
	l := benchLimiter(b, Rule{
		ID: "lb", Algorithm: LeakyBucket,
		Limit: int64(b.N) + 1, RefillRate: float64(b.N) + 1, Window: time.Hour,
	})
	benchConsume(b, l)
}

// ─── Parallel (contended single key) ─────────────────────────────────────────

func BenchmarkConsume_FixedWindow_Parallel(b *testing.B) {
	l := benchLimiter(b, Rule{ID: "fw", Limit: int64(b.N) + 1, Window: time.Hour})
	ctx := context.Background()
	rc := &RequestContext{IP: "10.0.0.1"}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := l.Consume(ctx, rc); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// ─── Per-request key derivation (no contention) ──────────────────────────────

func BenchmarkConsume_DistinctUsers(b *testing.B) {
	l := benchLimiter(b, Rule{ID: "fw", Scope: ScopeUser, Limit: 1000, Window: time.Hour})
	ctx := context.Background()
	var n atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rc := &RequestContext{UserID: strconv.FormatInt(n.Add(1), 10)}
			if _, err := l.Consume(ctx, rc); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkRuleMatch(b *testing.B) {
	rules := make([]Rule, 0, 20)
	for i := 0; i < 20; i++ {
		rules = append(rules, Rule{
			ID: "r" + strconv.Itoa(i), Priority: i, Limit: 100, Window: time.Minute,
			Match: &Match{Paths: []string{"/v1/svc" + strconv.Itoa(i) + "/**"}},
		})
	}
	tbl, err := NewRuleTable(rules...)
	if err != nil {
		b.Fatal(err)
	}
	rc := &RequestContext{IP: "10.0.0.1", Path: "/v1/svc0/items"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tbl.match(rc)
	}
}
