package gateguard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Tier is a named bundle of limits applied when a request's tier matches and
// no explicit rule claimed the request first.
type Tier struct {
	Name string `yaml:"name" json:"name"`

	RequestsPerSecond int64 `yaml:"requests_per_second" json:"requestsPerSecond"`
	RequestsPerMinute int64 `yaml:"requests_per_minute" json:"requestsPerMinute"`
	RequestsPerHour   int64 `yaml:"requests_per_hour" json:"requestsPerHour"`
	RequestsPerDay    int64 `yaml:"requests_per_day" json:"requestsPerDay"`

	BurstLimit         int64 `yaml:"burst_limit" json:"burstLimit"`
	ConcurrentRequests int64 `yaml:"concurrent_requests" json:"concurrentRequests"`

	DailyQuota   int64 `yaml:"daily_quota" json:"dailyQuota"`
	MonthlyQuota int64 `yaml:"monthly_quota" json:"monthlyQuota"`

	Features []string `yaml:"features" json:"features"`
	Priority int      `yaml:"priority" json:"priority"`
}

// HasFeature reports whether the tier carries the named feature flag.
func (t Tier) HasFeature(name string) bool {
	return contains(t.Features, name)
}

// syntheticRules expands the tier into one rule per configured window
// granularity. Shorter windows get higher priority, so when several windows
// would be exceeded the tightest one reports the denial.
func (t Tier) syntheticRules() []*Rule {
	type win struct {
		suffix string
		window time.Duration
		limit  int64
		rank   int
	}
	wins := []win{
		{"1s", time.Second, t.RequestsPerSecond, 4},
		{"1m", time.Minute, t.RequestsPerMinute, 3},
		{"1h", time.Hour, t.RequestsPerHour, 2},
		{"1d", 24 * time.Hour, t.RequestsPerDay, 1},
	}

	rules := make([]*Rule, 0, len(wins))
	for _, w := range wins {
		if w.limit <= 0 {
			continue
		}
		r := Rule{
			ID:        fmt.Sprintf("tier:%s:%s", t.Name, w.suffix),
			Name:      fmt.Sprintf("%s tier, per %s", t.Name, w.suffix),
			Priority:  t.Priority*10 + w.rank,
			Scope:     ScopeCustom,
			Algorithm: FixedWindow,
			Limit:     w.limit,
			Window:    w.window,
			Burst:     t.BurstLimit,
			Match:     &Match{Tiers: []string{t.Name}},
			KeyFunc:   func(rc *RequestContext) string { return rc.subject() },
		}
		if err := r.normalize(); err != nil {
			// limits were validated above; only reachable on a programming error
			panic(err)
		}
		rules = append(rules, &r)
	}
	sortRules(rules)
	return rules
}

// TierTable holds the tier definitions and their precomputed synthetic
// rules. Read-mostly: lookups take an atomic snapshot.
type TierTable struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]*tierEntry]
}

type tierEntry struct {
	tier  Tier
	rules []*Rule
}

// NewTierTable builds a table from the given tiers.
func NewTierTable(tiers ...Tier) *TierTable {
	t := &TierTable{}
	m := make(map[string]*tierEntry, len(tiers))
	for _, tier := range tiers {
		m[tier.Name] = &tierEntry{tier: tier, rules: tier.syntheticRules()}
	}
	t.snapshot.Store(&m)
	return t
}

// Upsert adds or replaces a tier definition.
func (t *TierTable) Upsert(tier Tier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := *t.snapshot.Load()
	next := make(map[string]*tierEntry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[tier.Name] = &tierEntry{tier: tier, rules: tier.syntheticRules()}
	t.snapshot.Store(&next)
}

// Get returns the named tier.
func (t *TierTable) Get(name string) (Tier, bool) {
	e, ok := (*t.snapshot.Load())[name]
	if !ok {
		return Tier{}, false
	}
	return e.tier, true
}

// Tiers returns all tiers.
func (t *TierTable) Tiers() []Tier {
	m := *t.snapshot.Load()
	out := make([]Tier, 0, len(m))
	for _, e := range m {
		out = append(out, e.tier)
	}
	return out
}

// Len returns the number of tiers.
func (t *TierTable) Len() int {
	return len(*t.snapshot.Load())
}

// match resolves a synthetic tier rule for rc, consulted only after the
// explicit rule table produced no match.
func (t *TierTable) match(rc *RequestContext) (*ruleMatch, bool) {
	if rc.Tier == "" {
		return nil, false
	}
	e, ok := (*t.snapshot.Load())[rc.Tier]
	if !ok {
		return nil, false
	}
	return matchRules(e.rules, rc)
}

// concurrencyTTL is the fallback expiry for in-flight counters, so a
// replica crash between enter and exit cannot leak a slot forever.
const concurrencyTTL = time.Minute

// EnterConcurrent reserves an in-flight slot for rc under its tier's
// ConcurrentRequests cap. The returned release function must be called when
// the request finishes. When the tier has no cap (or the context has no
// tier) the gate is a no-op. Store errors fail open.
func (l *Limiter) EnterConcurrent(ctx context.Context, rc *RequestContext) (release func(), res *Result, err error) {
	noop := func() {}
	tier, ok := l.tiers.Get(rc.Tier)
	if !ok || tier.ConcurrentRequests <= 0 {
		return noop, &Result{Allowed: true, Unlimited: true}, nil
	}

	key := l.opts.FormatKey("cc:" + tier.Name + ":" + rc.subject())
	count, _, err := l.store.IncrBy(ctx, key, 1, concurrencyTTL)
	if err != nil {
		// fail open, concurrency gating is best-effort
		l.storeError("tier:" + tier.Name)
		return noop, &Result{Allowed: true, Unlimited: true}, nil
	}

	exit := func() {
		exitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, _, err := l.store.IncrBy(exitCtx, key, -1, concurrencyTTL); err != nil {
			l.log.Warn("concurrency exit failed", zap.String("key", key), zap.Error(err))
		}
	}

	if count > tier.ConcurrentRequests {
		exit()
		return noop, &Result{
			Allowed:    false,
			Limit:      tier.ConcurrentRequests,
			Remaining:  0,
			RetryAfter: time.Second,
			ResetAt:    l.opts.now().Add(time.Second),
			Tier:       tier.Name,
			StatusCode: 429,
			Message:    "concurrent request limit reached",
		}, nil
	}

	return exit, &Result{
		Allowed:   true,
		Limit:     tier.ConcurrentRequests,
		Remaining: tier.ConcurrentRequests - count,
		Tier:      tier.Name,
	}, nil
}
