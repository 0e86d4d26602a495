package gateguard

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ─── Runtime administration ───
//
// Rule, tier, and bypass mutations are applied to copy-on-write snapshots,
// so in-flight checks keep the table they started with and the next check
// sees the update. The HTTP surface in adminhttp.go calls through these.

// AddRule validates and inserts a rule. An existing rule with the same id
// is replaced.
func (l *Limiter) AddRule(r Rule) error {
	return l.rules.Upsert(r)
}

// UpdateRule replaces an existing rule. Unlike AddRule it fails when the id
// is unknown.
func (l *Limiter) UpdateRule(r Rule) error {
	if _, ok := l.rules.Get(r.ID); !ok {
		return fmt.Errorf("gateguard: unknown rule %q", r.ID)
	}
	return l.rules.Upsert(r)
}

// DeleteRule removes the rule with the given id, reporting whether it
// existed.
func (l *Limiter) DeleteRule(id string) bool {
	return l.rules.Delete(id)
}

// Rules returns copies of all rules in evaluation order.
func (l *Limiter) Rules() []Rule {
	return l.rules.Rules()
}

// RuleByID returns a copy of the rule with the given id.
func (l *Limiter) RuleByID(id string) (Rule, bool) {
	return l.rules.Get(id)
}

// Tiers returns all configured tiers.
func (l *Limiter) Tiers() []Tier {
	return l.tiers.Tiers()
}

// TierByName returns the named tier.
func (l *Limiter) TierByName(name string) (Tier, bool) {
	return l.tiers.Get(name)
}

// AddTier adds or replaces a tier definition.
func (l *Limiter) AddTier(t Tier) {
	l.tiers.Upsert(t)
}

// AddBypassIP allow-lists a client IP.
func (l *Limiter) AddBypassIP(ip string) {
	l.mutateBypass(&l.bypassIPs, ip, true)
}

// RemoveBypassIP removes a client IP from the allow list.
func (l *Limiter) RemoveBypassIP(ip string) {
	l.mutateBypass(&l.bypassIPs, ip, false)
}

// AddBypassAPIKey allow-lists an API key.
func (l *Limiter) AddBypassAPIKey(key string) {
	l.mutateBypass(&l.bypassKeys, key, true)
}

// RemoveBypassAPIKey removes an API key from the allow list.
func (l *Limiter) RemoveBypassAPIKey(key string) {
	l.mutateBypass(&l.bypassKeys, key, false)
}

// BypassIPs returns the current IP allow list.
func (l *Limiter) BypassIPs() []string {
	return keysOf(*l.bypassIPs.Load())
}

// BypassAPIKeys returns the current API key allow list.
func (l *Limiter) BypassAPIKeys() []string {
	return keysOf(*l.bypassKeys.Load())
}

// Stats is a point-in-time operational snapshot for the admin surface.
type Stats struct {
	Rules         int   `json:"rules"`
	Tiers         int   `json:"tiers"`
	BypassIPs     int   `json:"bypassIps"`
	BypassAPIKeys int   `json:"bypassApiKeys"`
	QueueDepth    int64 `json:"queueDepth"`
}

// Stats collects the current operational snapshot. Queue depth comes from
// the store and is best-effort: a store error leaves it at zero.
func (l *Limiter) Stats(ctx context.Context) Stats {
	depth, err := l.queue.Len(ctx)
	if err != nil {
		depth = 0
	}
	return Stats{
		Rules:         l.rules.Len(),
		Tiers:         l.tiers.Len(),
		BypassIPs:     len(*l.bypassIPs.Load()),
		BypassAPIKeys: len(*l.bypassKeys.Load()),
		QueueDepth:    depth,
	}
}

func (l *Limiter) mutateBypass(p *atomic.Pointer[map[string]struct{}], item string, add bool) {
	l.bypassMu.Lock()
	defer l.bypassMu.Unlock()
	cur := *p.Load()
	next := make(map[string]struct{}, len(cur)+1)
	for k := range cur {
		next[k] = struct{}{}
	}
	if add {
		next[item] = struct{}{}
	} else {
		delete(next, item)
	}
	p.Store(&next)
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
