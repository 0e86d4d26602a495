package gateguard

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// RuleTable holds the ordered rule list. Reads take an atomic snapshot;
// mutations copy, re-sort, and swap under a writer lock, so the hot path
// never blocks on admin traffic.
type RuleTable struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]*Rule]
}

// NewRuleTable builds a table from the given rules.
func NewRuleTable(rules ...Rule) (*RuleTable, error) {
	t := &RuleTable{}
	empty := make([]*Rule, 0)
	t.snapshot.Store(&empty)
	for _, r := range rules {
		if err := t.Upsert(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Upsert validates r and inserts it, replacing any rule with the same id.
// Re-adding an identical id is idempotent: last write wins.
func (t *RuleTable) Upsert(r Rule) error {
	if err := r.normalize(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	next := make([]*Rule, 0, len(cur)+1)
	for _, existing := range cur {
		if existing.ID != r.ID {
			next = append(next, existing)
		}
	}
	next = append(next, &r)
	sortRules(next)
	t.snapshot.Store(&next)
	return nil
}

// Delete removes the rule with the given id, reporting whether it existed.
func (t *RuleTable) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	next := make([]*Rule, 0, len(cur))
	found := false
	for _, r := range cur {
		if r.ID == id {
			found = true
			continue
		}
		next = append(next, r)
	}
	if found {
		t.snapshot.Store(&next)
	}
	return found
}

// Get returns a copy of the rule with the given id.
func (t *RuleTable) Get(id string) (Rule, bool) {
	for _, r := range *t.snapshot.Load() {
		if r.ID == id {
			return *r, true
		}
	}
	return Rule{}, false
}

// Rules returns copies of all rules in evaluation order.
func (t *RuleTable) Rules() []Rule {
	cur := *t.snapshot.Load()
	out := make([]Rule, len(cur))
	for i, r := range cur {
		out[i] = *r
	}
	return out
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	return len(*t.snapshot.Load())
}

// ruleMatch is the outcome of rule resolution for one request.
type ruleMatch struct {
	rule *Rule
	key  string
	cost int64
}

// match evaluates rc against the rules in priority order and returns the
// first applicable rule with its derived key and effective cost.
func (t *RuleTable) match(rc *RequestContext) (*ruleMatch, bool) {
	return matchRules(*t.snapshot.Load(), rc)
}

func matchRules(rules []*Rule, rc *RequestContext) (*ruleMatch, bool) {
	for _, r := range rules {
		if !r.IsEnabled() {
			continue
		}
		if r.Skip != nil && r.Skip(rc) {
			continue
		}
		if !r.matches(rc) {
			continue
		}
		key, ok := r.deriveKey(rc)
		if !ok {
			continue
		}
		return &ruleMatch{rule: r, key: key, cost: r.cost(rc)}, true
	}
	return nil, false
}

// sortRules orders by descending priority, ties broken by ascending id so
// evaluation order is deterministic.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// String implements fmt.Stringer for debug logs.
func (t *RuleTable) String() string {
	return fmt.Sprintf("RuleTable(%d rules)", t.Len())
}
