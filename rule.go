package gateguard

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Algorithm selects the admission algorithm a rule runs. The set is closed;
// there is no runtime registration.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	LeakyBucket   Algorithm = "leaky_bucket"
	Adaptive      Algorithm = "adaptive"
)

func validAlgorithm(a Algorithm) bool {
	switch a {
	case FixedWindow, SlidingWindow, TokenBucket, LeakyBucket, Adaptive:
		return true
	}
	return false
}

// Scope atoms partition counters along request dimensions. A rule's Scope is
// one atom or an ordered list composed with ":" (e.g. "tenant:user").
const (
	ScopeGlobal   = "global"
	ScopeIP       = "ip"
	ScopeUser     = "user"
	ScopeAPIKey   = "api_key"
	ScopeTenant   = "tenant"
	ScopeEndpoint = "endpoint"
	ScopeCustom   = "custom"
)

// ActionType is what the gateway should do with a request the rule denies.
type ActionType string

const (
	// ActionReject rejects immediately (default; HTTP 429).
	ActionReject ActionType = "reject"
	// ActionThrottle sleeps for the retry-after interval (capped at 2s),
	// then admits.
	ActionThrottle ActionType = "throttle"
	// ActionQueue parks the request in the priority queue until a re-check
	// admits it or the queue timeout expires.
	ActionQueue ActionType = "queue"
	// ActionDegrade admits the request but flags it so the gateway can
	// reduce downstream fanout. Advisory only.
	ActionDegrade ActionType = "degrade"
)

// Action is a rule's denial behavior.
type Action struct {
	Type ActionType
	// StatusCode overrides the HTTP status for rejections. Default 429.
	StatusCode int
	Message    string
	// QueueTimeout bounds the wait for ActionQueue. Default 5s.
	QueueTimeout time.Duration
	// QueuePriority orders queued requests; higher drains first.
	QueuePriority int
}

// Match is the predicate a request must satisfy for a rule to apply.
// All non-empty sub-conditions must hold. A nil Match matches everything.
type Match struct {
	// Paths are globs: "*" matches one path segment, "**" the remainder.
	Paths []string
	// Methods is a case-insensitive set.
	Methods []string
	// Headers maps lowercased header names to an exact value, or a regex
	// when the value starts with "~". A missing header never matches.
	Headers map[string]string
	Roles   []string
	Tiers   []string
	Tenants []string
	// Predicate is evaluated last. May be nil.
	Predicate func(*RequestContext) bool
}

// Rule is one admission policy. Rules are evaluated in descending Priority;
// ties break toward the lexicographically smaller ID. The first rule whose
// match predicate holds and whose scope can be derived consumes the decision.
type Rule struct {
	ID          string
	Name        string
	Description string

	// Enabled defaults to true when nil.
	Enabled *bool

	Priority int

	// Scope is one atom or a ":"-composed list, e.g. "tenant:user".
	// Default "global".
	Scope string

	// Algorithm defaults to FixedWindow.
	Algorithm Algorithm

	Limit  int64
	Window time.Duration

	// Burst is the token bucket capacity. Default Limit.
	Burst int64
	// RefillRate is tokens (or leak units) per second.
	// Default Limit / Window seconds.
	RefillRate float64

	// Cost is the counter weight of one request. Default 1.
	// CostFunc, when set, wins over Cost.
	Cost     int64
	CostFunc func(*RequestContext) int64

	Match *Match

	// Skip bypasses this rule (the next rule is considered) when it
	// returns true.
	Skip func(*RequestContext) bool

	// KeyFunc supplies the key fragment for the "custom" scope atom.
	KeyFunc func(*RequestContext) string

	Action Action

	// Breaker names the downstream circuit this rule is gated on. The
	// breaker's error signal also drives the adaptive algorithm.
	Breaker string

	// Quota names a quota definition checked after the rate check admits.
	Quota string

	scopes   []string
	headerRe map[string]*regexp.Regexp
}

// IsEnabled reports whether the rule participates in matching.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// normalize validates the rule, applies defaults, and compiles the scope
// list and header regexes. Called on every insert into a RuleTable.
func (r *Rule) normalize() error {
	if r.ID == "" {
		return fmt.Errorf("gateguard: rule id is required")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("gateguard: rule %s: limit must be positive", r.ID)
	}
	if r.Algorithm == "" {
		r.Algorithm = FixedWindow
	}
	if !validAlgorithm(r.Algorithm) {
		return fmt.Errorf("gateguard: rule %s: unknown algorithm %q", r.ID, r.Algorithm)
	}
	if r.Window <= 0 && r.Algorithm != TokenBucket && r.Algorithm != LeakyBucket {
		return fmt.Errorf("gateguard: rule %s: window must be positive", r.ID)
	}
	if r.Window <= 0 {
		r.Window = time.Second
	}
	if r.Burst <= 0 {
		r.Burst = r.Limit
	}
	if r.RefillRate <= 0 {
		r.RefillRate = float64(r.Limit) / r.Window.Seconds()
	}
	if r.Cost <= 0 {
		r.Cost = 1
	}
	if r.Scope == "" {
		r.Scope = ScopeGlobal
	}
	r.scopes = strings.Split(r.Scope, ":")
	for _, atom := range r.scopes {
		switch atom {
		case ScopeGlobal, ScopeIP, ScopeUser, ScopeAPIKey, ScopeTenant, ScopeEndpoint:
		case ScopeCustom:
			if r.KeyFunc == nil {
				return fmt.Errorf("gateguard: rule %s: custom scope requires KeyFunc", r.ID)
			}
		default:
			return fmt.Errorf("gateguard: rule %s: unknown scope atom %q", r.ID, atom)
		}
	}
	switch r.Action.Type {
	case "":
		r.Action.Type = ActionReject
	case ActionReject, ActionThrottle, ActionQueue, ActionDegrade:
	default:
		return fmt.Errorf("gateguard: rule %s: unknown action %q", r.ID, r.Action.Type)
	}
	if r.Action.QueueTimeout <= 0 {
		r.Action.QueueTimeout = 5 * time.Second
	}
	if r.Match != nil && r.Match.Headers != nil {
		r.headerRe = make(map[string]*regexp.Regexp)
		for name, want := range r.Match.Headers {
			if strings.HasPrefix(want, "~") {
				re, err := regexp.Compile(want[1:])
				if err != nil {
					return fmt.Errorf("gateguard: rule %s: header %s: %w", r.ID, name, err)
				}
				r.headerRe[strings.ToLower(name)] = re
			}
		}
	}
	return nil
}

// matches reports whether the rule's match predicate holds for rc.
func (r *Rule) matches(rc *RequestContext) bool {
	m := r.Match
	if m == nil {
		return true
	}
	if len(m.Methods) > 0 && !containsFold(m.Methods, rc.Method) {
		return false
	}
	if len(m.Paths) > 0 {
		ok := false
		for _, g := range m.Paths {
			if matchPath(g, rc.Path) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for name, want := range m.Headers {
		got := rc.Header(name)
		if got == "" {
			return false
		}
		if re, ok := r.headerRe[strings.ToLower(name)]; ok {
			if !re.MatchString(got) {
				return false
			}
		} else if got != want {
			return false
		}
	}
	if len(m.Roles) > 0 && !contains(m.Roles, rc.Role) {
		return false
	}
	if len(m.Tiers) > 0 && !contains(m.Tiers, rc.Tier) {
		return false
	}
	if len(m.Tenants) > 0 && !contains(m.Tenants, rc.TenantID) {
		return false
	}
	if m.Predicate != nil && !m.Predicate(rc) {
		return false
	}
	return true
}

// deriveKey builds the counter key for rc, or ok=false when a scope atom has
// no value in the context (the rule is then skipped, not matched).
func (r *Rule) deriveKey(rc *RequestContext) (string, bool) {
	parts := make([]string, 0, len(r.scopes)+1)
	parts = append(parts, "rule="+r.ID)
	for _, atom := range r.scopes {
		switch atom {
		case ScopeGlobal:
			parts = append(parts, "scope=global")
		case ScopeIP:
			if rc.IP == "" {
				return "", false
			}
			parts = append(parts, "ip="+rc.IP)
		case ScopeUser:
			if rc.UserID == "" {
				return "", false
			}
			parts = append(parts, "user="+rc.UserID)
		case ScopeAPIKey:
			if rc.APIKey == "" {
				return "", false
			}
			parts = append(parts, "key="+rc.APIKey)
		case ScopeTenant:
			if rc.TenantID == "" {
				return "", false
			}
			parts = append(parts, "tenant="+rc.TenantID)
		case ScopeEndpoint:
			parts = append(parts, "ep="+rc.Path)
		case ScopeCustom:
			frag := r.KeyFunc(rc)
			if frag == "" {
				return "", false
			}
			parts = append(parts, frag)
		}
	}
	return strings.Join(parts, ":"), true
}

// cost resolves the effective cost of one request under this rule.
func (r *Rule) cost(rc *RequestContext) int64 {
	if r.CostFunc != nil {
		if c := r.CostFunc(rc); c > 0 {
			return c
		}
	}
	return r.Cost
}

// matchPath matches path against a glob where "*" covers exactly one segment
// and "**" covers the remainder.
func matchPath(glob, path string) bool {
	if glob == path {
		return true
	}
	gp := strings.Split(strings.Trim(glob, "/"), "/")
	pp := strings.Split(strings.Trim(path, "/"), "/")
	for i, g := range gp {
		if g == "**" {
			return true
		}
		if i >= len(pp) {
			return false
		}
		if g != "*" && g != pp[i] {
			return false
		}
	}
	return len(gp) == len(pp)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
