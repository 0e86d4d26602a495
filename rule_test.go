package gateguard

import (
	"testing"
	"time"
)

func TestMatchPath(t *testing.T) {
	tests := []struct {
		glob string
		path string
		want bool
	}{
		{"/v1/items", "/v1/items", true},
		{"/v1/items", "/v1/other", false},
		{"/v1/*", "/v1/items", true},
		{"/v1/*", "/v1/items/42", false},
		{"/v1/*/detail", "/v1/items/detail", true},
		{"/v1/**", "/v1/items/42/reviews", true},
		{"/v1/**", "/v1", true}, // ** covers an empty remainder
		{"/**", "/anything/at/all", true},
		{"/v1/items", "/v1", false},
		{"/v1/*", "/v1", false},
	}
	for _, tt := range tests {
		if got := matchPath(tt.glob, tt.path); got != tt.want {
			t.Errorf("matchPath(%q, %q) = %v, want %v", tt.glob, tt.path, got, tt.want)
		}
	}
}

func TestRuleNormalize_Validation(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		ok   bool
	}{
		{"missing id", Rule{Limit: 1, Window: time.Second}, false},
		{"zero limit", Rule{ID: "r", Window: time.Second}, false},
		{"zero window", Rule{ID: "r", Limit: 1}, false},
		{"token bucket without window", Rule{ID: "r", Limit: 1, Algorithm: TokenBucket}, true},
		{"unknown algorithm", Rule{ID: "r", Limit: 1, Window: time.Second, Algorithm: "gcra"}, false},
		{"unknown scope atom", Rule{ID: "r", Limit: 1, Window: time.Second, Scope: "planet"}, false},
		{"custom scope without keyfunc", Rule{ID: "r", Limit: 1, Window: time.Second, Scope: ScopeCustom}, false},
		{"unknown action", Rule{ID: "r", Limit: 1, Window: time.Second, Action: Action{Type: "explode"}}, false},
		{"bad header regex", Rule{ID: "r", Limit: 1, Window: time.Second,
			Match: &Match{Headers: map[string]string{"x-a": "~["}}}, false},
		{"valid composite scope", Rule{ID: "r", Limit: 1, Window: time.Second, Scope: "tenant:user"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			err := r.normalize()
			if (err == nil) != tt.ok {
				t.Errorf("normalize() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestRuleNormalize_Defaults(t *testing.T) {
	r := Rule{ID: "r", Limit: 10, Window: 5 * time.Second}
	if err := r.normalize(); err != nil {
		t.Fatal(err)
	}
	if r.Algorithm != FixedWindow {
		t.Errorf("algorithm = %s, want fixed_window", r.Algorithm)
	}
	if r.Scope != ScopeGlobal {
		t.Errorf("scope = %s, want global", r.Scope)
	}
	if r.Burst != 10 {
		t.Errorf("burst = %d, want limit", r.Burst)
	}
	if r.RefillRate != 2 {
		t.Errorf("refillRate = %v, want limit/window = 2", r.RefillRate)
	}
	if r.Cost != 1 {
		t.Errorf("cost = %d, want 1", r.Cost)
	}
	if r.Action.Type != ActionReject {
		t.Errorf("action = %s, want reject", r.Action.Type)
	}
}

func TestRuleDeriveKey(t *testing.T) {
	rc := &RequestContext{
		IP:       "10.0.0.1",
		UserID:   "u12",
		TenantID: "t9",
		APIKey:   "sk-1",
		Path:     "/v1/ai/generate",
	}

	tests := []struct {
		scope   string
		keyFunc func(*RequestContext) string
		want    string
		ok      bool
	}{
		{"global", nil, "rule=abc:scope=global", true},
		{"ip", nil, "rule=abc:ip=10.0.0.1", true},
		{"tenant:user", nil, "rule=abc:tenant=t9:user=u12", true},
		{"tenant:user:endpoint", nil, "rule=abc:tenant=t9:user=u12:ep=/v1/ai/generate", true},
		{"api_key", nil, "rule=abc:key=sk-1", true},
		{"custom", func(*RequestContext) string { return "shard=7" }, "rule=abc:shard=7", true},
	}
	for _, tt := range tests {
		r := Rule{ID: "abc", Limit: 1, Window: time.Second, Scope: tt.scope, KeyFunc: tt.keyFunc}
		if err := r.normalize(); err != nil {
			t.Fatalf("scope %s: %v", tt.scope, err)
		}
		key, ok := r.deriveKey(rc)
		if ok != tt.ok || key != tt.want {
			t.Errorf("scope %s: key=%q ok=%v, want %q %v", tt.scope, key, ok, tt.want, tt.ok)
		}
	}
}

func TestRuleDeriveKey_MissingAtomSkips(t *testing.T) {
	r := Rule{ID: "abc", Limit: 1, Window: time.Second, Scope: "user"}
	if err := r.normalize(); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.deriveKey(&RequestContext{IP: "10.0.0.1"}); ok {
		t.Fatal("rule with user scope must be skipped when the context has no user")
	}
}

func TestRuleMatches(t *testing.T) {
	rule := Rule{
		ID: "m", Limit: 1, Window: time.Second,
		Match: &Match{
			Paths:   []string{"/v1/ai/**"},
			Methods: []string{"POST"},
			Headers: map[string]string{"x-client": "~^mobile-", "x-env": "prod"},
			Tiers:   []string{"pro", "enterprise"},
		},
	}
	if err := rule.normalize(); err != nil {
		t.Fatal(err)
	}

	base := func() *RequestContext {
		return &RequestContext{
			Method: "post",
			Path:   "/v1/ai/generate",
			Tier:   "pro",
			Headers: map[string]string{
				"x-client": "mobile-ios-3.2",
				"x-env":    "prod",
			},
		}
	}

	if !rule.matches(base()) {
		t.Fatal("expected match")
	}

	rc := base()
	rc.Method = "GET"
	if rule.matches(rc) {
		t.Error("method mismatch should not match")
	}

	rc = base()
	rc.Path = "/v2/ai/generate"
	if rule.matches(rc) {
		t.Error("path mismatch should not match")
	}

	rc = base()
	rc.Headers["x-client"] = "desktop-1.0"
	if rule.matches(rc) {
		t.Error("header regex mismatch should not match")
	}

	rc = base()
	delete(rc.Headers, "x-env")
	if rule.matches(rc) {
		t.Error("missing header should not match")
	}

	rc = base()
	rc.Tier = "free"
	if rule.matches(rc) {
		t.Error("tier mismatch should not match")
	}
}

func TestRuleTable_SortAndMutation(t *testing.T) {
	tbl, err := NewRuleTable(
		Rule{ID: "low", Priority: 1, Limit: 1, Window: time.Second},
		Rule{ID: "high", Priority: 100, Limit: 1, Window: time.Second},
		Rule{ID: "mid-b", Priority: 50, Limit: 1, Window: time.Second},
		Rule{ID: "mid-a", Priority: 50, Limit: 1, Window: time.Second},
	)
	if err != nil {
		t.Fatal(err)
	}

	ids := func() []string {
		rules := tbl.Rules()
		out := make([]string, len(rules))
		for i, r := range rules {
			out[i] = r.ID
		}
		return out
	}

	want := []string{"high", "mid-a", "mid-b", "low"}
	for i, id := range ids() {
		if id != want[i] {
			t.Fatalf("order = %v, want %v", ids(), want)
		}
	}

	if !tbl.Delete("mid-a") {
		t.Fatal("delete existing rule reported false")
	}
	if tbl.Delete("mid-a") {
		t.Fatal("delete missing rule reported true")
	}
	if tbl.Len() != 3 {
		t.Fatalf("len = %d, want 3", tbl.Len())
	}
}

func TestRuleTable_DisabledAndSkip(t *testing.T) {
	off := false
	tbl, err := NewRuleTable(
		Rule{ID: "disabled", Priority: 100, Enabled: &off, Limit: 1, Window: time.Second},
		Rule{ID: "skipped", Priority: 50, Limit: 1, Window: time.Second,
			Skip: func(rc *RequestContext) bool { return rc.Role == "admin" }},
		Rule{ID: "fallback", Priority: 1, Limit: 1, Window: time.Second},
	)
	if err != nil {
		t.Fatal(err)
	}

	m, ok := tbl.match(&RequestContext{IP: "10.0.0.1", Role: "admin"})
	if !ok || m.rule.ID != "fallback" {
		t.Fatalf("matched %v, want fallback", m)
	}

	m, ok = tbl.match(&RequestContext{IP: "10.0.0.1"})
	if !ok || m.rule.ID != "skipped" {
		t.Fatalf("matched %v, want skipped (skip predicate false)", m)
	}
}
