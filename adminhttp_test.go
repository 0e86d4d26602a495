package gateguard_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/gateguard"
)

func adminRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAdminHandler_RuleCRUD(t *testing.T) {
	l, _ := newLimiter(t, gateguard.WithRules(gateguard.Rule{
		ID: "seed", Priority: 1, Limit: 10, Window: time.Minute,
	}))
	h := l.AdminHandler()

	rr := adminRequest(t, h, "POST", "/rules",
		`{"id":"api-v1","priority":50,"scope":"ip","limit":100,"windowSeconds":60}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = adminRequest(t, h, "GET", "/rules", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var docs []gateguard.RuleDoc
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "api-v1", docs[0].ID, "higher priority listed first")

	rr = adminRequest(t, h, "GET", "/rules/api-v1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var doc gateguard.RuleDoc
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, int64(100), doc.Limit)
	assert.Equal(t, "ip", doc.Scope)

	rr = adminRequest(t, h, "PUT", "/rules/api-v1",
		`{"priority":50,"scope":"ip","limit":200,"windowSeconds":60}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rule, ok := l.RuleByID("api-v1")
	require.True(t, ok)
	assert.Equal(t, int64(200), rule.Limit)

	rr = adminRequest(t, h, "PUT", "/rules/ghost",
		`{"priority":1,"limit":1,"windowSeconds":1}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = adminRequest(t, h, "DELETE", "/rules/api-v1", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = adminRequest(t, h, "DELETE", "/rules/api-v1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminHandler_RejectsInvalidRule(t *testing.T) {
	l, _ := newLimiter(t)
	h := l.AdminHandler()

	// Misconfiguration is rejected at write time, never reaching the hot path.
	rr := adminRequest(t, h, "POST", "/rules", `{"id":"bad","limit":0,"windowSeconds":60}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = adminRequest(t, h, "POST", "/rules", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, l.Rules())
}

func TestAdminHandler_Bypass(t *testing.T) {
	l, _ := newLimiter(t)
	h := l.AdminHandler()

	rr := adminRequest(t, h, "POST", "/bypass/ip", `{"ip":"192.0.2.1"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, l.BypassIPs(), "192.0.2.1")

	rr = adminRequest(t, h, "DELETE", "/bypass/ip/192.0.2.1", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, l.BypassIPs())

	rr = adminRequest(t, h, "POST", "/bypass/api-key", `{"apiKey":"sk-ops"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, l.BypassAPIKeys(), "sk-ops")

	rr = adminRequest(t, h, "DELETE", "/bypass/api-key/sk-ops", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, l.BypassAPIKeys())

	rr = adminRequest(t, h, "POST", "/bypass/ip", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminHandler_ResetAndStats(t *testing.T) {
	l, _ := newLimiter(t, gateguard.WithRules(gateguard.Rule{
		ID: "fw", Limit: 1, Window: time.Minute,
	}))
	h := l.AdminHandler()
	rc := &gateguard.RequestContext{IP: "10.0.0.1"}

	l.Consume(t.Context(), rc)
	if res, _ := l.Consume(t.Context(), rc); res.Allowed {
		t.Fatal("expected denial before reset")
	}

	rr := adminRequest(t, h, "POST", "/reset", `{"key":"rule=fw:scope=global"}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	res, _ := l.Consume(t.Context(), rc)
	assert.True(t, res.Allowed, "reset should restore the allowance")

	rr = adminRequest(t, h, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		Rules     int   `json:"rules"`
		Tiers     int   `json:"tiers"`
		Timestamp int64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Rules)
	assert.NotZero(t, stats.Timestamp)
}
