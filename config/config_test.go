package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreURL)
	assert.Equal(t, "rl", cfg.KeyPrefix)
	assert.False(t, cfg.FailOpen)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30, cfg.Breaker.ResetTimeoutSeconds)
	assert.Equal(t, 10000, cfg.Queue.MaxSize)
	assert.NotEmpty(t, cfg.Quotas, "stock quotas fill in when none are configured")
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("STORE_URL", "memory")
	t.Setenv("KEY_PREFIX", "gw")
	t.Setenv("BYPASS_IPS", "10.0.0.1,10.0.0.2")
	t.Setenv("BYPASS_API_KEYS", "sk-ops")
	t.Setenv("FAIL_OPEN_ON_STORE_ERROR", "true")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "gw", cfg.KeyPrefix)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.BypassIPs)
	assert.Equal(t, []string{"sk-ops"}, cfg.BypassAPIKeys)
	assert.True(t, cfg.FailOpen)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
}

func TestLoad_File(t *testing.T) {
	doc := `
store_url: memory
key_prefix: gw
bypass_ips:
  - 10.0.0.1
rules:
  - id: api-v1
    priority: 50
    scope: ip
    algorithm: token_bucket
    limit: 100
    window_seconds: 60
tiers:
  - name: free
    requests_per_second: 2
quotas:
  - name: exports
    daily: 10
`
	path := filepath.Join(t.TempDir(), "gateguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw", cfg.KeyPrefix)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "api-v1", cfg.Rules[0].ID)
	assert.Equal(t, int64(100), cfg.Rules[0].Limit)
	require.Len(t, cfg.Tiers, 1)
	assert.Equal(t, "free", cfg.Tiers[0].Name)
	require.Len(t, cfg.Quotas, 1)
	assert.Equal(t, int64(10), cfg.Quotas[0].Daily)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestOpen_MemoryStore(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.BypassIPs = []string{"10.0.0.9"}
	cfg.Rules = []gateguard.RuleDoc{
		{ID: "fw", Limit: 1, WindowSeconds: 60},
	}

	l, s, err := config.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(); s.Close() })

	ctx := context.Background()
	res, err := l.Consume(ctx, &gateguard.RequestContext{IP: "203.0.113.1"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.Consume(ctx, &gateguard.RequestContext{IP: "203.0.113.1"})
	require.NoError(t, err)
	assert.False(t, res.Allowed, "configured rule enforced")

	res, err = l.Consume(ctx, &gateguard.RequestContext{IP: "10.0.0.9"})
	require.NoError(t, err)
	assert.True(t, res.Bypassed, "configured bypass honored")
}

func TestOpen_ExtraOptions(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	l, s, err := config.Open(cfg, gateguard.WithRules(gateguard.Rule{
		ID: "extra", Limit: 5, Window: time.Minute,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(); s.Close() })

	_, ok := l.RuleByID("extra")
	assert.True(t, ok)
}
