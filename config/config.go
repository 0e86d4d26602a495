// Package config loads the admission engine configuration from a YAML
// document and the environment, and wires a ready-to-use Limiter from it.
//
// Environment variables override file values:
//
//	STORE_URL                 connection string, or "memory" (default)
//	BYPASS_IPS                comma-separated allow list
//	BYPASS_API_KEYS           comma-separated allow list
//	FAIL_OPEN_ON_STORE_ERROR  bool, default false
//	DEBUG                     bool, switches to a development logger
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/breaker"
	"github.com/krishna-kudari/gateguard/quota"
	"github.com/krishna-kudari/gateguard/store"
	"github.com/krishna-kudari/gateguard/store/memory"
	redisstore "github.com/krishna-kudari/gateguard/store/redis"
)

// Config is the structured configuration document.
type Config struct {
	StoreURL  string `yaml:"store_url" env:"STORE_URL" env-default:"memory"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX" env-default:"rl"`

	BypassIPs     []string `yaml:"bypass_ips" env:"BYPASS_IPS" env-separator:","`
	BypassAPIKeys []string `yaml:"bypass_api_keys" env:"BYPASS_API_KEYS" env-separator:","`

	FailOpen bool `yaml:"fail_open_on_store_error" env:"FAIL_OPEN_ON_STORE_ERROR"`
	Debug    bool `yaml:"debug" env:"DEBUG"`

	Breaker BreakerConfig `yaml:"breaker"`
	Queue   QueueConfig   `yaml:"queue"`

	Quotas []quota.Definition  `yaml:"quotas"`
	Tiers  []gateguard.Tier    `yaml:"tiers"`
	Rules  []gateguard.RuleDoc `yaml:"rules"`
}

// BreakerConfig carries the circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold     int `yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	SuccessThreshold     int `yaml:"success_threshold" env:"BREAKER_SUCCESS_THRESHOLD" env-default:"2"`
	ResetTimeoutSeconds  int `yaml:"reset_timeout_seconds" env:"BREAKER_RESET_TIMEOUT_SECONDS" env-default:"30"`
	FailureWindowSeconds int `yaml:"failure_window_seconds" env:"BREAKER_FAILURE_WINDOW_SECONDS" env-default:"60"`
}

// QueueConfig carries the deferred-request queue defaults.
type QueueConfig struct {
	Name              string `yaml:"name" env:"QUEUE_NAME" env-default:"default"`
	MaxSize           int    `yaml:"max_size" env:"QUEUE_MAX_SIZE" env-default:"10000"`
	ProcessIntervalMS int    `yaml:"process_interval_ms" env:"QUEUE_PROCESS_INTERVAL_MS" env-default:"100"`
}

// Load reads configuration from the YAML file at path (when non-empty) and
// the environment. Environment variables win.
func Load(path string) (Config, error) {
	var cfg Config
	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = cleanenv.ReadConfig(path, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}
	if len(cfg.Quotas) == 0 {
		cfg.Quotas = quota.Defaults()
	}
	return cfg, nil
}

// Open wires a Limiter from the configuration: the store (memory or Redis by
// URL), the breaker set, the quota manager, and the queue. The caller owns
// both returned handles and should Close them on shutdown, Limiter first.
func Open(cfg Config, extra ...gateguard.Option) (*gateguard.Limiter, store.Store, error) {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("config: logger: %w", err)
	}

	var s store.Store
	if cfg.StoreURL == "" || cfg.StoreURL == "memory" {
		s = memory.New()
	} else {
		s, err = redisstore.Open(cfg.StoreURL)
		if err != nil {
			return nil, nil, fmt.Errorf("config: open store: %w", err)
		}
	}

	breakers := breaker.New(s, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		FailureWindow:    time.Duration(cfg.Breaker.FailureWindowSeconds) * time.Second,
		Logger:           log,
	})
	quotas := quota.New(s, cfg.Quotas...)

	rules := make([]gateguard.Rule, len(cfg.Rules))
	for i, doc := range cfg.Rules {
		rules[i] = doc.Rule()
	}

	opts := []gateguard.Option{
		gateguard.WithKeyPrefix(cfg.KeyPrefix),
		gateguard.WithFailOpen(cfg.FailOpen),
		gateguard.WithLogger(log),
		gateguard.WithRules(rules...),
		gateguard.WithTiers(cfg.Tiers...),
		gateguard.WithBypassIPs(cfg.BypassIPs...),
		gateguard.WithBypassAPIKeys(cfg.BypassAPIKeys...),
		gateguard.WithBreakers(breakers),
		gateguard.WithQuotas(quotas),
		gateguard.WithQueue(cfg.Queue.Name, cfg.Queue.MaxSize,
			time.Duration(cfg.Queue.ProcessIntervalMS)*time.Millisecond),
	}
	opts = append(opts, extra...)

	l, err := gateguard.New(s, opts...)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return l, s, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
