package gateguard

import (
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/gateguard/breaker"
	"github.com/krishna-kudari/gateguard/quota"
)

// Observer receives decision and error signals from the Limiter.
// The metrics package provides a Prometheus-backed implementation.
type Observer interface {
	// Decision is called once per Consume/Peek with the matched rule id
	// (empty when no rule matched), the algorithm, and the outcome.
	Decision(ruleID string, algo Algorithm, allowed bool, elapsed time.Duration)

	// StoreError is called when the backend store failed and the
	// fail-open/fail-closed policy was applied.
	StoreError(ruleID string)

	// QuotaDenied is called when a request was rejected by quota.
	QuotaDenied(quotaName string)
}

// Options holds Limiter construction settings. Use the Option functions.
type Options struct {
	// KeyPrefix is prepended to all storage keys. Default "rl".
	KeyPrefix string

	// HashTag wraps the derived key in {braces} so all keys for one
	// counter land on the same Redis Cluster slot.
	HashTag bool

	// FailOpen admits requests when the store is unreachable.
	// Default false (fail closed).
	FailOpen bool

	// Logger receives background and failure logs. Default zap.NewNop().
	Logger *zap.Logger

	Rules []Rule
	Tiers []Tier

	BypassIPs     []string
	BypassAPIKeys []string

	Breakers *breaker.Set
	Quotas   *quota.Manager

	// QueueName, QueueMaxSize and QueueInterval configure the deferred
	// request queue used by rules with Action.Type == ActionQueue.
	QueueName     string
	QueueMaxSize  int
	QueueInterval time.Duration

	Observer Observer

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		KeyPrefix:     "rl",
		Logger:        zap.NewNop(),
		QueueName:     "default",
		QueueMaxSize:  10000,
		QueueInterval: 100 * time.Millisecond,
		now:           time.Now,
	}
}

func applyOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithKeyPrefix sets the prefix prepended to all storage keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.KeyPrefix = prefix }
}

// WithHashTag enables Redis Cluster hash-tag wrapping on keys.
func WithHashTag() Option {
	return func(o *Options) { o.HashTag = true }
}

// WithFailOpen sets the fail-open/fail-closed behavior when the backend
// store is unreachable.
func WithFailOpen(v bool) Option {
	return func(o *Options) { o.FailOpen = v }
}

// WithLogger sets the zap logger used for background and failure logs.
func WithLogger(log *zap.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithRules seeds the rule table. Invalid rules make New panic; use
// Limiter.AddRule for validated runtime mutation.
func WithRules(rules ...Rule) Option {
	return func(o *Options) { o.Rules = append(o.Rules, rules...) }
}

// WithTiers seeds the tier table.
func WithTiers(tiers ...Tier) Option {
	return func(o *Options) { o.Tiers = append(o.Tiers, tiers...) }
}

// WithBypassIPs seeds the IP bypass list.
func WithBypassIPs(ips ...string) Option {
	return func(o *Options) { o.BypassIPs = append(o.BypassIPs, ips...) }
}

// WithBypassAPIKeys seeds the API key bypass list.
func WithBypassAPIKeys(keys ...string) Option {
	return func(o *Options) { o.BypassAPIKeys = append(o.BypassAPIKeys, keys...) }
}

// WithBreakers attaches a circuit breaker set. Rules naming a Breaker are
// gated on it, and its event stream feeds the adaptive algorithm.
func WithBreakers(b *breaker.Set) Option {
	return func(o *Options) { o.Breakers = b }
}

// WithQuotas attaches a quota manager. Rules naming a Quota consult it
// after the rate check admits the request.
func WithQuotas(m *quota.Manager) Option {
	return func(o *Options) { o.Quotas = m }
}

// WithQueue configures the deferred-request queue.
func WithQueue(name string, maxSize int, interval time.Duration) Option {
	return func(o *Options) {
		if name != "" {
			o.QueueName = name
		}
		if maxSize > 0 {
			o.QueueMaxSize = maxSize
		}
		if interval > 0 {
			o.QueueInterval = interval
		}
	}
}

// WithObserver attaches a decision/error observer (e.g. metrics.Collector).
func WithObserver(obs Observer) Option {
	return func(o *Options) { o.Observer = obs }
}

// WithClock overrides the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.now = now }
}

// FormatKey builds the full storage key for a derived rule key.
func (o *Options) FormatKey(key string) string {
	if o.HashTag {
		return o.KeyPrefix + ":{" + key + "}"
	}
	return o.KeyPrefix + ":" + key
}
