package gateguard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/gateguard/breaker"
	"github.com/krishna-kudari/gateguard/queue"
	"github.com/krishna-kudari/gateguard/quota"
	"github.com/krishna-kudari/gateguard/store"
)

// throttleCap bounds how long an ActionThrottle rule may hold a request.
const throttleCap = 2 * time.Second

// Limiter is the admission engine: it resolves the applicable rule (or tier
// fallback), consults the downstream circuit, runs the rule's algorithm
// against the shared store, applies quota accounting, and shapes the outcome
// through the rule's action.
//
//	s := memory.New()
//	l, err := gateguard.New(s,
//	    gateguard.WithRules(gateguard.Rule{
//	        ID:     "api-default",
//	        Scope:  "ip",
//	        Limit:  100,
//	        Window: time.Minute,
//	    }),
//	)
//	res, err := l.Consume(ctx, &gateguard.RequestContext{IP: "10.0.0.1", Path: "/v1/users"})
type Limiter struct {
	store store.Store
	opts  *Options
	log   *zap.Logger

	rules *RuleTable
	tiers *TierTable

	breakers *breaker.Set
	quotas   *quota.Manager
	queue    *queue.Queue
	adaptive *adaptiveController

	bypassMu   sync.Mutex
	bypassIPs  atomic.Pointer[map[string]struct{}]
	bypassKeys atomic.Pointer[map[string]struct{}]

	closeOnce sync.Once
}

// New builds a Limiter over the given store.
func New(s store.Store, options ...Option) (*Limiter, error) {
	opts := applyOptions(options)

	rules, err := NewRuleTable(opts.Rules...)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		store: s,
		opts:  opts,
		log:   opts.Logger,
		rules: rules,
		tiers: NewTierTable(opts.Tiers...),
	}
	l.storeBypassIPs(setOf(opts.BypassIPs))
	l.storeBypassKeys(setOf(opts.BypassAPIKeys))

	if opts.Breakers != nil {
		l.breakers = opts.Breakers
		l.adaptive = newAdaptiveController()
		go l.adaptive.consume(opts.Breakers.Events())
	}
	l.quotas = opts.Quotas

	l.queue = queue.New(s, queue.Config{
		Name:            opts.QueueName,
		MaxSize:         opts.QueueMaxSize,
		ProcessInterval: opts.QueueInterval,
		Logger:          opts.Logger,
	})

	return l, nil
}

// Consume checks rc against the configured policies and, when admitted,
// consumes the request's cost from the matched counter. The returned Result
// is never nil when err is nil.
func (l *Limiter) Consume(ctx context.Context, rc *RequestContext) (*Result, error) {
	return l.check(ctx, rc, false)
}

// Peek reports what Consume would decide for rc without mutating any
// counter, consuming quota, or triggering actions.
func (l *Limiter) Peek(ctx context.Context, rc *RequestContext) (*Result, error) {
	return l.check(ctx, rc, true)
}

func (l *Limiter) check(ctx context.Context, rc *RequestContext, peek bool) (*Result, error) {
	started := l.opts.now()
	now := started
	if !rc.ArrivedAt.IsZero() {
		now = rc.ArrivedAt
	}

	if l.bypassed(rc) {
		res := &Result{Allowed: true, Bypassed: true, Tier: rc.Tier}
		l.observe("", "", true, started)
		return res, nil
	}

	m, ok := l.rules.match(rc)
	if !ok {
		m, ok = l.tiers.match(rc)
	}
	if !ok {
		res := &Result{Allowed: true, Unlimited: true, Tier: rc.Tier}
		l.observe("", "", true, started)
		return res, nil
	}
	rule := m.rule

	// Circuit gate first: an open circuit rejects before any counter is
	// touched, so broken downstreams don't burn the caller's allowance.
	if rule.Breaker != "" && l.breakers != nil && !peek {
		if err := l.breakers.Allow(ctx, rule.Breaker); err != nil {
			var open *breaker.ErrOpen
			if errors.As(err, &open) {
				res := l.denied(rule, rc, &Decision{
					RetryAfter: open.RetryAfter,
					ResetAt:    now.Add(open.RetryAfter),
				})
				res.StatusCode = 503
				res.Message = "service temporarily unavailable"
				l.observe(rule.ID, rule.Algorithm, false, started)
				return res, nil
			}
			// Store trouble reading circuit state follows the same
			// fail-open/fail-closed policy as the counters.
			l.storeError(rule.ID)
			l.log.Warn("breaker check failed", zap.String("rule", rule.ID), zap.Error(err))
			if !l.opts.FailOpen {
				res := l.denied(rule, rc, failDecision(algoParams{Now: now}, false))
				l.observe(rule.ID, rule.Algorithm, false, started)
				return res, nil
			}
		}
	}

	p := algoParams{
		Limit:      rule.Limit,
		Window:     rule.Window,
		Burst:      rule.Burst,
		RefillRate: rule.RefillRate,
		Cost:       m.cost,
		Now:        now,
		Peek:       peek,
		Factor:     1,
	}
	if rule.Algorithm == Adaptive && l.adaptive != nil && rule.Breaker != "" {
		p.Factor = l.adaptive.factor(rule.Breaker)
	}

	d, err := runAlgorithm(ctx, rule.Algorithm, l.store, l.opts.FormatKey(m.key), p, l.opts.FailOpen)
	if err != nil {
		l.storeError(rule.ID)
		l.log.Warn("store failure, applying fail policy",
			zap.String("rule", rule.ID),
			zap.Bool("fail_open", l.opts.FailOpen),
			zap.Error(err),
		)
	}

	if d.Allowed && rule.Quota != "" && l.quotas != nil {
		qs, qerr := l.quotaCheck(ctx, rc, rule, m.cost, peek)
		if qerr != nil {
			l.storeError(rule.ID)
			l.log.Warn("quota check failed", zap.String("rule", rule.ID), zap.Error(qerr))
			if !l.opts.FailOpen {
				res := l.denied(rule, rc, failDecision(p, false))
				l.observe(rule.ID, rule.Algorithm, false, started)
				return res, nil
			}
		} else if !qs.Allowed {
			res := l.quotaDenied(rule, rc, qs)
			l.observe(rule.ID, rule.Algorithm, false, started)
			if l.opts.Observer != nil {
				l.opts.Observer.QuotaDenied(rule.Quota)
			}
			return res, nil
		}
	}

	if d.Allowed {
		res := l.allowed(rule, rc, d, p)
		l.observe(rule.ID, rule.Algorithm, true, started)
		return res, nil
	}

	if peek {
		res := l.denied(rule, rc, d)
		l.observe(rule.ID, rule.Algorithm, false, started)
		return res, nil
	}

	res, err := l.applyAction(ctx, rc, m, d, p)
	if err != nil {
		return nil, err
	}
	l.observe(rule.ID, rule.Algorithm, res.Allowed, started)
	return res, nil
}

// applyAction shapes a denial through the rule's action: queue parks the
// request until a re-check admits it, throttle sleeps the retry interval
// (capped), degrade admits with the Degraded flag, reject stands.
func (l *Limiter) applyAction(ctx context.Context, rc *RequestContext, m *ruleMatch, d *Decision, p algoParams) (*Result, error) {
	rule := m.rule

	switch rule.Action.Type {
	case ActionQueue:
		deadline := l.opts.now().Add(rule.Action.QueueTimeout)
		admit := func(ctx context.Context) bool {
			rd, err := runAlgorithm(ctx, rule.Algorithm, l.store, l.opts.FormatKey(m.key), p, l.opts.FailOpen)
			return err == nil && rd.Allowed
		}
		err := l.queue.Submit(ctx, rule.Action.QueuePriority, deadline, admit)
		switch {
		case err == nil:
			res := l.allowed(rule, rc, &Decision{Allowed: true, Remaining: d.Remaining, ResetAt: d.ResetAt}, p)
			return res, nil
		case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrTimedOut):
			return l.denied(rule, rc, d), nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return l.denied(rule, rc, d), nil
		default:
			l.storeError(rule.ID)
			l.log.Warn("queue submit failed", zap.String("rule", rule.ID), zap.Error(err))
			return l.denied(rule, rc, d), nil
		}

	case ActionThrottle:
		wait := d.RetryAfter
		if wait > throttleCap {
			wait = throttleCap
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return l.denied(rule, rc, d), nil
			}
		}
		res := l.allowed(rule, rc, &Decision{Allowed: true, ResetAt: d.ResetAt}, p)
		return res, nil

	case ActionDegrade:
		res := l.allowed(rule, rc, &Decision{Allowed: true, Remaining: 0, ResetAt: d.ResetAt}, p)
		res.Degraded = true
		return res, nil

	default:
		return l.denied(rule, rc, d), nil
	}
}

func (l *Limiter) allowed(rule *Rule, rc *RequestContext, d *Decision, p algoParams) *Result {
	return &Result{
		Allowed:   true,
		Limit:     p.effectiveLimit(),
		Remaining: max64(0, d.Remaining),
		ResetAt:   d.ResetAt,
		RuleID:    rule.ID,
		Action:    rule.Action.Type,
		Tier:      rc.Tier,
	}
}

func (l *Limiter) denied(rule *Rule, rc *RequestContext, d *Decision) *Result {
	status := rule.Action.StatusCode
	if status == 0 {
		status = 429
	}
	msg := rule.Action.Message
	if msg == "" {
		msg = "rate limit exceeded"
	}
	return &Result{
		Allowed:    false,
		Limit:      rule.Limit,
		Remaining:  0,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
		RuleID:     rule.ID,
		Action:     rule.Action.Type,
		Tier:       rc.Tier,
		StatusCode: status,
		Message:    msg,
	}
}

func (l *Limiter) quotaCheck(ctx context.Context, rc *RequestContext, rule *Rule, cost int64, peek bool) (*quota.Status, error) {
	subject := rc.subject()
	if peek {
		return l.quotas.Peek(ctx, subject, rule.Quota)
	}
	return l.quotas.Check(ctx, subject, rule.Quota, cost)
}

func (l *Limiter) quotaDenied(rule *Rule, rc *RequestContext, qs *quota.Status) *Result {
	reset := qs.ResetAt[qs.Exceeded]
	res := &Result{
		Allowed:    false,
		Limit:      rule.Limit,
		Remaining:  qs.Remaining[qs.Exceeded],
		ResetAt:    reset,
		RetryAfter: time.Until(reset),
		RuleID:     rule.ID,
		Action:     rule.Action.Type,
		Tier:       rc.Tier,
		StatusCode: 429,
		Message:    "quota exceeded",
		QuotaName:  rule.Quota,
	}
	return res
}

// bypassed reports whether rc skips all limiting: internal traffic, an
// allow-listed API key, or an allow-listed client IP.
func (l *Limiter) bypassed(rc *RequestContext) bool {
	if rc.Internal {
		return true
	}
	if rc.APIKey != "" {
		if _, ok := (*l.bypassKeys.Load())[rc.APIKey]; ok {
			return true
		}
	}
	if rc.IP != "" {
		if _, ok := (*l.bypassIPs.Load())[rc.IP]; ok {
			return true
		}
	}
	return false
}

// Reset clears the counter behind a derived rule key (the part after the
// configured prefix).
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Del(ctx, l.opts.FormatKey(key))
}

// Store exposes the backing store, mainly for admin status endpoints.
func (l *Limiter) Store() store.Store { return l.store }

// Breakers returns the attached circuit breaker set, or nil.
func (l *Limiter) Breakers() *breaker.Set { return l.breakers }

// Quotas returns the attached quota manager, or nil.
func (l *Limiter) Quotas() *quota.Manager { return l.quotas }

// QueueLen reports the shared deferred-request queue depth.
func (l *Limiter) QueueLen(ctx context.Context) (int64, error) {
	return l.queue.Len(ctx)
}

// Close stops the queue drainer and the adaptive controller. It does not
// close the store; the caller owns it.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		l.queue.Close()
		if l.adaptive != nil {
			l.adaptive.stop()
		}
	})
}

func (l *Limiter) observe(ruleID string, algo Algorithm, allowed bool, started time.Time) {
	if l.opts.Observer == nil {
		return
	}
	l.opts.Observer.Decision(ruleID, algo, allowed, l.opts.now().Sub(started))
}

func (l *Limiter) storeError(ruleID string) {
	if l.opts.Observer != nil {
		l.opts.Observer.StoreError(ruleID)
	}
}

func (l *Limiter) storeBypassIPs(m map[string]struct{})  { l.bypassIPs.Store(&m) }
func (l *Limiter) storeBypassKeys(m map[string]struct{}) { l.bypassKeys.Store(&m) }

func setOf(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		m[s] = struct{}{}
	}
	return m
}
