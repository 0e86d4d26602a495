// Package breaker implements a per-name circuit breaker over the shared
// store, so all gateway replicas observe the same circuit state.
//
// Each named circuit follows the classic three-state machine: closed while
// the downstream is healthy, open once failures in the rolling window reach
// the threshold, half-open after the reset timeout to let a bounded number
// of probes through. Transitions are compare-and-set on the persisted state
// record; the failure window reuses the store's sliding-window primitive.
//
//	b := breaker.New(s, breaker.Config{})
//	err := b.Do(ctx, "billing", func(ctx context.Context) error {
//	    return callBilling(ctx)
//	})
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/krishna-kudari/gateguard/store"
)

// State is a circuit's position in the closed/open/half-open machine.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// EventKind distinguishes state transitions from call outcomes.
type EventKind string

const (
	KindTransition EventKind = "transition"
	KindSuccess    EventKind = "success"
	KindFailure    EventKind = "failure"
)

// Event is published on every transition and recorded outcome. The adaptive
// rate limit algorithm subscribes to these to derive a downstream error
// rate; the metrics package subscribes to count transitions.
type Event struct {
	Name string
	Kind EventKind
	From State
	To   State
	At   time.Time
}

// Config holds breaker defaults applied to every named circuit.
type Config struct {
	// FailureThreshold opens the circuit once this many failures land in
	// the rolling window. Default 5.
	FailureThreshold int
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive probe successes. Default 2.
	SuccessThreshold int
	// ResetTimeout is how long an open circuit waits before probing.
	// Default 30s.
	ResetTimeout time.Duration
	// FailureWindow is the rolling window failures are counted over.
	// Default 60s.
	FailureWindow time.Duration
	// HalfOpenProbes caps concurrent probes while half-open. Default 1.
	HalfOpenProbes int
	// KeyPrefix namespaces circuit state in the store. Default "cb".
	KeyPrefix string
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "cb"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ErrOpen is returned by Allow and Do while a circuit rejects traffic.
type ErrOpen struct {
	Name       string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("breaker: circuit %s open, retry in %s", e.Name, e.RetryAfter)
}

// record is the persisted circuit state. The raw JSON string doubles as the
// compare-and-set token, so any concurrent transition invalidates ours.
type record struct {
	State     State `json:"state"`
	Successes int   `json:"successes"`
	LastFail  int64 `json:"lastFailure,omitempty"` // unix ms
	NextRetry int64 `json:"nextRetry,omitempty"`   // unix ms
}

// Set manages all named circuits sharing one Config.
type Set struct {
	s      store.Store
	cfg    Config
	now    func() time.Time
	events chan Event
	probes *probeTable
	log    *zap.Logger
}

// New creates a breaker set over the given store.
func New(s store.Store, cfg Config) *Set {
	cfg.withDefaults()
	return &Set{
		s:      s,
		cfg:    cfg,
		now:    time.Now,
		events: make(chan Event, 256),
		probes: newProbeTable(),
		log:    cfg.Logger,
	}
}

// WithClock overrides the wall clock. Intended for tests.
func (b *Set) WithClock(now func() time.Time) *Set {
	b.now = now
	return b
}

// Events returns the transition/outcome stream. Events are dropped rather
// than blocking when no consumer keeps up.
func (b *Set) Events() <-chan Event {
	return b.events
}

// Allow reports whether a call to the named downstream may proceed.
// It returns nil when the circuit is closed or a half-open probe slot was
// granted, and *ErrOpen otherwise. Callers that got nil must report the
// outcome with Success or Failure.
func (b *Set) Allow(ctx context.Context, name string) error {
	raw, rec, err := b.load(ctx, name)
	if err != nil {
		return err
	}

	switch rec.State {
	case Closed:
		return nil

	case Open:
		now := b.now()
		if now.UnixMilli() < rec.NextRetry {
			return &ErrOpen{Name: name, RetryAfter: time.UnixMilli(rec.NextRetry).Sub(now)}
		}
		// Reset timeout elapsed; race to half-open. The loser of the CAS
		// still sees half-open on its next call.
		next := record{State: HalfOpen}
		if err := b.transition(ctx, name, raw, rec, next); err != nil {
			return &ErrOpen{Name: name, RetryAfter: time.Second}
		}
		if !b.probes.acquire(name, b.cfg.HalfOpenProbes) {
			return &ErrOpen{Name: name, RetryAfter: time.Second}
		}
		return nil

	case HalfOpen:
		if !b.probes.acquire(name, b.cfg.HalfOpenProbes) {
			return &ErrOpen{Name: name, RetryAfter: time.Second}
		}
		return nil
	}
	return nil
}

// Success records a successful call. In half-open it counts toward closing
// the circuit.
func (b *Set) Success(ctx context.Context, name string) error {
	b.emit(Event{Name: name, Kind: KindSuccess, At: b.now()})

	raw, rec, err := b.load(ctx, name)
	if err != nil {
		return err
	}
	if rec.State != HalfOpen {
		// Another replica already ended the half-open cycle; any probe slot
		// this call was holding would otherwise leak.
		b.probes.clear(name)
		return nil
	}
	defer b.probes.release(name)

	rec.Successes++
	if rec.Successes >= b.cfg.SuccessThreshold {
		if err := b.transition(ctx, name, raw, rec, record{State: Closed}); err != nil {
			return err
		}
		// A fresh cycle starts with a clean failure window.
		return b.s.Del(ctx, b.failureKey(name))
	}
	next := record{State: HalfOpen, Successes: rec.Successes}
	return b.casUpdate(ctx, name, raw, next)
}

// Failure records a failed call. In closed it counts toward the failure
// threshold; in half-open it reopens the circuit immediately.
func (b *Set) Failure(ctx context.Context, name string) error {
	now := b.now()
	b.emit(Event{Name: name, Kind: KindFailure, At: now})

	raw, rec, err := b.load(ctx, name)
	if err != nil {
		return err
	}
	if rec.State != HalfOpen {
		b.probes.clear(name)
	}

	switch rec.State {
	case Closed:
		count, _, err := b.s.AddTimestamp(ctx, b.failureKey(name), now.UnixMilli(), uuid.NewString(), b.cfg.FailureWindow)
		if err != nil {
			return fmt.Errorf("breaker: record failure for %s: %w", name, err)
		}
		if int(count) >= b.cfg.FailureThreshold {
			next := record{
				State:     Open,
				LastFail:  now.UnixMilli(),
				NextRetry: now.Add(b.cfg.ResetTimeout).UnixMilli(),
			}
			return b.transition(ctx, name, raw, rec, next)
		}
		return nil

	case HalfOpen:
		b.probes.release(name)
		next := record{
			State:     Open,
			LastFail:  now.UnixMilli(),
			NextRetry: now.Add(b.cfg.ResetTimeout).UnixMilli(),
		}
		return b.transition(ctx, name, raw, rec, next)
	}
	return nil
}

// Do runs fn under the named circuit, recording its outcome.
func (b *Set) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := b.Allow(ctx, name); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		if rerr := b.Failure(ctx, name); rerr != nil {
			b.log.Warn("breaker: failure not recorded", zap.String("name", name), zap.Error(rerr))
		}
		return err
	}
	if rerr := b.Success(ctx, name); rerr != nil {
		b.log.Warn("breaker: success not recorded", zap.String("name", name), zap.Error(rerr))
	}
	return nil
}

// State returns the named circuit's current state.
func (b *Set) State(ctx context.Context, name string) (State, error) {
	_, rec, err := b.load(ctx, name)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// Reset deletes all persisted state for the named circuit and drops any
// local probe slots.
func (b *Set) Reset(ctx context.Context, name string) error {
	b.probes.clear(name)
	return b.s.Del(ctx, b.stateKey(name), b.failureKey(name))
}

func (b *Set) stateKey(name string) string   { return b.cfg.KeyPrefix + ":" + name }
func (b *Set) failureKey(name string) string { return b.cfg.KeyPrefix + ":" + name + ":failures" }

func (b *Set) load(ctx context.Context, name string) (string, record, error) {
	raw, err := b.s.Get(ctx, b.stateKey(name))
	if err != nil {
		var nf *store.ErrKeyNotFound
		if errors.As(err, &nf) {
			return "", record{State: Closed}, nil
		}
		return "", record{}, fmt.Errorf("breaker: load %s: %w", name, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", record{}, fmt.Errorf("breaker: decode %s: %w", name, err)
	}
	return raw, rec, nil
}

// transition CAS-writes next and emits a transition event if we won the race.
func (b *Set) transition(ctx context.Context, name, raw string, from, next record) error {
	if err := b.casUpdate(ctx, name, raw, next); err != nil {
		return err
	}
	b.emit(Event{Name: name, Kind: KindTransition, From: from.State, To: next.State, At: b.now()})
	b.log.Info("breaker: transition",
		zap.String("name", name),
		zap.String("from", string(from.State)),
		zap.String("to", string(next.State)),
	)
	return nil
}

func (b *Set) casUpdate(ctx context.Context, name, raw string, next record) error {
	buf, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("breaker: encode %s: %w", name, err)
	}
	ok, err := b.s.CompareAndSwap(ctx, b.stateKey(name), raw, string(buf), 0)
	if err != nil {
		return fmt.Errorf("breaker: update %s: %w", name, err)
	}
	if !ok {
		return &store.ErrCASConflict{Key: b.stateKey(name)}
	}
	return nil
}

func (b *Set) emit(e Event) {
	select {
	case b.events <- e:
	default:
		// slow consumer; drop rather than stall the hot path
	}
}
