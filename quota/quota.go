// Package quota implements long-horizon usage caps distinct from
// short-window rate limits: daily, weekly, and monthly counters per
// (subject, quota name), with calendar-aligned UTC reset.
//
// Reset is computed lazily on read — the persisted record carries the
// period label it was accumulated under ("2025-03-17", "2025-W12",
// "2025-03"), and a label mismatch zeroes the counter. No scheduler runs,
// and replaying a check after a replica restart is idempotent.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/krishna-kudari/gateguard/store"
)

// Period names the three accounting horizons.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

var periods = []Period{Daily, Weekly, Monthly}

// Definition is a named quota with per-period caps. A zero cap disables
// that period.
type Definition struct {
	Name    string `yaml:"name" json:"name"`
	Daily   int64  `yaml:"daily" json:"daily"`
	Weekly  int64  `yaml:"weekly" json:"weekly"`
	Monthly int64  `yaml:"monthly" json:"monthly"`
}

func (d Definition) cap(p Period) int64 {
	switch p {
	case Daily:
		return d.Daily
	case Weekly:
		return d.Weekly
	case Monthly:
		return d.Monthly
	}
	return 0
}

// Defaults returns the stock gateway quotas.
func Defaults() []Definition {
	return []Definition{
		{Name: "ai-requests", Daily: 100, Monthly: 2000},
		{Name: "file-uploads", Daily: 50, Monthly: 500},
		{Name: "exports", Daily: 10, Monthly: 100},
	}
}

// Status is the outcome of a quota check.
type Status struct {
	Allowed bool
	// Exceeded names the offending period when denied.
	Exceeded Period
	// Remaining and ResetAt are reported per enabled period.
	Remaining map[Period]int64
	ResetAt   map[Period]time.Time
}

// Manager tracks quota records in the shared store.
type Manager struct {
	s      store.Store
	mu     sync.RWMutex
	defs   map[string]Definition
	now    func() time.Time
	prefix string
}

// New creates a Manager with the given definitions.
func New(s store.Store, defs ...Definition) *Manager {
	m := &Manager{
		s:      s,
		defs:   make(map[string]Definition),
		now:    time.Now,
		prefix: "q",
	}
	for _, d := range defs {
		m.defs[d.Name] = d
	}
	return m
}

// WithClock overrides the wall clock. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Define adds or replaces a quota definition at runtime.
func (m *Manager) Define(d Definition) {
	m.mu.Lock()
	m.defs[d.Name] = d
	m.mu.Unlock()
}

// Definitions returns all known quota definitions.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d)
	}
	return out
}

// record is the persisted state per (subject, quota name). Each period
// carries the label it was accumulated under so lazy reset is idempotent.
type record struct {
	Daily   periodState `json:"daily,omitempty"`
	Weekly  periodState `json:"weekly,omitempty"`
	Monthly periodState `json:"monthly,omitempty"`
}

type periodState struct {
	Label string `json:"label,omitempty"`
	Used  int64  `json:"used,omitempty"`
}

func (r *record) state(p Period) *periodState {
	switch p {
	case Daily:
		return &r.Daily
	case Weekly:
		return &r.Weekly
	default:
		return &r.Monthly
	}
}

const casRetries = 3

// Check verifies and consumes cost units against every enabled period of
// the named quota. Either all enabled periods are incremented or none are;
// concurrency is handled by compare-and-swap on the whole record.
func (m *Manager) Check(ctx context.Context, subject, name string, cost int64) (*Status, error) {
	return m.check(ctx, subject, name, cost, true)
}

// Peek reports the current standing without consuming anything.
func (m *Manager) Peek(ctx context.Context, subject, name string) (*Status, error) {
	return m.check(ctx, subject, name, 1, false)
}

func (m *Manager) check(ctx context.Context, subject, name string, cost int64, consume bool) (*Status, error) {
	m.mu.RLock()
	def, ok := m.defs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quota: unknown quota %q", name)
	}
	if cost <= 0 {
		cost = 1
	}

	key := m.prefix + ":" + subject + ":" + name

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, rec, err := m.load(ctx, key)
		if err != nil {
			return nil, err
		}

		now := m.now().UTC()
		st := &Status{
			Allowed:   true,
			Remaining: make(map[Period]int64),
			ResetAt:   make(map[Period]time.Time),
		}

		// Lazy reset, then bounds check every enabled period.
		for _, p := range periods {
			limit := def.cap(p)
			if limit <= 0 {
				continue
			}
			ps := rec.state(p)
			label := periodLabel(p, now)
			if ps.Label != label {
				ps.Label = label
				ps.Used = 0
			}
			st.ResetAt[p] = periodReset(p, now)
			if ps.Used+cost > limit {
				st.Allowed = false
				st.Exceeded = p
				st.Remaining[p] = max64(0, limit-ps.Used)
				return st, nil
			}
			st.Remaining[p] = limit - ps.Used - cost
		}

		if !consume {
			return st, nil
		}
		for _, p := range periods {
			if def.cap(p) > 0 {
				rec.state(p).Used += cost
			}
		}

		buf, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("quota: encode %s: %w", key, err)
		}
		// Records expire well after the longest period so labels survive
		// the month boundary but garbage eventually clears.
		swapped, err := m.s.CompareAndSwap(ctx, key, raw, string(buf), 45*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("quota: update %s: %w", key, err)
		}
		if swapped {
			return st, nil
		}
		lastErr = &store.ErrCASConflict{Key: key}
	}
	return nil, lastErr
}

// Reset deletes the record for (subject, name).
func (m *Manager) Reset(ctx context.Context, subject, name string) error {
	return m.s.Del(ctx, m.prefix+":"+subject+":"+name)
}

func (m *Manager) load(ctx context.Context, key string) (string, *record, error) {
	raw, err := m.s.Get(ctx, key)
	if err != nil {
		if _, ok := err.(*store.ErrKeyNotFound); ok {
			return "", &record{}, nil
		}
		return "", nil, fmt.Errorf("quota: load %s: %w", key, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", nil, fmt.Errorf("quota: decode %s: %w", key, err)
	}
	return raw, &rec, nil
}

// periodLabel identifies the current calendar period in UTC.
func periodLabel(p Period, now time.Time) string {
	switch p {
	case Daily:
		return now.Format("2006-01-02")
	case Weekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	default:
		return now.Format("2006-01")
	}
}

// periodReset returns the next calendar-aligned boundary in UTC: daily at
// 00:00, weekly at Monday 00:00, monthly at day 1 00:00.
func periodReset(p Period, now time.Time) time.Time {
	y, mo, d := now.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	switch p {
	case Daily:
		return midnight.AddDate(0, 0, 1)
	case Weekly:
		days := (8 - int(now.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days)
	default:
		return time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
