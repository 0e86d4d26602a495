// Package memory provides an in-memory implementation of store.Store.
//
// This is useful for testing and single-process deployments. All operations
// are atomic under a single mutex, which is sufficient for the sub-millisecond
// critical sections involved; there is no cross-replica coordination.
//
//	s := memory.New()
//	defer s.Close()
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/krishna-kudari/gateguard/store"
)

// Store implements store.Store with in-memory state.
type Store struct {
	mu      sync.Mutex
	data    map[string]entry
	sorted  map[string][]sortedEntry
	queues  map[string][]store.QueueEntry
	closed  bool
	closeCh chan struct{}
}

type entry struct {
	value    string
	expireAt time.Time
}

type sortedEntry struct {
	score  int64
	member string
}


// New creates a new in-memory Store and starts its eviction loop.
func New() *Store {
	s := &Store{
		data:    make(map[string]entry),
		sorted:  make(map[string][]sortedEntry),
		queues:  make(map[string][]store.QueueEntry),
		closeCh: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.data {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(s.data, k)
			// Timestamp sets share their key's expiry record; drop the set
			// too so abandoned windows don't accumulate.
			delete(s.sorted, k)
		}
	}
}

func isExpired(e entry) bool {
	return !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || isExpired(e) {
		s.data[key] = entry{
			value:    strconv.FormatInt(delta, 10),
			expireAt: time.Now().Add(window),
		}
		return delta, window, nil
	}

	current, _ := strconv.ParseInt(e.value, 10, 64)
	current += delta
	e.value = strconv.FormatInt(current, 10)
	s.data[key] = e

	ttl := window
	if !e.expireAt.IsZero() {
		ttl = time.Until(e.expireAt)
		if ttl < 0 {
			ttl = 0
		}
	}
	return current, ttl, nil
}

func (s *Store) AddTimestamp(_ context.Context, key string, ts int64, member string, window time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.trimLocked(key, ts, window)
	entries = append(entries, sortedEntry{score: ts, member: member})
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	s.sorted[key] = entries
	s.data[key] = entry{expireAt: time.Now().Add(window)}
	return int64(len(entries)), entries[0].score, nil
}

func (s *Store) CountTimestamps(_ context.Context, key string, ts int64, window time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.trimLocked(key, ts, window)
	s.sorted[key] = entries
	if len(entries) == 0 {
		return 0, 0, nil
	}
	return int64(len(entries)), entries[0].score, nil
}

func (s *Store) trimLocked(key string, ts int64, window time.Duration) []sortedEntry {
	cutoff := ts - window.Milliseconds()
	entries := s.sorted[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.score > cutoff {
			kept = append(kept, e)
		}
	}
	return kept
}

func (s *Store) RemoveTimestamp(_ context.Context, key string, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sorted[key]
	for i, e := range entries {
		if e.member == member {
			s.sorted[key] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) GetBucket(_ context.Context, key string) (*store.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || isExpired(e) {
		delete(s.data, key)
		return nil, &store.ErrKeyNotFound{Key: key}
	}
	b, err := decodeBucket(e.value)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) SetBucket(_ context.Context, key string, b store.Bucket, prevUpdate int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if ok && isExpired(e) {
		delete(s.data, key)
		ok = false
	}

	if prevUpdate == 0 {
		if ok {
			return &store.ErrCASConflict{Key: key}
		}
	} else {
		if !ok {
			return &store.ErrCASConflict{Key: key}
		}
		stored, err := decodeBucket(e.value)
		if err != nil {
			return err
		}
		if stored.LastUpdate != prevUpdate {
			return &store.ErrCASConflict{Key: key}
		}
	}

	s.data[key] = entry{value: encodeBucket(b), expireAt: time.Now().Add(ttl)}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || isExpired(e) {
		delete(s.data, key)
		return "", &store.ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.data, k)
		delete(s.sorted, k)
		delete(s.queues, k)
	}
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, prev, next string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if ok && isExpired(e) {
		delete(s.data, key)
		ok = false
	}

	if prev == "" {
		if ok {
			return false, nil
		}
	} else {
		if !ok || e.value != prev {
			return false, nil
		}
	}

	ne := entry{value: next}
	if ttl > 0 {
		ne.expireAt = time.Now().Add(ttl)
	}
	s.data[key] = ne
	return true, nil
}

func (s *Store) Enqueue(_ context.Context, queue string, e store.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := append(s.queues[queue], e)
	sort.SliceStable(q, func(i, j int) bool { return store.QueueEntryLess(q[i], q[j]) })
	s.queues[queue] = q
	return nil
}

func (s *Store) Dequeue(_ context.Context, queue string) (*store.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[queue]
	if len(q) == 0 {
		return nil, &store.ErrKeyNotFound{Key: queue}
	}
	head := q[0]
	s.queues[queue] = q[1:]
	return &head, nil
}

func (s *Store) QueueLen(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[queue])), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

// Bucket records are stored as "tokens|lastUpdate" so they round-trip through
// the plain string keyspace.

func encodeBucket(b store.Bucket) string {
	return strconv.FormatFloat(b.Tokens, 'f', -1, 64) + "|" + strconv.FormatInt(b.LastUpdate, 10)
}

func decodeBucket(v string) (*store.Bucket, error) {
	for i := 0; i < len(v); i++ {
		if v[i] == '|' {
			tokens, err := strconv.ParseFloat(v[:i], 64)
			if err != nil {
				return nil, err
			}
			last, err := strconv.ParseInt(v[i+1:], 10, 64)
			if err != nil {
				return nil, err
			}
			return &store.Bucket{Tokens: tokens, LastUpdate: last}, nil
		}
	}
	return nil, &store.ErrKeyNotFound{Key: v}
}
