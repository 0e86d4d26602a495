// Package store defines the backend storage contract for the admission engine.
//
// The Store interface abstracts the atomic primitives that rate limit
// algorithms, the circuit breaker, the quota manager, and the priority queue
// need. The primary implementation is RedisStore (in store/redis), which
// supports standalone Redis, Redis Cluster, and Redis Sentinel via
// redis.UniversalClient.
//
// A MemoryStore (in store/memory) is provided for testing and single-process
// deployments that don't need distributed state.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store abstracts the backend for admission state persistence.
// Implementations must be safe for concurrent use, and every mutating
// operation must be atomic with respect to concurrent callers on the
// same key, including callers on other replicas.
type Store interface {
	// IncrBy atomically increments key by delta. If the key is absent it is
	// created with value delta and expiry window; otherwise the existing TTL
	// is preserved. Returns the post-increment count and the remaining TTL.
	IncrBy(ctx context.Context, key string, delta int64, window time.Duration) (count int64, ttl time.Duration, err error)

	// AddTimestamp appends member with score ts (unix milliseconds) to the
	// ordered set at key, trims entries with scores older than ts minus
	// window, and refreshes the key expiry. Returns the resulting
	// cardinality and the oldest surviving score (0 if the set is empty).
	AddTimestamp(ctx context.Context, key string, ts int64, member string, window time.Duration) (count int64, oldest int64, err error)

	// CountTimestamps trims entries older than ts minus window and returns
	// the cardinality and oldest surviving score without adding anything.
	CountTimestamps(ctx context.Context, key string, ts int64, window time.Duration) (count int64, oldest int64, err error)

	// RemoveTimestamp removes a member previously added with AddTimestamp.
	// Used to roll back speculative additions on denial.
	RemoveTimestamp(ctx context.Context, key string, member string) error

	// GetBucket returns the bucket record at key, or ErrKeyNotFound.
	GetBucket(ctx context.Context, key string) (*Bucket, error)

	// SetBucket writes a bucket record with optimistic concurrency: the
	// write succeeds only if the stored LastUpdate still equals prevUpdate.
	// prevUpdate == 0 means the key must not exist yet. On mismatch the
	// implementation returns ErrCASConflict and the caller retries.
	SetBucket(ctx context.Context, key string, b Bucket, prevUpdate int64, ttl time.Duration) error

	// Get returns the string value for key, or ("", ErrKeyNotFound).
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL (0 = no expiry).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// CompareAndSwap replaces the value at key with next only if the current
	// value equals prev. prev == "" means the key must be absent (create).
	// Returns whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, prev, next string, ttl time.Duration) (bool, error)

	// Enqueue adds an entry to the named queue. Ordering is by descending
	// priority, then ascending deadline, then ascending enqueue time.
	Enqueue(ctx context.Context, queue string, e QueueEntry) error

	// Dequeue removes and returns the head of the named queue, or
	// (nil, ErrKeyNotFound) when the queue is empty.
	Dequeue(ctx context.Context, queue string) (*QueueEntry, error)

	// QueueLen returns the number of entries in the named queue.
	QueueLen(ctx context.Context, queue string) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Bucket is the persisted state shared by the token bucket (Tokens holds the
// balance) and the leaky bucket (Tokens holds the water level). LastUpdate is
// unix milliseconds and doubles as the optimistic-concurrency version.
type Bucket struct {
	Tokens     float64
	LastUpdate int64
}

// QueueEntry is one deferred request in a priority queue.
type QueueEntry struct {
	Priority   int    `json:"priority"`
	Deadline   int64  `json:"deadline"`   // unix ms; entries past this are evicted
	EnqueuedAt int64  `json:"enqueuedAt"` // unix ms
	Handle     string `json:"handle"`     // opaque request handle
}

// QueueEntryLess is the canonical dequeue order: descending priority, then
// ascending deadline, then ascending enqueue time. Both backends must realize
// exactly this ordering.
func QueueEntryLess(a, b QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	return a.EnqueuedAt < b.EnqueuedAt
}

// QueuePriorityScore maps a priority onto a sorted-set score where lower
// dequeues first. Priorities are clamped to [0, 1<<20), so the score is
// always float64-exact; deadline and enqueue-time tie-breaks are the
// backend's responsibility (the Redis store encodes them into the member so
// equal scores order lexicographically).
func QueuePriorityScore(priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority >= 1<<20 {
		priority = 1<<20 - 1
	}
	return float64(1<<20 - 1 - priority)
}

// ErrKeyNotFound is returned when a key (or queue head) doesn't exist.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "store: key not found: " + e.Key
}

// ErrCASConflict is returned by SetBucket and CompareAndSwap-style writes
// when the stored version no longer matches the caller's snapshot.
type ErrCASConflict struct {
	Key string
}

func (e *ErrCASConflict) Error() string {
	return fmt.Sprintf("store: compare-and-set conflict on %s", e.Key)
}
