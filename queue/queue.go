// Package queue implements the bounded priority queue that holds requests
// deferred by a "queue" rule action until a re-check admits them or their
// deadline expires.
//
// Entries are ordered by descending priority, then earliest deadline, then
// enqueue time. A background drainer wakes at a fixed interval, pops the
// head, and re-runs the admission check the submitter registered; admitted
// waiters are released, the rest are put back. When the queue is full new
// submissions fail immediately — backpressure, never unbounded waiting.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/krishna-kudari/gateguard/store"
)

// ErrFull is returned by Submit when the queue is at capacity.
var ErrFull = errors.New("queue: full")

// ErrTimedOut is returned by Submit when the deadline passed before the
// admission check succeeded.
var ErrTimedOut = errors.New("queue: deadline exceeded")

// AdmitFunc re-runs the rate limit check for a parked request. It must
// consume on success so a released waiter is properly accounted.
type AdmitFunc func(ctx context.Context) bool

// Config holds queue settings.
type Config struct {
	// Name namespaces the backing store key ("pq:<name>"). Default
	// "default".
	Name string
	// MaxSize bounds the queue. Default 10000.
	MaxSize int
	// ProcessInterval is the drainer wake period. Default 100ms.
	ProcessInterval time.Duration
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Queue is a bounded deferred-request queue over the shared store.
//
// Entries are persisted in the store so depth is shared across replicas,
// but a waiter can only be released by the replica it is parked on; the
// drainer re-enqueues entries whose handle it doesn't know.
type Queue struct {
	s   store.Store
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	waiters map[string]*waiter

	closeOnce sync.Once
	closeCh   chan struct{}
}

type waiter struct {
	admit AdmitFunc
	done  chan error
}

// New creates a Queue and starts its drainer.
func New(s store.Store, cfg Config) *Queue {
	cfg.withDefaults()
	q := &Queue{
		s:       s,
		cfg:     cfg,
		log:     cfg.Logger,
		waiters: make(map[string]*waiter),
		closeCh: make(chan struct{}),
	}
	go q.drainLoop()
	return q
}

// Submit parks the caller until admit succeeds, the deadline passes, or ctx
// is done. priority orders the queue (higher first).
func (q *Queue) Submit(ctx context.Context, priority int, deadline time.Time, admit AdmitFunc) error {
	depth, err := q.s.QueueLen(ctx, q.storeKey())
	if err != nil {
		return fmt.Errorf("queue: depth: %w", err)
	}
	if depth >= int64(q.cfg.MaxSize) {
		return ErrFull
	}

	handle := uuid.NewString()
	w := &waiter{admit: admit, done: make(chan error, 1)}

	q.mu.Lock()
	q.waiters[handle] = w
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.waiters, handle)
		q.mu.Unlock()
	}()

	err = q.s.Enqueue(ctx, q.storeKey(), store.QueueEntry{
		Priority:   priority,
		Deadline:   deadline.UnixMilli(),
		EnqueuedAt: time.Now().UnixMilli(),
		Handle:     handle,
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		return ErrTimedOut
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return ErrTimedOut
	}
}

// Len returns the shared queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.s.QueueLen(ctx, q.storeKey())
}

// Close stops the drainer and releases all local waiters with ErrTimedOut.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closeCh) })
}

func (q *Queue) storeKey() string {
	return "pq:" + q.cfg.Name
}

func (q *Queue) drainLoop() {
	ticker := time.NewTicker(q.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.drain()
		case <-q.closeCh:
			return
		}
	}
}

// drain pops entries until the head is neither expired nor admissible.
func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessInterval)
	defer cancel()

	for {
		e, err := q.s.Dequeue(ctx, q.storeKey())
		if err != nil {
			var nf *store.ErrKeyNotFound
			if !errors.As(err, &nf) {
				q.log.Warn("queue: dequeue failed", zap.Error(err))
			}
			return
		}

		now := time.Now().UnixMilli()
		if e.Deadline <= now {
			q.release(e.Handle, ErrTimedOut)
			continue
		}

		q.mu.Lock()
		w, local := q.waiters[e.Handle]
		q.mu.Unlock()

		if !local {
			// Another replica's waiter; put it back and stop so we don't
			// spin on a head we can never release.
			q.requeue(ctx, e)
			return
		}

		if w.admit(ctx) {
			q.release(e.Handle, nil)
			continue
		}

		// Head still rate limited; put it back and wait for the next tick.
		q.requeue(ctx, e)
		return
	}
}

func (q *Queue) requeue(ctx context.Context, e *store.QueueEntry) {
	if err := q.s.Enqueue(ctx, q.storeKey(), *e); err != nil {
		q.log.Warn("queue: requeue failed", zap.String("handle", e.Handle), zap.Error(err))
		q.release(e.Handle, ErrTimedOut)
	}
}

func (q *Queue) release(handle string, err error) {
	q.mu.Lock()
	w, ok := q.waiters[handle]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.done <- err:
	default:
	}
}
