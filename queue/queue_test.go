package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/gateguard/queue"
	"github.com/krishna-kudari/gateguard/store/memory"
)

func newQueue(t *testing.T, cfg queue.Config) *queue.Queue {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { s.Close() })
	if cfg.ProcessInterval == 0 {
		cfg.ProcessInterval = 10 * time.Millisecond
	}
	q := queue.New(s, cfg)
	t.Cleanup(q.Close)
	return q
}

func admitAfter(n int32) queue.AdmitFunc {
	var calls atomic.Int32
	return func(context.Context) bool {
		return calls.Add(1) > n
	}
}

func TestSubmit_AdmittedByDrainer(t *testing.T) {
	q := newQueue(t, queue.Config{})

	start := time.Now()
	err := q.Submit(t.Context(), 1, time.Now().Add(2*time.Second), admitAfter(2))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "waiter released before the deadline")

	depth, err := q.Len(t.Context())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmit_Full(t *testing.T) {
	q := newQueue(t, queue.Config{MaxSize: 1, ProcessInterval: time.Hour})

	never := func(context.Context) bool { return false }
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Submit(context.Background(), 1, time.Now().Add(time.Second), never)
	}()

	// Wait until the first waiter is parked in the store.
	require.Eventually(t, func() bool {
		depth, err := q.Len(context.Background())
		return err == nil && depth == 1
	}, time.Second, 5*time.Millisecond)

	err := q.Submit(t.Context(), 1, time.Now().Add(time.Second), never)
	assert.ErrorIs(t, err, queue.ErrFull)
	assert.ErrorIs(t, <-errCh, queue.ErrTimedOut)
}

func TestSubmit_TimedOut(t *testing.T) {
	q := newQueue(t, queue.Config{})

	never := func(context.Context) bool { return false }
	start := time.Now()
	err := q.Submit(t.Context(), 1, time.Now().Add(50*time.Millisecond), never)
	assert.ErrorIs(t, err, queue.ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSubmit_ContextCanceled(t *testing.T) {
	q := newQueue(t, queue.Config{})

	ctx, cancel := context.WithCancel(t.Context())
	never := func(context.Context) bool { return false }
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Submit(ctx, 1, time.Now().Add(time.Minute), never)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSubmit_PriorityOrder(t *testing.T) {
	q := newQueue(t, queue.Config{})

	// Each token admits exactly one waiter, so releases happen one at a
	// time in queue order.
	tokens := make(chan struct{}, 2)
	admit := func(context.Context) bool {
		select {
		case <-tokens:
			return true
		default:
			return false
		}
	}

	doneCh := make(chan int, 2)
	submit := func(priority int) {
		go func() {
			if err := q.Submit(context.Background(), priority, time.Now().Add(5*time.Second), admit); err == nil {
				doneCh <- priority
			}
		}()
	}
	submit(1)
	require.Eventually(t, func() bool {
		depth, err := q.Len(context.Background())
		return err == nil && depth == 1
	}, time.Second, 5*time.Millisecond)
	submit(10)
	require.Eventually(t, func() bool {
		depth, err := q.Len(context.Background())
		return err == nil && depth == 2
	}, time.Second, 5*time.Millisecond)

	tokens <- struct{}{}
	assert.Equal(t, 10, <-doneCh, "higher priority drains first")
	tokens <- struct{}{}
	assert.Equal(t, 1, <-doneCh)
}

func TestClose_ReleasesWaiters(t *testing.T) {
	s := memory.New()
	t.Cleanup(func() { s.Close() })
	q := queue.New(s, queue.Config{ProcessInterval: time.Hour})

	never := func(context.Context) bool { return false }
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Submit(context.Background(), 1, time.Now().Add(time.Minute), never)
	}()

	require.Eventually(t, func() bool {
		depth, err := q.Len(context.Background())
		return err == nil && depth == 1
	}, time.Second, 5*time.Millisecond)

	q.Close()
	assert.ErrorIs(t, <-errCh, queue.ErrTimedOut)
}
