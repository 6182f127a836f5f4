package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadharbor/harvester/internal/queue"
	"github.com/leadharbor/harvester/internal/queue/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func runConsumer(t *testing.T, c *queue.Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	})
	return cancel
}

func TestConsumerDeliversEachEnqueuedMessageOnce(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	var mu sync.Mutex
	got := make(map[string]int)
	handler := func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		got[msg.Key]++
		mu.Unlock()
		return nil
	}

	c := queue.NewConsumer(backend, handler, queue.Config{Name: "work", Concurrency: 4}, newFakeClock(), nil)
	runConsumer(t, c)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		inserted, err := backend.Enqueue(ctx, fmt.Sprintf("dest-1-row-%d", i), []byte("{}"))
		require.NoError(t, err)
		require.True(t, inserted)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for key, n := range got {
		require.Equal(t, 1, n, "key %s delivered %d times", key, n)
	}
}

func TestConsumerDuplicateKeyIgnoredWhileLive(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	release := make(chan struct{})
	var calls atomic.Int32
	handler := func(_ context.Context, _ queue.Message) error {
		calls.Add(1)
		<-release
		return nil
	}

	c := queue.NewConsumer(backend, handler, queue.Config{Name: "work", Concurrency: 1}, newFakeClock(), nil)
	runConsumer(t, c)

	ctx := context.Background()
	inserted, err := backend.Enqueue(ctx, "dest-1-row-5", []byte("{}"))
	require.NoError(t, err)
	require.True(t, inserted)

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The first delivery is still active, so the key is live and a
	// second enqueue is a no-op.
	inserted, err = backend.Enqueue(ctx, "dest-1-row-5", []byte("{}"))
	require.NoError(t, err)
	require.False(t, inserted)

	close(release)

	// Once the handler finishes the key is released and the same key
	// may be enqueued again.
	require.Eventually(t, func() bool {
		inserted, err := backend.Enqueue(ctx, "dest-1-row-5", []byte("{}"))
		require.NoError(t, err)
		return inserted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerRetriesUntilAttemptsExhausted(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	var mu sync.Mutex
	var attempts []int
	handler := func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		mu.Unlock()
		return errors.New("boom")
	}

	c := queue.NewConsumer(backend, handler, queue.Config{
		Name:        "work",
		Concurrency: 1,
		Attempts:    3,
		BackoffBase: time.Millisecond,
	}, newFakeClock(), nil)
	runConsumer(t, c)

	_, err := backend.Enqueue(context.Background(), "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.Stats(context.Background())
		require.NoError(t, err)
		return st.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, attempts)
}

func TestConsumerRetriesThenSucceeds(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	var calls atomic.Int32
	handler := func(_ context.Context, _ queue.Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}

	c := queue.NewConsumer(backend, handler, queue.Config{
		Name:        "work",
		Concurrency: 1,
		Attempts:    5,
		BackoffBase: time.Millisecond,
	}, newFakeClock(), nil)
	runConsumer(t, c)

	_, err := backend.Enqueue(context.Background(), "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.Stats(context.Background())
		require.NoError(t, err)
		return st.Completed == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 3, calls.Load())

	st, err := c.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Failed)
}

func TestConsumerFailingTaskDoesNotBlockOthers(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	var mu sync.Mutex
	succeeded := make(map[string]bool)
	handler := func(_ context.Context, msg queue.Message) error {
		if msg.Key == "dest-1-row-2" {
			return errors.New("persistent failure")
		}
		mu.Lock()
		succeeded[msg.Key] = true
		mu.Unlock()
		return nil
	}

	c := queue.NewConsumer(backend, handler, queue.Config{
		Name:        "work",
		Concurrency: 2,
		Attempts:    3,
		BackoffBase: time.Millisecond,
	}, newFakeClock(), nil)
	runConsumer(t, c)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := backend.Enqueue(ctx, fmt.Sprintf("dest-1-row-%d", i), []byte("{}"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		st, err := c.Stats(ctx)
		require.NoError(t, err)
		return st.Completed == 4 && st.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, succeeded, 4)
	require.False(t, succeeded["dest-1-row-2"])
}

func TestConsumerRecoversFromHandlerPanic(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	var calls atomic.Int32
	handler := func(_ context.Context, msg queue.Message) error {
		calls.Add(1)
		if msg.Key == "dest-1-row-0" {
			panic("handler exploded")
		}
		return nil
	}

	c := queue.NewConsumer(backend, handler, queue.Config{
		Name:        "work",
		Concurrency: 1,
		Attempts:    1,
	}, newFakeClock(), nil)
	runConsumer(t, c)

	ctx := context.Background()
	_, err := backend.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	_, err = backend.Enqueue(ctx, "dest-1-row-1", []byte("{}"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.Stats(ctx)
		require.NoError(t, err)
		return st.Completed == 1 && st.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 2, calls.Load())
}

func TestConsumerRateCeilingSpreadsDeliveries(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	const (
		messages = 8
		perSec   = 20.0
	)

	var mu sync.Mutex
	var first, last time.Time
	var calls int
	handler := func(_ context.Context, _ queue.Message) error {
		now := time.Now()
		mu.Lock()
		if calls == 0 {
			first = now
		}
		last = now
		calls++
		mu.Unlock()
		return nil
	}

	// Concurrency well above the rate so only the ceiling can spread
	// the invocations out.
	c := queue.NewConsumer(backend, handler, queue.Config{
		Name:          "work",
		Concurrency:   4,
		RatePerSecond: perSec,
	}, newFakeClock(), nil)
	runConsumer(t, c)

	ctx := context.Background()
	for i := 0; i < messages; i++ {
		_, err := backend.Enqueue(ctx, fmt.Sprintf("dest-1-row-%d", i), []byte("{}"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == messages
	}, 5*time.Second, 10*time.Millisecond)

	// At one token per 1/rate seconds the last invocation cannot start
	// before (messages-1)/rate after the first. A little slack absorbs
	// scheduling jitter on the first delivery.
	minSpread := time.Duration(float64(messages-1)/perSec*1000)*time.Millisecond - 50*time.Millisecond
	mu.Lock()
	spread := last.Sub(first)
	mu.Unlock()
	require.GreaterOrEqual(t, spread, minSpread, "deliveries finished in %v, ceiling not enforced", spread)
}

func TestConsumerPauseStopsDeliveries(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	var calls atomic.Int32
	handler := func(_ context.Context, _ queue.Message) error {
		calls.Add(1)
		return nil
	}

	c := queue.NewConsumer(backend, handler, queue.Config{Name: "work", Concurrency: 1}, newFakeClock(), nil)
	c.Pause()
	runConsumer(t, c)

	ctx := context.Background()
	_, err := backend.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, calls.Load())

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.True(t, st.Paused)
	require.Equal(t, 1, st.Waiting)

	c.Resume()
	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerCleanPrunesByCountAndAge(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	clock := newFakeClock()
	handler := func(_ context.Context, _ queue.Message) error { return nil }

	c := queue.NewConsumer(backend, handler, queue.Config{
		Name:          "work",
		Concurrency:   1,
		KeepCompleted: queue.Retention{Count: 2, Age: time.Hour},
	}, clock, nil)
	runConsumer(t, c)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := backend.Enqueue(ctx, fmt.Sprintf("dest-1-row-%d", i), []byte("{}"))
		require.NoError(t, err)
	}

	// All six stay: only four fall outside the newest-2 window and
	// they are all younger than an hour.
	require.Eventually(t, func() bool {
		st, err := c.Stats(ctx)
		require.NoError(t, err)
		return st.Completed == 6
	}, 5*time.Second, 10*time.Millisecond)

	// Push everything past the age limb; the count limb still keeps
	// the newest two.
	clock.advance(2 * time.Hour)
	c.Clean()

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Completed)
}

func TestConsumerDrainDiscardsWaiting(t *testing.T) {
	backend := memory.New()
	defer backend.Close()

	handler := func(_ context.Context, _ queue.Message) error { return nil }
	c := queue.NewConsumer(backend, handler, queue.Config{Name: "work", Concurrency: 1}, newFakeClock(), nil)
	c.Pause()
	runConsumer(t, c)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := backend.Enqueue(ctx, fmt.Sprintf("dest-1-row-%d", i), []byte("{}"))
		require.NoError(t, err)
	}

	n, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Waiting)

	// Drained keys are no longer live.
	inserted, err := backend.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	require.True(t, inserted)
}
