package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadharbor/harvester/internal/queue"
)

func TestEnqueueDedupUntilRelease(t *testing.T) {
	q := New()
	defer q.Close()
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "dest-1-row-0", []byte(`{"rowIndex":0}`))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = q.Enqueue(ctx, "dest-1-row-0", []byte(`{"rowIndex":0}`))
	require.NoError(t, err)
	require.False(t, inserted)

	require.NoError(t, q.Release(ctx, "dest-1-row-0"))

	inserted, err = q.Enqueue(ctx, "dest-1-row-0", []byte(`{"rowIndex":0}`))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestDequeueFIFOOrder(t *testing.T) {
	q := New()
	defer q.Close()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, key, []byte(key))
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, msg.Key)
		require.Equal(t, 1, msg.Attempt)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	defer q.Close()
	ctx := context.Background()

	got := make(chan queue.Message, 1)
	go func() {
		msg, err := q.Dequeue(ctx)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(ctx, "late", []byte("late"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, "late", msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestDequeueHonorsContextCancel(t *testing.T) {
	q := New()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequeueBypassesDedup(t *testing.T) {
	q := New()
	defer q.Close()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)

	msg.Attempt++
	require.NoError(t, q.Requeue(ctx, msg))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "dest-1-row-0", again.Key)
	require.Equal(t, 2, again.Attempt)
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q := New()
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), "x", nil)
	require.ErrorIs(t, err, queue.ErrClosed)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}
