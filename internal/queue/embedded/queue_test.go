package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadharbor/harvester/internal/queue"
)

func TestEnqueueDedupPersistsUntilRelease(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "dest-1-row-0", []byte(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = q.Enqueue(ctx, "dest-1-row-0", []byte(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	require.False(t, inserted)

	require.NoError(t, q.Release(ctx, "dest-1-row-0"))

	inserted, err = q.Enqueue(ctx, "dest-1-row-0", []byte(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestMessagesRoundTripThroughDisk(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	body := []byte(`{"url":"https://example.com/p/1","rowIndex":7,"destinationId":"sheet-a"}`)
	_, err = q.Enqueue(ctx, "sheet-a-row-7", body)
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "sheet-a-row-7", msg.Key)
	require.Equal(t, body, msg.Body)
	require.Equal(t, 1, msg.Attempt)
	require.False(t, msg.EnqueuedAt.IsZero())
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := Open(dir)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "dest-1-row-1", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = Open(dir)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// The dedup index survives too: keys enqueued before the restart
	// are still live.
	inserted, err := q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	require.False(t, inserted)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "dest-1-row-0", msg.Key)
}

func TestDrainReleasesDedupKeys(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	_, err = q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "dest-1-row-1", []byte("{}"))
	require.NoError(t, err)

	n, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	inserted, err := q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestPurgeResetsAllState(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()
	ctx := context.Background()

	_, err = q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)

	require.NoError(t, q.Purge(ctx))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	inserted, err := q.Enqueue(ctx, "dest-1-row-0", []byte("{}"))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestDequeueHonorsContextCancel(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = q.Enqueue(context.Background(), "x", nil)
	require.ErrorIs(t, err, queue.ErrClosed)
}
