package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/sink"
)

func TestReadPendingSkipsCompletedRows(t *testing.T) {
	s := New()
	s.SeedRow("sheet-a", 0, "https://example.com/p/0")
	s.SeedRow("sheet-a", 1, "https://example.com/p/1")
	s.SeedRow("sheet-a", 2, "https://example.com/p/2")

	err := s.WriteBatch(context.Background(), "sheet-a", []pipeline.Outcome{
		{RowIndex: 1, DestinationID: "sheet-a", Email: "x@y.com", Status: pipeline.StatusDone},
	})
	require.NoError(t, err)

	pending, err := s.ReadPending(context.Background(), "sheet-a", 0)
	require.NoError(t, err)
	require.Equal(t, []sink.Row{
		{Index: 0, URL: "https://example.com/p/0"},
		{Index: 2, URL: "https://example.com/p/2"},
	}, pending)
}

func TestReadPendingHonorsLimit(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.SeedRow("sheet-a", i, "https://example.com")
	}
	pending, err := s.ReadPending(context.Background(), "sheet-a", 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, 0, pending[0].Index)
}

func TestWriteBatchOverwritesByRowIndex(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WriteBatch(ctx, "sheet-a", []pipeline.Outcome{
		{RowIndex: 0, Status: pipeline.StatusFailed},
	}))
	require.NoError(t, s.WriteBatch(ctx, "sheet-a", []pipeline.Outcome{
		{RowIndex: 0, Email: "x@y.com", Status: pipeline.StatusDone},
	}))

	out := s.Outcomes("sheet-a")
	require.Len(t, out, 1)
	require.Equal(t, pipeline.StatusDone, out[0].Status)
}

func TestFailNextWritesInjectsInOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.FailNextWrites(sink.ErrQuota)

	err := s.WriteBatch(ctx, "sheet-a", nil)
	require.True(t, sink.IsQuota(err))

	require.NoError(t, s.WriteBatch(ctx, "sheet-a", nil))
}
