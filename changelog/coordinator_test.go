package changelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilfre/bloop/stream"
)

// Drives the coordinator against the badger-backed log end to end: split,
// promotion, token hand-off to a second coordinator.
func TestCoordinatorOverChangelog(t *testing.T) {
	ctx := context.Background()
	clog, cleanup := openTestLog(t)
	defer cleanup()

	shards, err := clog.CreateStream("orders", 1)
	require.NoError(t, err)
	root := shards[0]

	var appended []uint64
	for i := 0; i < 3; i++ {
		seq, err := clog.Append("orders", root, []byte("parent"))
		require.NoError(t, err)
		appended = append(appended, seq)
	}
	children, err := clog.SplitShard("orders", root, 2)
	require.NoError(t, err)
	for _, child := range children {
		seq, err := clog.Append("orders", child, []byte("child"))
		require.NoError(t, err)
		appended = append(appended, seq)
	}

	c, err := stream.Open(ctx, clog, "orders", stream.TrimHorizon())
	require.NoError(t, err)

	perShard := make(map[string]uint64)
	var got []uint64
	for len(got) < len(appended) {
		record, err := c.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, record)
		require.Greater(t, record.SequenceNumber, perShard[record.ShardID])
		perShard[record.ShardID] = record.SequenceNumber
		got = append(got, record.SequenceNumber)
	}
	require.Equal(t, appended[:3], got[:3], "parent records come first, in order")

	t.Run("should hand the traversal to a second coordinator through a token", func(t *testing.T) {
		seq, err := clog.Append("orders", children[0], []byte("late"))
		require.NoError(t, err)

		resumed, err := stream.Open(ctx, clog, "orders", stream.FromToken(c.Token()))
		require.NoError(t, err)
		record, err := resumed.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, record)
		require.Equal(t, seq, record.SequenceNumber)
	})
	t.Run("should report a stale resume position after a trim", func(t *testing.T) {
		token := c.Token()
		late, err := clog.Append("orders", children[1], []byte("trimmed-past"))
		require.NoError(t, err)
		keep, err := clog.Append("orders", children[1], []byte("kept"))
		require.NoError(t, err)
		require.NoError(t, clog.Trim("orders", children[1], keep))

		resumed, err := stream.Open(ctx, clog, "orders", stream.FromToken(token))
		require.NoError(t, err)
		_, err = resumed.Next(ctx)
		require.Error(t, err)
		staleErr, ok := err.(*stream.StaleTokenError)
		require.True(t, ok)
		require.Equal(t, []string{children[1]}, staleErr.ShardIDs)
		_ = late

		require.NoError(t, resumed.RestartAtTrimHorizon(children[1]))
		for {
			record, err := resumed.Next(ctx)
			require.NoError(t, err)
			if record == nil {
				t.Fatal("expected the kept record after restarting at the trim horizon")
			}
			if record.ShardID == children[1] {
				require.Equal(t, keep, record.SequenceNumber)
				break
			}
		}
	})
}
