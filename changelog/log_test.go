package changelog

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/wilfre/bloop/stream"
)

func openTestLog(t *testing.T) (*Log, func()) {
	t.Helper()
	datadir, err := ioutil.TempDir("", "changelog_test")
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	clog, err := Open(datadir, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	require.NoError(t, err)
	return clog, func() {
		clog.Close()
		os.RemoveAll(datadir)
	}
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	clog, cleanup := openTestLog(t)
	defer cleanup()

	shards, err := clog.CreateStream("orders", 2)
	require.NoError(t, err)
	require.Len(t, shards, 2)

	t.Run("should refuse to create the stream twice", func(t *testing.T) {
		_, err := clog.CreateStream("orders", 2)
		require.Equal(t, ErrStreamAlreadyExists, errors.Cause(err))
	})
	t.Run("should list streams", func(t *testing.T) {
		names, err := clog.Streams()
		require.NoError(t, err)
		require.Equal(t, []string{"orders"}, names)
	})
	t.Run("should assign increasing sequence numbers across shards", func(t *testing.T) {
		first, err := clog.Append("orders", shards[0], []byte("a"))
		require.NoError(t, err)
		second, err := clog.Append("orders", shards[1], []byte("b"))
		require.NoError(t, err)
		require.Greater(t, second, first)
	})
	t.Run("should list shards with status and parent links", func(t *testing.T) {
		descriptors, err := clog.ListShards(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, descriptors, 2)
		for _, d := range descriptors {
			require.Equal(t, stream.ShardOpen, d.Status)
			require.Empty(t, d.ParentID)
		}
	})
	t.Run("should refuse to append to an unknown shard", func(t *testing.T) {
		_, err := clog.Append("orders", "no-such-shard", []byte("x"))
		require.Equal(t, ErrShardNotFound, errors.Cause(err))
	})
	t.Run("should close a shard on split and create its children", func(t *testing.T) {
		children, err := clog.SplitShard("orders", shards[0], 2)
		require.NoError(t, err)
		require.Len(t, children, 2)

		_, err = clog.Append("orders", shards[0], []byte("x"))
		require.Equal(t, ErrShardClosed, errors.Cause(err))

		descriptors, err := clog.ListShards(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, descriptors, 4)
		parents := 0
		for _, d := range descriptors {
			if d.ParentID == shards[0] {
				parents++
			}
		}
		require.Equal(t, 2, parents)
	})
	t.Run("should refuse to split a closed shard twice", func(t *testing.T) {
		_, err := clog.SplitShard("orders", shards[0], 2)
		require.Equal(t, ErrShardClosed, errors.Cause(err))
	})
}

func TestLogRecords(t *testing.T) {
	ctx := context.Background()
	clog, cleanup := openTestLog(t)
	defer cleanup()

	shards, err := clog.CreateStream("orders", 1)
	require.NoError(t, err)
	shard := shards[0]
	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := clog.Append("orders", shard, []byte{byte(i)})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	t.Run("should read records from the trim horizon in order", func(t *testing.T) {
		iterator, err := clog.GetShardIterator(ctx, "orders", shard, stream.TrimHorizon())
		require.NoError(t, err)
		out, err := clog.GetRecords(ctx, iterator, 100)
		require.NoError(t, err)
		require.Len(t, out.Records, 5)
		require.NotEmpty(t, out.NextIterator)
		for i, record := range out.Records {
			require.Equal(t, seqs[i], record.SequenceNumber)
			require.Equal(t, []byte{byte(i)}, record.Payload)
		}
	})
	t.Run("should page through records", func(t *testing.T) {
		iterator, err := clog.GetShardIterator(ctx, "orders", shard, stream.TrimHorizon())
		require.NoError(t, err)
		var got []uint64
		for i := 0; i < 3; i++ {
			out, err := clog.GetRecords(ctx, iterator, 2)
			require.NoError(t, err)
			for _, record := range out.Records {
				got = append(got, record.SequenceNumber)
			}
			iterator = out.NextIterator
		}
		require.Equal(t, seqs, got)
	})
	t.Run("should return zero records at the tail of an open shard", func(t *testing.T) {
		iterator, err := clog.GetShardIterator(ctx, "orders", shard, stream.Latest())
		require.NoError(t, err)
		out, err := clog.GetRecords(ctx, iterator, 100)
		require.NoError(t, err)
		require.Empty(t, out.Records)
		require.NotEmpty(t, out.NextIterator)
	})
	t.Run("should resume after a sequence number", func(t *testing.T) {
		iterator, err := clog.GetShardIterator(ctx, "orders", shard, stream.AfterSequence(seqs[2]))
		require.NoError(t, err)
		out, err := clog.GetRecords(ctx, iterator, 100)
		require.NoError(t, err)
		require.Len(t, out.Records, 2)
		require.Equal(t, seqs[3], out.Records[0].SequenceNumber)
	})
	t.Run("should reject timestamp positions", func(t *testing.T) {
		_, err := clog.GetShardIterator(ctx, "orders", shard, stream.AtTimestamp(time.Unix(0, 0)))
		require.Equal(t, stream.ErrUnsupportedPosition, errors.Cause(err))
	})
	t.Run("should stale iterators below the trim horizon", func(t *testing.T) {
		iterator, err := clog.GetShardIterator(ctx, "orders", shard, stream.TrimHorizon())
		require.NoError(t, err)
		require.NoError(t, clog.Trim("orders", shard, seqs[3]))

		_, err = clog.GetRecords(ctx, iterator, 100)
		require.Equal(t, stream.ErrIteratorStale, errors.Cause(err))

		fresh, err := clog.GetShardIterator(ctx, "orders", shard, stream.TrimHorizon())
		require.NoError(t, err)
		out, err := clog.GetRecords(ctx, fresh, 100)
		require.NoError(t, err)
		require.Len(t, out.Records, 2)
		require.Equal(t, seqs[3], out.Records[0].SequenceNumber)
	})
	t.Run("should drain a closed shard", func(t *testing.T) {
		require.NoError(t, clog.CloseShard("orders", shard))
		iterator, err := clog.GetShardIterator(ctx, "orders", shard, stream.AfterSequence(seqs[3]))
		require.NoError(t, err)
		out, err := clog.GetRecords(ctx, iterator, 100)
		require.NoError(t, err)
		require.Len(t, out.Records, 1)
		require.Empty(t, out.NextIterator)
	})
}

func TestLogReopen(t *testing.T) {
	datadir, err := ioutil.TempDir("", "changelog_reopen_test")
	require.NoError(t, err)
	defer os.RemoveAll(datadir)

	clog, err := Open(datadir)
	require.NoError(t, err)
	shards, err := clog.CreateStream("orders", 1)
	require.NoError(t, err)
	seq, err := clog.Append("orders", shards[0], []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, clog.Close())

	clog, err = Open(datadir)
	require.NoError(t, err)
	defer clog.Close()
	iterator, err := clog.GetShardIterator(context.Background(), "orders", shards[0], stream.TrimHorizon())
	require.NoError(t, err)
	out, err := clog.GetRecords(context.Background(), iterator, 100)
	require.NoError(t, err)
	require.Len(t, out.Records, 1)
	require.Equal(t, seq, out.Records[0].SequenceNumber)
	require.Equal(t, []byte("persisted"), out.Records[0].Payload)
}
