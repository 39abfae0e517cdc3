package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// seekTimestamp computes a starting frontier whose cursors sit at the first
// record with creation time at or after target, in every currently-relevant
// lineage. The log offers no time index, so each shard is scanned linearly
// from its trim horizon; a shard exhausted below the target is retired and
// the scan descends into its children. The scan is bounded by the retention
// window of each shard.
func (c *Coordinator) seekTimestamp(ctx context.Context, target time.Time) error {
	queue := c.tree.Roots()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		found, err := c.seekShard(ctx, id, target)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		// Exhausted with no record at or after the target: if the target
		// lies anywhere in this lineage, it lies in the children.
		children := c.tree.Children(id)
		if d, ok := c.tree.Get(id); ok && d.Status == ShardOpen {
			d.Status = ShardClosed
			c.tree.Upsert(d)
		}
		c.tree.Retire(id)
		c.logger.Debug("seek exhausted shard below target",
			zap.String("shard_id", id),
			zap.Time("target", target),
			zap.Int("descending_into", len(children)))
		queue = append(queue, children...)
	}
	return nil
}

// seekShard scans one shard from its trim horizon. It returns true when the
// shard joined the frontier: either a record at or after the target was
// found (retained as the first buffered record), or the shard is open and
// caught up, in which case it parks at the tail to wait for the target.
func (c *Coordinator) seekShard(ctx context.Context, id string, target time.Time) (bool, error) {
	iterator, err := c.client.GetShardIterator(ctx, c.streamID, id, TrimHorizon())
	if err != nil {
		return false, transient(err)
	}
	for {
		out, err := c.client.GetRecords(ctx, iterator, c.maxBatchSize)
		if err != nil {
			return false, transient(err)
		}
		for i, record := range out.Records {
			if record.Timestamp.Before(target) {
				continue
			}
			s := newFrontierShard(id, AtSequence(record.SequenceNumber))
			s.buffer = out.Records[i:]
			s.iterator = out.NextIterator
			s.resolved = true
			s.exhausted = out.NextIterator == ""
			c.admit(s)
			return true, nil
		}
		if out.NextIterator == "" {
			return false, nil
		}
		if len(out.Records) == 0 {
			// Open and caught up: the target is still in this shard's
			// future.
			s := newFrontierShard(id, Latest())
			s.iterator = out.NextIterator
			s.resolved = true
			c.admit(s)
			return true, nil
		}
		iterator = out.NextIterator
	}
}
