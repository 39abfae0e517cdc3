package stream

import "context"

// frontierShard is the live read state for one shard in the frontier: a
// pending start position (materialized into a remote iterator on first use),
// a prefetch buffer and the last sequence number handed to the caller.
type frontierShard struct {
	id       string
	pending  Position
	iterator string
	resolved bool
	buffer   []Record
	lastSeq  uint64
	consumed bool
	// exhausted is set once the remote reports no further records will ever
	// come from this shard.
	exhausted bool
	// stale is set when the shard's position fell below the trim horizon.
	// The shard stays in the frontier, untouched, until the caller restarts
	// or abandons it.
	stale bool
}

func newFrontierShard(id string, pos Position) *frontierShard {
	return &frontierShard{id: id, pending: pos}
}

func (s *frontierShard) hasBuffered() bool { return len(s.buffer) > 0 }

// pop hands out the head of the buffer and records it as consumed.
func (s *frontierShard) pop() Record {
	record := s.buffer[0]
	s.buffer = s.buffer[1:]
	s.lastSeq = record.SequenceNumber
	s.consumed = true
	return record
}

// resume is the position a continuation token should capture for this shard:
// just after the last record actually yielded to the caller, or the original
// start position if nothing was yielded yet. Buffered-but-unread records are
// deliberately not part of the position; a resumed coordinator re-fetches
// them.
func (s *frontierShard) resume() Position {
	if s.consumed {
		return AfterSequence(s.lastSeq)
	}
	return s.pending
}

// refill fetches one bounded batch from the remote log. It never mutates the
// shard on failure: a failed or abandoned fetch simply did not happen.
func (s *frontierShard) refill(ctx context.Context, client LogClient, streamID string, maxRecords int) error {
	if s.exhausted || s.stale || s.hasBuffered() {
		return nil
	}
	if !s.resolved {
		iterator, err := client.GetShardIterator(ctx, streamID, s.id, s.resume())
		if err != nil {
			if isStale(err) {
				s.stale = true
				return nil
			}
			return transient(err)
		}
		s.iterator = iterator
		s.resolved = true
	}
	out, err := client.GetRecords(ctx, s.iterator, maxRecords)
	if err != nil {
		if isStale(err) {
			s.stale = true
			return nil
		}
		return transient(err)
	}
	s.buffer = out.Records
	s.iterator = out.NextIterator
	if s.iterator == "" {
		s.exhausted = true
	}
	return nil
}

// drained reports whether nothing more can ever be read from this shard.
func (s *frontierShard) drained() bool {
	return s.exhausted && !s.hasBuffered()
}

// restart repositions a stale shard at its trim horizon, dropping whatever
// position was lost to retention.
func (s *frontierShard) restart() {
	s.pending = TrimHorizon()
	s.iterator = ""
	s.resolved = false
	s.buffer = nil
	s.consumed = false
	s.lastSeq = 0
	s.stale = false
	s.exhausted = false
}
