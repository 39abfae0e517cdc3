package changelog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"

	"github.com/wilfre/bloop/stream"
)

var _ stream.LogClient = (*Log)(nil)

var errInvalidIterator = errors.New("invalid shard iterator")

// iteratorState is the decoded form of the opaque cursor handed to
// consumers: the next sequence number to read from one shard.
type iteratorState struct {
	Stream string `json:"s"`
	Shard  string `json:"h"`
	Next   uint64 `json:"n"`
}

func encodeIterator(state iteratorState) string {
	raw, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeIterator(iterator string) (iteratorState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(iterator)
	if err != nil {
		return iteratorState{}, errors.Wrap(errInvalidIterator, err.Error())
	}
	state := iteratorState{}
	if err := json.Unmarshal(raw, &state); err != nil {
		return iteratorState{}, errors.Wrap(errInvalidIterator, err.Error())
	}
	if state.Stream == "" || state.Shard == "" {
		return iteratorState{}, errInvalidIterator
	}
	return state, nil
}

func descriptorFromMeta(meta *shardMeta) stream.ShardDescriptor {
	d := stream.ShardDescriptor{
		ID:            meta.ID,
		ParentID:      meta.Parent,
		FirstSequence: meta.FirstSeq,
	}
	if meta.Closed {
		d.Status = stream.ShardClosed
		d.LastSequence = meta.LastSeq
	}
	return d
}

// ListShards enumerates every shard of a stream, open and closed, with
// parent links.
func (l *Log) ListShards(ctx context.Context, streamID string) ([]stream.ShardDescriptor, error) {
	var out []stream.ShardDescriptor
	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := readCounter(txn, streamID); err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := metaPrefix(streamID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			meta := &shardMeta{}
			if err := json.Unmarshal(raw, meta); err != nil {
				return errors.Wrap(err, "corrupted shard metadata")
			}
			out = append(out, descriptorFromMeta(meta))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetShardIterator opens a cursor into one shard. Accepted positions are
// TrimHorizon, Latest, AtSequence and AfterSequence.
func (l *Log) GetShardIterator(ctx context.Context, streamID, shardID string, pos stream.Position) (string, error) {
	var next uint64
	err := l.db.View(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, streamID, shardID)
		if err != nil {
			return err
		}
		switch pos.Kind() {
		case stream.PositionTrimHorizon:
			next = meta.TrimSeq
			if next == 0 {
				next = 1
			}
		case stream.PositionLatest:
			counter, err := readCounter(txn, streamID)
			if err != nil {
				return err
			}
			next = counter
		case stream.PositionAtSequence:
			next = pos.Sequence()
		case stream.PositionAfterSequence:
			next = pos.Sequence() + 1
		default:
			return errors.Wrapf(stream.ErrUnsupportedPosition, "%s", pos.Kind())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return encodeIterator(iteratorState{Stream: streamID, Shard: shardID, Next: next}), nil
}

// GetRecords reads up to maxRecords records from the cursor. Zero records
// with a non-empty next iterator means an open shard with nothing new yet.
// An empty next iterator means the shard is drained for good.
func (l *Log) GetRecords(ctx context.Context, iterator string, maxRecords int) (stream.GetRecordsOutput, error) {
	state, err := decodeIterator(iterator)
	if err != nil {
		return stream.GetRecordsOutput{}, err
	}
	if maxRecords <= 0 {
		maxRecords = 100
	}
	out := stream.GetRecordsOutput{}
	err = l.db.View(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, state.Stream, state.Shard)
		if err != nil {
			return err
		}
		if state.Next < meta.TrimSeq {
			return errors.Wrapf(stream.ErrIteratorStale,
				"stream %s shard %s: sequence %d is below trim horizon %d",
				state.Stream, state.Shard, state.Next, meta.TrimSeq)
		}
		prefix := recordPrefix(state.Stream, state.Shard)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		next := state.Next
		for it.Seek(recordKey(state.Stream, state.Shard, state.Next)); it.ValidForPrefix(prefix); it.Next() {
			if len(out.Records) >= maxRecords {
				break
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			out.Records = append(out.Records, stream.Record{
				ShardID:        state.Shard,
				SequenceNumber: e.sequence,
				Timestamp:      e.time(),
				Payload:        e.payload,
			})
			next = e.sequence + 1
		}
		if meta.Closed && next > meta.LastSeq {
			out.NextIterator = ""
			return nil
		}
		out.NextIterator = encodeIterator(iteratorState{Stream: state.Stream, Shard: state.Shard, Next: next})
		return nil
	})
	if err != nil {
		return stream.GetRecordsOutput{}, err
	}
	return out, nil
}
