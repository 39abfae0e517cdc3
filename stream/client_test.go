package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// fakeLog is an in-memory LogClient with scriptable failures, used to drive
// the coordinator through shard lifecycles without a real backend.
type fakeLog struct {
	streamID string
	shards   map[string]*fakeShard
	order    []string
	seq      uint64

	failListShards int
	failGetRecords int
}

type fakeShard struct {
	descriptor ShardDescriptor
	records    []Record
	trim       uint64
}

func newFakeLog(streamID string) *fakeLog {
	return &fakeLog{streamID: streamID, shards: make(map[string]*fakeShard)}
}

func (f *fakeLog) addShard(id, parent string) *fakeShard {
	s := &fakeShard{descriptor: ShardDescriptor{ID: id, ParentID: parent, Status: ShardOpen}}
	f.shards[id] = s
	f.order = append(f.order, id)
	return s
}

func (f *fakeLog) append(id string, ts int64) Record {
	s := f.shards[id]
	f.seq++
	record := Record{
		ShardID:        id,
		SequenceNumber: f.seq,
		Timestamp:      time.Unix(ts, 0),
		Payload:        []byte(fmt.Sprintf("record-%d", f.seq)),
	}
	s.records = append(s.records, record)
	if s.descriptor.FirstSequence == 0 {
		s.descriptor.FirstSequence = f.seq
	}
	return record
}

func (f *fakeLog) close(id string) {
	s := f.shards[id]
	s.descriptor.Status = ShardClosed
	if n := len(s.records); n > 0 {
		s.descriptor.LastSequence = s.records[n-1].SequenceNumber
	}
}

func (f *fakeLog) split(id string, children ...string) {
	f.close(id)
	for _, child := range children {
		f.addShard(child, id)
	}
}

// trimBefore drops every record with a sequence number below seq.
func (f *fakeLog) trimBefore(id string, seq uint64) {
	s := f.shards[id]
	kept := s.records[:0]
	for _, record := range s.records {
		if record.SequenceNumber >= seq {
			kept = append(kept, record)
		}
	}
	s.records = kept
	s.trim = seq
}

func (f *fakeLog) ListShards(_ context.Context, streamID string) ([]ShardDescriptor, error) {
	if f.failListShards > 0 {
		f.failListShards--
		return nil, errors.New("injected list failure")
	}
	if streamID != f.streamID {
		return nil, errors.Errorf("unknown stream %s", streamID)
	}
	out := make([]ShardDescriptor, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.shards[id].descriptor)
	}
	return out, nil
}

func (f *fakeLog) GetShardIterator(_ context.Context, streamID, shardID string, pos Position) (string, error) {
	s, ok := f.shards[shardID]
	if !ok {
		return "", errors.Errorf("unknown shard %s", shardID)
	}
	var next uint64
	switch pos.Kind() {
	case PositionTrimHorizon:
		next = s.trim
		if len(s.records) > 0 && s.records[0].SequenceNumber > next {
			next = s.records[0].SequenceNumber
		}
		if next == 0 {
			next = 1
		}
	case PositionLatest:
		next = f.seq + 1
	case PositionAtSequence:
		next = pos.Sequence()
	case PositionAfterSequence:
		next = pos.Sequence() + 1
	default:
		return "", ErrUnsupportedPosition
	}
	return shardID + "/" + strconv.FormatUint(next, 10), nil
}

func (f *fakeLog) GetRecords(_ context.Context, iterator string, maxRecords int) (GetRecordsOutput, error) {
	if f.failGetRecords > 0 {
		f.failGetRecords--
		return GetRecordsOutput{}, errors.New("injected fetch failure")
	}
	parts := strings.SplitN(iterator, "/", 2)
	s, ok := f.shards[parts[0]]
	if !ok {
		return GetRecordsOutput{}, errors.Errorf("invalid iterator %s", iterator)
	}
	next, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return GetRecordsOutput{}, errors.Errorf("invalid iterator %s", iterator)
	}
	if next < s.trim {
		return GetRecordsOutput{}, errors.Wrapf(ErrIteratorStale, "shard %s sequence %d", parts[0], next)
	}
	out := GetRecordsOutput{}
	for _, record := range s.records {
		if record.SequenceNumber < next {
			continue
		}
		if len(out.Records) >= maxRecords {
			break
		}
		out.Records = append(out.Records, record)
		next = record.SequenceNumber + 1
	}
	if s.descriptor.Status == ShardClosed && next > s.descriptor.LastSequence {
		return out, nil
	}
	out.NextIterator = parts[0] + "/" + strconv.FormatUint(next, 10)
	return out, nil
}
