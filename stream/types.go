package stream

import (
	"context"
	"time"
)

// ShardStatus describes whether a shard is still being written to.
type ShardStatus int

const (
	// ShardOpen means the shard may still receive new records.
	ShardOpen ShardStatus = iota
	// ShardClosed means the shard's sequence range is final. A shard never
	// reopens.
	ShardClosed
)

func (s ShardStatus) String() string {
	if s == ShardClosed {
		return "closed"
	}
	return "open"
}

// ShardDescriptor identifies one partition of a change stream and its place
// in the succession forest.
type ShardDescriptor struct {
	ID             string
	ParentID       string
	FirstSequence  uint64
	LastSequence   uint64
	Status         ShardStatus
}

// Record is one change entry read from a shard. The payload is opaque to the
// coordinator: only the sequence number and timestamp drive its bookkeeping.
type Record struct {
	ShardID        string
	SequenceNumber uint64
	Timestamp      time.Time
	Payload        []byte
}

// PositionKind enumerates the ways a cursor can be placed inside a shard.
type PositionKind int

const (
	PositionTrimHorizon PositionKind = iota
	PositionLatest
	PositionAtSequence
	PositionAfterSequence
	PositionAtTimestamp
	PositionFromToken
)

func (k PositionKind) String() string {
	switch k {
	case PositionTrimHorizon:
		return "trim-horizon"
	case PositionLatest:
		return "latest"
	case PositionAtSequence:
		return "at-sequence"
	case PositionAfterSequence:
		return "after-sequence"
	case PositionAtTimestamp:
		return "at-timestamp"
	case PositionFromToken:
		return "from-token"
	}
	return "unknown"
}

// Position is a starting point for a cursor, either inside one shard
// (TrimHorizon, Latest, AtSequence, AfterSequence) or for a whole stream
// traversal (AtTimestamp, FromToken).
type Position struct {
	kind      PositionKind
	sequence  uint64
	timestamp time.Time
	token     Token
}

// TrimHorizon positions at the oldest retained record.
func TrimHorizon() Position { return Position{kind: PositionTrimHorizon} }

// Latest positions at the tail: only records written afterwards are seen.
func Latest() Position { return Position{kind: PositionLatest} }

// AtSequence positions at the record with the given sequence number.
func AtSequence(n uint64) Position { return Position{kind: PositionAtSequence, sequence: n} }

// AfterSequence positions just past the record with the given sequence number.
func AfterSequence(n uint64) Position { return Position{kind: PositionAfterSequence, sequence: n} }

// AtTimestamp positions at the first record whose creation time is at or
// after t. Resolving it requires a linear scan of the retained records.
func AtTimestamp(t time.Time) Position { return Position{kind: PositionAtTimestamp, timestamp: t} }

// FromToken resumes a traversal captured by Coordinator.Token.
func FromToken(t Token) Position { return Position{kind: PositionFromToken, token: t} }

func (p Position) Kind() PositionKind { return p.kind }

// Sequence is meaningful only for AtSequence and AfterSequence positions.
func (p Position) Sequence() uint64 { return p.sequence }

// Timestamp is meaningful only for AtTimestamp positions.
func (p Position) Timestamp() time.Time { return p.timestamp }

// GetRecordsOutput is one page of records plus the cursor for the next page.
// NextIterator is empty once the shard is fully drained: closed, with every
// retained record already returned.
type GetRecordsOutput struct {
	Records      []Record
	NextIterator string
}

// LogClient is the surface the coordinator needs from the change log
// service. Implementations must guarantee per-shard ordering of records and
// may return zero records from GetRecords without error when an open shard
// has nothing new yet.
type LogClient interface {
	ListShards(ctx context.Context, streamID string) ([]ShardDescriptor, error)
	GetShardIterator(ctx context.Context, streamID, shardID string, pos Position) (string, error)
	GetRecords(ctx context.Context, iterator string, maxRecords int) (GetRecordsOutput, error)
}
