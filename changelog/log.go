// Package changelog is a local change log: a forest of append-only shards
// per stream, with parent/child succession, bounded retention and cursor
// based consumption. It implements the client surface the stream package
// coordinates over.
package changelog

import (
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrStreamNotFound      = errors.New("stream does not exist")
	ErrStreamAlreadyExists = errors.New("stream already exists")
	ErrShardNotFound       = errors.New("shard does not exist")
	ErrShardClosed         = errors.New("shard is closed")
)

// Log stores streams of change records in a badger database. One Log owns
// its data directory; it is safe for concurrent use.
type Log struct {
	db      *badger.DB
	mtx     sync.Mutex
	clock   func() time.Time
	entropy io.Reader
	logger  *zap.Logger
}

type logOption func(*Log)

// WithClock overrides the wall clock used for record timestamps.
func WithClock(clock func() time.Time) logOption {
	return func(l *Log) { l.clock = clock }
}

func WithLogger(logger *zap.Logger) logOption {
	return func(l *Log) { l.logger = logger }
}

// Open opens or creates a change log in datadir.
func Open(datadir string, opts ...logOption) (*Log, error) {
	options := badger.DefaultOptions(datadir)
	options = options.WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open changelog database")
	}
	l := &Log{
		db:     db,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.entropy = ulid.Monotonic(rand.New(rand.NewSource(l.clock().UnixNano())), 0)
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

// shardMeta is the stored descriptor of one shard.
type shardMeta struct {
	ID        string `json:"id"`
	Parent    string `json:"parent,omitempty"`
	Closed    bool   `json:"closed,omitempty"`
	FirstSeq  uint64 `json:"first_seq,omitempty"`
	LastSeq   uint64 `json:"last_seq,omitempty"`
	TrimSeq   uint64 `json:"trim_seq,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func metaKey(stream, shard string) []byte { return []byte("m/" + stream + "/" + shard) }
func metaPrefix(stream string) []byte     { return []byte("m/" + stream + "/") }
func counterKey(stream string) []byte     { return []byte("c/" + stream) }

func recordPrefix(stream, shard string) []byte {
	return []byte("r/" + stream + "/" + shard + "/")
}

func recordKey(stream, shard string, seq uint64) []byte {
	prefix := recordPrefix(stream, shard)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	encoding.PutUint64(key[len(prefix):], seq)
	return key
}

func (l *Log) newShardID() string {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return ulid.MustNew(ulid.Timestamp(l.clock()), l.entropy).String()
}

func readMeta(txn *badger.Txn, stream, shard string) (*shardMeta, error) {
	item, err := txn.Get(metaKey(stream, shard))
	if err == badger.ErrKeyNotFound {
		return nil, errors.Wrapf(ErrShardNotFound, "stream %s shard %s", stream, shard)
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	meta := &shardMeta{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, errors.Wrap(err, "corrupted shard metadata")
	}
	return meta, nil
}

func writeMeta(txn *badger.Txn, stream string, meta *shardMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(stream, meta.ID), raw)
}

func readCounter(txn *badger.Txn, stream string) (uint64, error) {
	item, err := txn.Get(counterKey(stream))
	if err == badger.ErrKeyNotFound {
		return 0, errors.Wrapf(ErrStreamNotFound, "stream %s", stream)
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return encoding.Uint64(raw), nil
}

func writeCounter(txn *badger.Txn, stream string, next uint64) error {
	buf := make([]byte, 8)
	encoding.PutUint64(buf, next)
	return txn.Set(counterKey(stream), buf)
}

// CreateStream creates a stream with shardCount root shards and returns
// their ids.
func (l *Log) CreateStream(name string, shardCount int) ([]string, error) {
	if name == "" || shardCount < 1 {
		return nil, errors.New("invalid stream configuration")
	}
	ids := make([]string, shardCount)
	for i := range ids {
		ids[i] = l.newShardID()
	}
	now := l.clock()
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(counterKey(name)); err == nil {
			return errors.Wrapf(ErrStreamAlreadyExists, "stream %s", name)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := writeCounter(txn, name, 1); err != nil {
			return err
		}
		for _, id := range ids {
			if err := writeMeta(txn, name, &shardMeta{ID: id, CreatedAt: now.UnixNano()}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("stream created", zap.String("stream_id", name), zap.Int("shard_count", shardCount))
	return ids, nil
}

// Streams returns the names of all streams in the log, sorted.
func (l *Log) Streams() ([]string, error) {
	var out []string
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("c/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// Append writes one record to an open shard and returns its sequence number.
// Sequence numbers increase monotonically across the whole stream, so a
// child shard's records always order after its parent's.
func (l *Log) Append(streamID, shardID string, payload []byte) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, streamID, shardID)
		if err != nil {
			return err
		}
		if meta.Closed {
			return errors.Wrapf(ErrShardClosed, "stream %s shard %s", streamID, shardID)
		}
		next, err := readCounter(txn, streamID)
		if err != nil {
			return err
		}
		seq = next
		raw, err := encodeEntry(newEntry(seq, l.clock(), payload))
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(streamID, shardID, seq), raw); err != nil {
			return err
		}
		if err := writeCounter(txn, streamID, seq+1); err != nil {
			return err
		}
		if meta.FirstSeq == 0 {
			meta.FirstSeq = seq
		}
		meta.LastSeq = seq
		return writeMeta(txn, streamID, meta)
	})
	return seq, err
}

// SplitShard closes a shard and creates children succeeding it. Consumers
// drain the parent before reading the children.
func (l *Log) SplitShard(streamID, shardID string, children int) ([]string, error) {
	if children < 1 {
		return nil, errors.New("a split needs at least one child shard")
	}
	ids := make([]string, children)
	for i := range ids {
		ids[i] = l.newShardID()
	}
	now := l.clock()
	err := l.db.Update(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, streamID, shardID)
		if err != nil {
			return err
		}
		if meta.Closed {
			return errors.Wrapf(ErrShardClosed, "stream %s shard %s", streamID, shardID)
		}
		meta.Closed = true
		if err := writeMeta(txn, streamID, meta); err != nil {
			return err
		}
		for _, id := range ids {
			child := &shardMeta{ID: id, Parent: shardID, CreatedAt: now.UnixNano()}
			if err := writeMeta(txn, streamID, child); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("shard split",
		zap.String("stream_id", streamID),
		zap.String("shard_id", shardID),
		zap.Strings("children", ids))
	return ids, nil
}

// CloseShard closes a shard with no successors, ending its lineage.
func (l *Log) CloseShard(streamID, shardID string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, streamID, shardID)
		if err != nil {
			return err
		}
		if meta.Closed {
			return errors.Wrapf(ErrShardClosed, "stream %s shard %s", streamID, shardID)
		}
		meta.Closed = true
		return writeMeta(txn, streamID, meta)
	})
}

// Trim advances a shard's trim horizon, deleting every record with a
// sequence number below beforeSeq. Cursors positioned below the new horizon
// become stale.
func (l *Log) Trim(streamID, shardID string, beforeSeq uint64) error {
	return l.db.Update(func(txn *badger.Txn) error {
		meta, err := readMeta(txn, streamID, shardID)
		if err != nil {
			return err
		}
		prefix := recordPrefix(streamID, shardID)
		var doomed [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if encoding.Uint64(key[len(prefix):]) >= beforeSeq {
				break
			}
			doomed = append(doomed, key)
		}
		it.Close()
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		if beforeSeq > meta.TrimSeq {
			meta.TrimSeq = beforeSeq
		}
		return writeMeta(txn, streamID, meta)
	})
}
