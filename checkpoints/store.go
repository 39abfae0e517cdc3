// Package checkpoints persists named continuation tokens between process
// runs, so a consumer can resume a traversal exactly where a previous run
// left off.
package checkpoints

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"

	"github.com/wilfre/bloop/stream"
)

var ErrCheckpointNotFound = errors.New("checkpoint does not exist")

// Checkpoint is one saved traversal position.
type Checkpoint struct {
	Name    string       `json:"name"`
	Token   stream.Token `json:"token"`
	SavedAt time.Time    `json:"saved_at"`
}

// Store keeps checkpoints in a badger database.
type Store struct {
	db    *badger.DB
	clock func() time.Time
}

type storeOption func(*Store)

func WithClock(clock func() time.Time) storeOption {
	return func(s *Store) { s.clock = clock }
}

func Open(datadir string, opts ...storeOption) (*Store, error) {
	options := badger.DefaultOptions(datadir)
	options = options.WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint database")
	}
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Save(name string, token stream.Token) error {
	if name == "" {
		return errors.New("checkpoint name must not be empty")
	}
	raw, err := json.Marshal(Checkpoint{Name: name, Token: token, SavedAt: s.clock()})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), raw)
	})
}

func (s *Store) Load(name string) (Checkpoint, error) {
	checkpoint := Checkpoint{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err == badger.ErrKeyNotFound {
			return errors.Wrapf(ErrCheckpointNotFound, "checkpoint %s", name)
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &checkpoint)
	})
	return checkpoint, err
}

func (s *Store) Delete(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
}

// List returns every saved checkpoint, sorted by name.
func (s *Store) List() ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			checkpoint := Checkpoint{}
			if err := json.Unmarshal(raw, &checkpoint); err != nil {
				return err
			}
			out = append(out, checkpoint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// IsNotFound reports whether err means the checkpoint does not exist.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrCheckpointNotFound
}
