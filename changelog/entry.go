package changelog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrCorruptedEntry           = errors.New("entry corrupted")
	ErrEntryTooBig              = errors.New("entry is too big")
	MaxEntrySize         uint64 = 20000000
)

var encoding = binary.BigEndian

const (
	checksumSize    = 4
	entryHeaderSize = 8 + 8 + 8 + checksumSize
)

// entry is the stored form of one change record: payload size, sequence
// number, creation timestamp (unix nanoseconds), crc32 checksum, payload.
type entry struct {
	sequence  uint64
	timestamp uint64
	checksum  []byte
	payload   []byte
}

func hash(b []byte) []byte {
	crc := crc32.NewIEEE()
	crc.Write(b)
	return crc.Sum(nil)
}

func newEntry(sequence uint64, ts time.Time, payload []byte) entry {
	return entry{
		sequence:  sequence,
		timestamp: uint64(ts.UnixNano()),
		checksum:  hash(payload),
		payload:   payload,
	}
}

func (e entry) isValid() bool { return bytes.Equal(hash(e.payload), e.checksum) }

func (e entry) time() time.Time { return time.Unix(0, int64(e.timestamp)) }

func encodeEntry(e entry) ([]byte, error) {
	if uint64(len(e.payload)) > MaxEntrySize {
		return nil, ErrEntryTooBig
	}
	buf := make([]byte, entryHeaderSize+len(e.payload))
	encoding.PutUint64(buf[0:8], uint64(len(e.payload)))
	encoding.PutUint64(buf[8:16], e.sequence)
	encoding.PutUint64(buf[16:24], e.timestamp)
	copy(buf[24:24+checksumSize], e.checksum)
	copy(buf[24+checksumSize:], e.payload)
	return buf, nil
}

func decodeEntry(buf []byte) (entry, error) {
	if len(buf) < entryHeaderSize {
		return entry{}, ErrCorruptedEntry
	}
	payloadSize := encoding.Uint64(buf[0:8])
	if payloadSize > MaxEntrySize || uint64(len(buf)-entryHeaderSize) != payloadSize {
		return entry{}, ErrCorruptedEntry
	}
	e := entry{
		sequence:  encoding.Uint64(buf[8:16]),
		timestamp: encoding.Uint64(buf[16:24]),
		checksum:  buf[24 : 24+checksumSize],
		payload:   buf[24+checksumSize:],
	}
	if !e.isValid() {
		return entry{}, ErrCorruptedEntry
	}
	return e, nil
}
