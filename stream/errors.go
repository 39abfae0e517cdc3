package stream

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedToken is returned by Open when a continuation token cannot
	// be decoded. No partial coordinator is ever returned alongside it.
	ErrMalformedToken = errors.New("malformed continuation token")

	// ErrIteratorStale must be returned (possibly wrapped) by LogClient
	// implementations when an iterator points below a shard's trim horizon.
	ErrIteratorStale = errors.New("iterator is below the trim horizon")

	// ErrUnsupportedPosition is returned by LogClient implementations for
	// position kinds GetShardIterator does not accept.
	ErrUnsupportedPosition = errors.New("unsupported position kind")
)

// TransientError wraps a remote log failure that left the coordinator state
// untouched. The caller should back off and retry the same call.
type TransientError struct {
	cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient change log failure: %v", e.cause)
}

func (e *TransientError) Cause() error  { return e.cause }
func (e *TransientError) Unwrap() error { return e.cause }

// IsTransient reports whether err is a retryable remote log failure.
func IsTransient(err error) bool {
	for err != nil {
		if _, ok := err.(*TransientError); ok {
			return true
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}

func transient(err error) error {
	return &TransientError{cause: err}
}

func isStale(err error) bool {
	return errors.Cause(err) == ErrIteratorStale
}

// StaleTokenError reports which shards of a resumed traversal point below
// the log's retention window. Other shards in the same token are unaffected
// and keep streaming; the caller decides whether to restart the stale
// lineages at the trim horizon (RestartAtTrimHorizon) or abandon the
// traversal.
type StaleTokenError struct {
	StreamID string
	ShardIDs []string
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("stream %s: resume position fell out of retention for shard(s) %s",
		e.StreamID, strings.Join(e.ShardIDs, ", "))
}
