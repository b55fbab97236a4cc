package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotPresent is returned when a lock operation is attempted by a user
	// with no live presence entry for the document. Recoverable by fetching
	// the presence snapshot (which joins) first.
	ErrNotPresent = errors.New("coedit: caller not present in document")
	// ErrUnknownSession is returned by a heartbeat without a prior join.
	ErrUnknownSession = errors.New("coedit: heartbeat without prior join")
	// ErrLockNotHeld is returned when a release or renew is attempted by a
	// user that does not hold the lock. Indicates stale client state.
	ErrLockNotHeld = errors.New("coedit: lock not held by caller")
	// ErrStoreUnavailable is returned when the shared state store cannot be
	// reached. The request must abort; callers retry with backoff.
	ErrStoreUnavailable = errors.New("coedit: state store unavailable")
	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("coedit: timeout")
	// ErrConnectionClosed is returned when the store connection is closed.
	ErrConnectionClosed = errors.New("coedit: connection closed")
)

// ConflictError reports a lock acquisition attempt on a section already
// held by a different, still-valid holder. Expected and non-fatal.
type ConflictError struct {
	HeldBy string
	Since  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("coedit: section locked by %s since %s", e.HeldBy, e.Since.Format(time.RFC3339))
}

// AsConflict unwraps err into a ConflictError if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
