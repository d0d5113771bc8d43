package notes

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

var (
	// ErrPermissionDenied rejects a mutation before any network call. Not retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNetworkUnavailable is transient; the entry stays pending.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrRemoteConflict marks a push the remote rejected; needs explicit resolution.
	ErrRemoteConflict = errors.New("remote conflict")
	// ErrStorageCorruption is fatal and local-only.
	ErrStorageCorruption = errors.New("local storage corruption")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	ErrUnauthenticated = errors.Mark(errors.New("unauthenticated"), ErrPermissionDenied)
)

var (
	Wrap  = errors.Wrap
	Wrapf = errors.Wrapf
)

// ReconcileError is a non-fatal failure for a single note during a drain.
type ReconcileError struct {
	NoteID string
	Op     SyncState
	Err    error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("sync %s for note %s: %v", e.Op, e.NoteID, e.Err)
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a transport failure that leaves entries pending.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRejection reports whether the remote refused a push in a way retrying cannot fix.
func IsRejection(err error) bool {
	return errors.IsAny(err, ErrPermissionDenied, ErrNotFound, ErrRemoteConflict)
}

// Unavailable marks err as a network failure while keeping its message.
func Unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrNetworkUnavailable)
}

// Corrupt marks err as local storage corruption.
func Corrupt(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStorageCorruption)
}
