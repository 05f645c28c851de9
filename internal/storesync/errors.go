package storesync

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNetworkFailure     = errors.New("network failure")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrAdjustmentRejected = errors.New("adjustment rejected")
	ErrOrderRejected      = errors.New("order rejected")
	ErrStaleGeneration    = errors.New("stale generation")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
)

// SyncError carries the failed operation and collection key alongside one of
// the sentinel kinds above. A timeout also matches ErrNetworkFailure so
// callers can treat both as retry-eligible.
type SyncError struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *SyncError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Key != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Key, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrTimeout && target == ErrNetworkFailure
}

func newSyncError(op, key string, kind, err error) *SyncError {
	return &SyncError{Op: op, Key: key, Kind: kind, Err: err}
}

// classifyTransport maps a fetch or confirmation failure onto the taxonomy.
func classifyTransport(op, key string, err error) *SyncError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newSyncError(op, key, ErrTimeout, err)
	}
	return newSyncError(op, key, ErrNetworkFailure, err)
}

// IsRetryable reports whether re-invoking the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
