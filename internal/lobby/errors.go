package lobby

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation reports that a freshly created session refused its
// first seat. It indicates a logic or storage bug and is never retried.
var ErrInvariantViolation = errors.New("allocator invariant violation")

// ErrPersistence matches every PersistenceError via errors.Is.
var ErrPersistence = errors.New("persistence failure")

// PersistenceError is returned when a store call fails. When Committed is
// true the in-memory seat was already reserved and stays reserved.
type PersistenceError struct {
	Op        string
	SessionID string
	Committed bool
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
