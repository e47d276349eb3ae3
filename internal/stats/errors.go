package stats

import (
	"errors"
	"fmt"
)

// ErrLockPoisoned is returned once a writer has panicked while holding the window.
var ErrLockPoisoned = errors.New("window lock poisoned by a panicking writer")

// WindowTooLargeError reports a requested window length above the configured capacity.
type WindowTooLargeError struct {
	Window   int
	Capacity int
}

func (e *WindowTooLargeError) Error() string {
	return fmt.Sprintf("moving window (%d) is larger than universe window %d", e.Window, e.Capacity)
}

// InvalidWindowError reports a non-positive window length.
type InvalidWindowError struct {
	Window int
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("moving window (%d) must be positive", e.Window)
}

// LengthMismatchError reports an average sequence that does not line up with
// the current window contents.
type LengthMismatchError struct {
	Window   int
	Expected int
	Actual   int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("means for window %d: expected %d values, got %d", e.Window, e.Expected, e.Actual)
}

// LockError is an infrastructure failure acquiring access to the window.
// It wraps either ErrLockPoisoned or the context error that ended the wait.
type LockError struct {
	Op  string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("acquire %s access: %v", e.Op, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// IsDomainError reports whether err is a caller-correctable request error
// rather than an infrastructure fault.
func IsDomainError(err error) bool {
	var tooLarge *WindowTooLargeError
	var invalid *InvalidWindowError
	var mismatch *LengthMismatchError
	return errors.As(err, &tooLarge) || errors.As(err, &invalid) || errors.As(err, &mismatch)
}
