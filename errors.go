package syncache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed store, query or manager.
	ErrClosed = errors.New("syncache: closed")

	// ErrCancelled marks a request that was superseded or abandoned. Readers
	// only see it when SetKey moves their query to another key mid-wait.
	ErrCancelled = errors.New("syncache: request cancelled")

	// ErrNoPendingUpdate is returned by Retry/Rollback when the entity has no
	// optimistic update to act on.
	ErrNoPendingUpdate = errors.New("syncache: no pending update")

	// ErrConfirmInFlight is returned by Retry while a confirmation is still running.
	ErrConfirmInFlight = errors.New("syncache: confirmation in flight")
)

// ExhaustedError is surfaced to every waiter of a request whose retry budget
// ran out, or whose last error was permanent (see Permanent). Last holds the
// final attempt's error.
type ExhaustedError struct {
	Key      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch %q failed after %d attempt(s): %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// MutationRejectedError records a failed confirmation. It is never retried
// automatically; the caller decides between Retry and letting the rollback fire.
type MutationRejectedError struct {
	EntityID string
	Attempt  int
	Err      error
}

func (e *MutationRejectedError) Error() string {
	return fmt.Sprintf("mutation of %q rejected (attempt %d): %v", e.EntityID, e.Attempt, e.Err)
}

func (e *MutationRejectedError) Unwrap() error { return e.Err }

type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
