package engine

import (
	"errors"
	"fmt"
)

var (
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
	ErrTimeout     = errors.New("task timed out")
)

// NoRetry marks an error as non-retryable.
//
// Resolution and validation failures are wrapped so the attempt loop stops
// at once; they still count as a failed execution.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("resolve %s: %w", script, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// ExitError is a non-zero script exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }
