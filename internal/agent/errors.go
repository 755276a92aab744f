package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrCycleInProgress is returned when an evaluation is requested
	// while another is in flight. Manual and scheduled triggers share it.
	ErrCycleInProgress = errors.New("evaluation already in progress")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// AbortError reports a cycle that ended in ABORTED. No mutating tool was
// invoked and no Decision was written.
type AbortError struct {
	State  State // state the cycle was in when it aborted
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cycle aborted in %s: %s", e.State, e.Reason)
	}
	return fmt.Sprintf("cycle aborted in %s: %s: %v", e.State, e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// IsAborted reports whether err is an *AbortError.
func IsAborted(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
