package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of one tool invocation: either Success with the
// tool's text payload or Failure with a reason. It is never nil and
// never accompanied by an error.
type Result struct {
	Tool     string
	OK       bool
	Value    string
	Reason   string
	Err      error // underlying protocol error, nil for tool-reported failures
	Attempts int
	Duration time.Duration
}

// Success builds a successful result.
func Success(tool, value string) Result {
	return Result{Tool: tool, OK: true, Value: value}
}

// Failure builds a failed result.
func Failure(tool, reason string) Result {
	return Result{Tool: tool, Reason: reason}
}

// Decode unmarshals a successful JSON payload into v.
func (r Result) Decode(v any) error {
	if !r.OK {
		return fmt.Errorf("%s failed: %s", r.Tool, r.Reason)
	}
	if err := json.Unmarshal([]byte(r.Value), v); err != nil {
		return fmt.Errorf("%s returned malformed payload: %w", r.Tool, err)
	}
	return nil
}

// String renders the result the way it is fed back to the model.
func (r Result) String() string {
	if r.OK {
		return r.Value
	}
	return "Error: " + r.Reason
}

// backendErrorPrefixes are text payloads providers use to signal a
// failure without setting isError.
var backendErrorPrefixes = []string{"Error:", "Connection error:", "Unknown tool:"}

// backendError reports whether a successful payload is really a failure.
func backendError(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, p := range backendErrorPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "Error:")), true
		}
	}
	return "", false
}
