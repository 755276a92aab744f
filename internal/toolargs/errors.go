package toolargs

import "fmt"

// ValidationError reports a tool argument that could not be coerced or
// failed schema validation. It is never retried.
type ValidationError struct {
	Tool   string
	Field  string // empty for whole-object failures
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid argument %s.%s (%v): %s", e.Tool, e.Field, e.Value, e.Reason)
}
