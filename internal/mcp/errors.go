package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool is returned for a tool name not in the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoProviders is returned when discovery found no reachable
	// provider at all.
	ErrNoProviders = errors.New("no tool providers reachable")
)

// ProtocolError reports a provider that could not be reached or that
// answered with something other than a well-formed JSON-RPC response.
type ProtocolError struct {
	Server    string
	Op        string // JSON-RPC method, or "tools/call <name>"
	Err       error
	Temporary bool // a retry may succeed
}

func (e *ProtocolError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("mcp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mcp %s %s: %v", e.Server, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a ProtocolError worth retrying.
func IsTemporary(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Temporary
}

// withServer stamps server and op onto err, converting plain errors into
// a permanent ProtocolError.
func withServer(server, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		out := *pe
		out.Server = server
		out.Op = op
		return &out
	}
	return &ProtocolError{Server: server, Op: op, Err: err}
}
