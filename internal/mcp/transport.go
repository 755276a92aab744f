package mcp

import "context"

// Transport delivers JSON-RPC messages to one provider. Transport
// failures are returned as *ProtocolError with Temporary set when a
// retry may succeed.
type Transport interface {
	// Send sends a JSON-RPC request and returns the decoded response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close releases resources held by the transport.
	Close() error
}
