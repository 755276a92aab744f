// Package mcp is the tool client: it discovers and invokes the remote
// weather, forecast and thermostat tools exposed by one or more
// providers speaking JSON-RPC 2.0 over HTTP POST.
//
// [Client] speaks the wire protocol to a single provider (initialize,
// tools/list, tools/call, ping). [Catalog] merges the providers into one
// tool namespace and is the only place calls are retried: every
// invocation is bounded by a per-attempt timeout, transient transport
// failures are retried under a [retry.Policy], and the outcome is always
// a [Result] rather than an error.
package mcp
