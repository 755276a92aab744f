package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response // method -> queued responses; last one repeats
	errs      map[string][]error     // method -> queued transport errors
	sent      []Request
	notifs    []Notification
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string][]*Response),
		errs:      make(map[string][]error),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	})
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	})
}

// failNext makes the next Send for method return err before any queued
// response is consulted.
func (m *mockTransport) failNext(method string, err error) {
	m.errs[method] = append(m.errs[method], err)
}

func (m *mockTransport) calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.sent {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)

	if errs := m.errs[req.Method]; len(errs) > 0 {
		m.errs[req.Method] = errs[1:]
		return nil, errs[0]
	}

	queue := m.responses[req.Method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[req.Method] = queue[1:]
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func initialized(t *testing.T, mt *mockTransport) *Client {
	t.Helper()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: "weather-mcp", Version: "1.0.0"},
	})
	client := NewClient("weather", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return client
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	client := initialized(t, mt)

	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v, want one initialize", mt.sent)
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Fatalf("notifs = %+v, want notifications/initialized", mt.notifs)
	}
	if !client.Initialized() {
		t.Error("Initialized() = false after handshake")
	}

	client.mu.RLock()
	defer client.mu.RUnlock()
	if client.serverName != "weather-mcp" {
		t.Errorf("serverName = %q, want %q", client.serverName, "weather-mcp")
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	client := initialized(t, mt)
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{
		{Name: "get_current_weather", Description: "Current conditions", InputSchema: map[string]any{"type": "object"}},
		{Name: "get_forecast", Description: "Hourly forecast"},
	}})

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[1].Name != "get_forecast" {
		t.Errorf("tools[1].Name = %q, want %q", tools[1].Name, "get_forecast")
	}
}

func TestClient_ListTools_Malformed(t *testing.T) {
	mt := newMockTransport()
	client := initialized(t, mt)
	mt.addResponse("tools/list", map[string]any{"tools": []any{map[string]any{"description": "nameless"}}})

	_, err := client.ListTools(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if pe.Server != "weather" || pe.Temporary {
		t.Errorf("ProtocolError = %+v, want permanent error from weather", pe)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name      string
		result    callToolResult
		wantText  string
		wantIsErr bool
	}{
		{
			name:     "text",
			result:   callToolResult{Content: []ContentBlock{{Type: "text", Text: `{"temperature_c": 4.5}`}}},
			wantText: `{"temperature_c": 4.5}`,
		},
		{
			name:     "mixed blocks",
			result:   callToolResult{Content: []ContentBlock{{Type: "text", Text: "a"}, {Type: "image"}, {Type: "text", Text: "b"}}},
			wantText: "a\n[image]\nb",
		},
		{
			name:      "tool error",
			result:    callToolResult{Content: []ContentBlock{{Type: "text", Text: "thermostat offline"}}, IsError: true},
			wantText:  "thermostat offline",
			wantIsErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			client := initialized(t, mt)
			mt.addResponse("tools/call", tt.result)

			got, err := client.CallTool(context.Background(), "get_current_weather", nil)
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if got.Text != tt.wantText || got.IsError != tt.wantIsErr {
				t.Errorf("CallTool = %+v, want text %q isError %v", got, tt.wantText, tt.wantIsErr)
			}
		})
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	mt := newMockTransport()
	client := initialized(t, mt)
	mt.addError("tools/call", CodeInvalidParams, "hours must be an integer")

	_, err := client.CallTool(context.Background(), "get_forecast", map[string]any{"hours": "x"})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want wrapped *RPCError", err)
	}
	if IsTemporary(err) {
		t.Error("RPC errors must not be temporary")
	}
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Op != "tools/call get_forecast" {
		t.Errorf("Op = %q, want %q", pe.Op, "tools/call get_forecast")
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("thermostat", mt, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport was not closed")
	}
	if client.Name() != "thermostat" {
		t.Errorf("Name() = %q", client.Name())
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{"single", []ContentBlock{{Type: "text", Text: "hello"}}, "hello"},
		{"multiple", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"unknown type", []ContentBlock{{Type: "audio"}}, "[audio]"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
