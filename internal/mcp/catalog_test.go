package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/climate-agent/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func provider(name string, tools ...string) (*mockTransport, *Client) {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{ProtocolVersion: protocolVersion})
	defs := make([]ToolDefinition, len(tools))
	for i, n := range tools {
		defs[i] = ToolDefinition{Name: n, Description: n + " from " + name}
	}
	mt.addResponse("tools/list", toolsListResult{Tools: defs})
	return mt, NewClient(name, mt, quietLogger())
}

func newTestCatalog(clients ...*Client) *Catalog {
	return NewCatalog(CatalogConfig{Retry: fastRetry(), Timeout: time.Second, Logger: quietLogger()}, clients...)
}

func TestCatalog_DiscoverMergesProviders(t *testing.T) {
	_, weather := provider("weather", "get_current_weather", "get_forecast")
	_, thermo := provider("thermostat", "get_thermostat_state", "set_thermostat_temperature")

	cat := newTestCatalog(weather, thermo)
	defs, err := cat.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(defs) != 4 {
		t.Fatalf("got %d tools, want 4", len(defs))
	}
	def, ok := cat.Lookup("set_thermostat_temperature")
	if !ok || def.Provider != "thermostat" || !def.Mutating() {
		t.Errorf("Lookup = %+v, %v", def, ok)
	}
}

func TestCatalog_DiscoverPartial(t *testing.T) {
	_, weather := provider("weather", "get_current_weather")
	down := newMockTransport()
	down.failNext("initialize", &ProtocolError{Op: "initialize", Err: errors.New("connection refused")})
	downClient := NewClient("ecobee", down, quietLogger())

	cat := newTestCatalog(downClient, weather)
	defs, err := cat.Discover(context.Background())
	if err != nil {
		t.Fatalf("partial discovery should not fail: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "get_current_weather" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestCatalog_DiscoverAllDown(t *testing.T) {
	down := newMockTransport()
	for range 3 {
		down.failNext("initialize", &ProtocolError{Op: "initialize", Err: errors.New("timeout"), Temporary: true})
	}
	cat := newTestCatalog(NewClient("weather", down, quietLogger()))

	_, err := cat.Discover(context.Background())
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Server != "weather" {
		t.Errorf("err should carry the provider's ProtocolError: %v", err)
	}
	if got := down.calls("initialize"); got != 3 {
		t.Errorf("initialize attempts = %d, want 3", got)
	}
}

func TestCatalog_DuplicateFirstWins(t *testing.T) {
	_, homeassistant := provider("homeassistant", "get_thermostat_state")
	_, ecobee := provider("ecobee", "get_thermostat_state")

	cat := newTestCatalog(homeassistant, ecobee)
	if _, err := cat.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	def, _ := cat.Lookup("get_thermostat_state")
	if def.Provider != "homeassistant" {
		t.Errorf("Provider = %q, want homeassistant", def.Provider)
	}
}

func discovered(t *testing.T, tools ...string) (*mockTransport, *Catalog) {
	t.Helper()
	mt, client := provider("weather", tools...)
	cat := newTestCatalog(client)
	if _, err := cat.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	return mt, cat
}

func TestCatalog_Invoke(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(mt *mockTransport)
		wantOK     bool
		wantReason string
		wantCalls  int
	}{
		{
			name: "success",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: `{"temperature_c":3}`}}})
			},
			wantOK:    true,
			wantCalls: 1,
		},
		{
			name: "retries transient failure",
			setup: func(mt *mockTransport) {
				mt.failNext("tools/call", &ProtocolError{Op: "tools/call", Err: errors.New("HTTP 503"), Temporary: true})
				mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "{}"}}})
			},
			wantOK:    true,
			wantCalls: 2,
		},
		{
			name: "rpc error not retried",
			setup: func(mt *mockTransport) {
				mt.addError("tools/call", CodeInternalError, "boom")
			},
			wantReason: "boom",
			wantCalls:  1,
		},
		{
			name: "malformed not retried",
			setup: func(mt *mockTransport) {
				mt.failNext("tools/call", &ProtocolError{Op: "tools/call", Err: errMalformed})
			},
			wantReason: "malformed",
			wantCalls:  1,
		},
		{
			name: "isError",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "no such entity"}}, IsError: true})
			},
			wantReason: "no such entity",
			wantCalls:  1,
		},
		{
			name: "error text",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "Error: API key invalid"}}})
			},
			wantReason: "API key invalid",
			wantCalls:  1,
		},
		{
			name: "connection error text",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "Connection error: refused"}}})
			},
			wantReason: "Connection error",
			wantCalls:  1,
		},
		{
			name: "exhausts retries",
			setup: func(mt *mockTransport) {
				for range 5 {
					mt.failNext("tools/call", &ProtocolError{Op: "tools/call", Err: context.DeadlineExceeded, Temporary: true})
				}
			},
			wantReason: "deadline exceeded",
			wantCalls:  3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt, cat := discovered(t, "get_current_weather")
			tt.setup(mt)

			r := cat.Invoke(context.Background(), "get_current_weather", nil)
			if r.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v (reason %q)", r.OK, tt.wantOK, r.Reason)
			}
			if !tt.wantOK && !strings.Contains(r.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want it to contain %q", r.Reason, tt.wantReason)
			}
			if got := mt.calls("tools/call"); got != tt.wantCalls {
				t.Errorf("tools/call sent %d times, want %d", got, tt.wantCalls)
			}
			if r.Attempts != tt.wantCalls {
				t.Errorf("Attempts = %d, want %d", r.Attempts, tt.wantCalls)
			}
		})
	}
}

func TestCatalog_InvokeOnceDoesNotRetry(t *testing.T) {
	mt, cat := discovered(t, "set_thermostat_temperature")
	mt.failNext("tools/call", &ProtocolError{Op: "tools/call", Err: context.DeadlineExceeded, Temporary: true})
	mt.addResponse("tools/call", callToolResult{Content: []ContentBlock{{Type: "text", Text: "{}"}}})

	r := cat.InvokeOnce(context.Background(), "set_thermostat_temperature", map[string]any{"temperature": 21.0})
	if r.OK {
		t.Fatal("expected failure from the single attempt")
	}
	if got := mt.calls("tools/call"); got != 1 {
		t.Errorf("tools/call sent %d times, want 1", got)
	}
	if r.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", r.Attempts)
	}
}

func TestCatalog_InvokeUnknownTool(t *testing.T) {
	_, cat := discovered(t, "get_current_weather")
	r := cat.Invoke(context.Background(), "get_humidity", nil)
	if r.OK || !errors.Is(r.Err, ErrUnknownTool) {
		t.Errorf("Invoke unknown = %+v", r)
	}
	if !strings.HasPrefix(r.String(), "Error: ") {
		t.Errorf("String() = %q, want Error: prefix", r.String())
	}
}

// hangingTransport blocks every call until its context ends.
type hangingTransport struct{ *mockTransport }

func (h *hangingTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Method != "tools/call" {
		return h.mockTransport.Send(ctx, req)
	}
	h.mu.Lock()
	h.sent = append(h.sent, *req)
	h.mu.Unlock()
	<-ctx.Done()
	return nil, &ProtocolError{Op: req.Method, Err: ctx.Err(), Temporary: true}
}

func TestCatalog_InvokeTimesOutPerAttempt(t *testing.T) {
	ht := &hangingTransport{mockTransport: newMockTransport()}
	ht.addResponse("initialize", initializeResult{})
	ht.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "get_current_weather"}}})

	cat := NewCatalog(CatalogConfig{
		Retry:    fastRetry(),
		Timeout:  time.Second,
		Timeouts: map[string]time.Duration{"weather": 20 * time.Millisecond},
		Logger:   quietLogger(),
	}, NewClient("weather", ht, quietLogger()))
	if _, err := cat.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r := cat.Invoke(context.Background(), "get_current_weather", nil)
	if r.OK {
		t.Fatal("hanging call should fail")
	}
	if r.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", r.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Invoke took %v, per-attempt timeout not applied", elapsed)
	}
}

func TestCatalog_RefreshReplacesTools(t *testing.T) {
	mt, cat := discovered(t, "get_current_weather")
	mt.responses["tools/list"] = nil
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "get_forecast"}}})

	if err := cat.Refresh(context.Background(), "weather"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if cat.Has("get_current_weather") || !cat.Has("get_forecast") {
		t.Errorf("tools after refresh = %+v", cat.Definitions())
	}
	if err := cat.Refresh(context.Background(), "nope"); err == nil {
		t.Error("Refresh of unknown provider should fail")
	}
}

func TestResult_Decode(t *testing.T) {
	var v struct {
		Temp float64 `json:"temperature_c"`
	}
	if err := Success("get_current_weather", `{"temperature_c": -3.5}`).Decode(&v); err != nil || v.Temp != -3.5 {
		t.Errorf("Decode = %v, %v", v, err)
	}
	if err := Success("get_current_weather", `not json`).Decode(&v); err == nil {
		t.Error("Decode of malformed payload should fail")
	}
	if err := Failure("get_current_weather", "down").Decode(&v); err == nil {
		t.Error("Decode of failure should fail")
	}
}

func TestToolDefinition(t *testing.T) {
	def := ToolDefinition{
		Name: "get_forecast",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"hours": map[string]any{"type": "integer"}},
			"required":   []any{"hours"},
		},
	}
	if def.Mutating() {
		t.Error("get_forecast is not mutating")
	}
	if got := def.Required(); len(got) != 1 || got[0] != "hours" {
		t.Errorf("Required() = %v", got)
	}
	if _, ok := def.Properties()["hours"]; !ok {
		t.Error("Properties() missing hours")
	}
	fn, _ := def.ForModel()["function"].(map[string]any)
	if fn["name"] != "get_forecast" {
		t.Errorf("ForModel() = %+v", def.ForModel())
	}
}
