package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/httpkit"
)

// maxResponseBytes bounds a single JSON-RPC response body.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTP transport to one tool provider.
type HTTPConfig struct {
	// URL is the JSON-RPC endpoint.
	URL string

	// Headers are sent with every request (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Per-call deadlines come from the
	// request context, so the default client has no overall timeout.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPTransport sends each JSON-RPC message as an HTTP POST and reads
// the response from the body.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session header for session affinity
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
	}
}

// Send posts a JSON-RPC request and decodes the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Op: req.Method, Err: fmt.Errorf("marshal request: %w", err)}
	}
	t.logger.Log(ctx, config.LevelTrace, "jsonrpc request", "url", t.url, "body", string(body))

	httpResp, err := t.post(ctx, body, "application/json")
	if err != nil {
		return nil, &ProtocolError{Op: req.Method, Err: err, Temporary: httpkit.IsTransient(err)}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, &ProtocolError{
			Op:        req.Method,
			Err:       fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, errBody),
			Temporary: httpkit.IsTransientStatus(httpResp.StatusCode),
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProtocolError{Op: req.Method, Err: fmt.Errorf("read response body: %w", err), Temporary: true}
	}
	t.logger.Log(ctx, config.LevelTrace, "jsonrpc response", "url", t.url, "body", string(respBody))

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProtocolError{Op: req.Method, Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	if err := resp.check(req.ID); err != nil {
		return nil, &ProtocolError{Op: req.Method, Err: err}
	}
	return &resp, nil
}

// Notify posts a JSON-RPC notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return &ProtocolError{Op: notif.Method, Err: fmt.Errorf("marshal notification: %w", err)}
	}

	httpResp, err := t.post(ctx, body, "")
	if err != nil {
		return &ProtocolError{Op: notif.Method, Err: err, Temporary: httpkit.IsTransient(err)}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return &ProtocolError{
			Op:        notif.Method,
			Err:       fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, errBody),
			Temporary: httpkit.IsTransientStatus(httpResp.StatusCode),
		}
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session", t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if sid := httpResp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// Close is a no-op; connections belong to the shared HTTP client pool.
func (t *HTTPTransport) Close() error {
	return nil
}
