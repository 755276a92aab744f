package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/climate-agent/internal/retry"
)

// DefaultCallTimeout bounds a single attempt of a tool call.
const DefaultCallTimeout = 10 * time.Second

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	// Retry governs retries of transient failures, per call.
	Retry retry.Policy

	// Timeout bounds each attempt. Timeouts overrides it per provider.
	Timeout  time.Duration
	Timeouts map[string]time.Duration

	Logger *slog.Logger
}

type catalogEntry struct {
	def    ToolDefinition
	client *Client
}

// Catalog merges several providers into one tool namespace. It is safe
// for concurrent use.
type Catalog struct {
	clients  []*Client
	policy   retry.Policy
	timeout  time.Duration
	timeouts map[string]time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	tools map[string]catalogEntry
	owned map[string][]string // provider -> tool names
}

// NewCatalog creates a catalog over the given providers. Order matters:
// when two providers expose the same tool name the earlier one wins.
func NewCatalog(cfg CatalogConfig, clients ...*Client) *Catalog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Catalog{
		clients:  clients,
		policy:   cfg.Retry,
		timeout:  timeout,
		timeouts: cfg.Timeouts,
		logger:   logger,
		tools:    make(map[string]catalogEntry),
		owned:    make(map[string][]string),
	}
}

// Discover performs the handshake and lists tools on every provider.
// Unreachable providers contribute no tools and are logged; Discover
// fails only when no provider succeeded, in which case the returned
// error wraps ErrNoProviders and each provider's *ProtocolError.
func (c *Catalog) Discover(ctx context.Context) ([]ToolDefinition, error) {
	var errs []error
	ok := 0
	for _, client := range c.clients {
		if err := c.discoverOne(ctx, client); err != nil {
			c.logger.Warn("tool discovery failed",
				"mcp_server", client.Name(),
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		ok++
	}

	defs := c.Definitions()
	if ok == 0 && len(c.clients) > 0 {
		return defs, fmt.Errorf("%w: %w", ErrNoProviders, errors.Join(errs...))
	}
	c.logger.Info("tool discovery complete",
		"providers", len(c.clients),
		"reachable", ok,
		"tools", len(defs),
	)
	return defs, nil
}

// Refresh re-discovers a single provider, replacing its tools.
func (c *Catalog) Refresh(ctx context.Context, provider string) error {
	for _, client := range c.clients {
		if client.Name() == provider {
			return c.discoverOne(ctx, client)
		}
	}
	return fmt.Errorf("unknown provider %q", provider)
}

func (c *Catalog) discoverOne(ctx context.Context, client *Client) error {
	timeout := c.timeoutFor(client.Name())

	var defs []ToolDefinition
	_, err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if !client.Initialized() {
			if err := client.Initialize(callCtx); err != nil {
				return retryable(err)
			}
		}
		list, err := client.ListTools(callCtx)
		if err != nil {
			return retryable(err)
		}
		defs = list
		return nil
	})
	if err != nil {
		c.drop(client.Name())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(client.Name())
	for _, d := range defs {
		if prev, dup := c.tools[d.Name]; dup {
			c.logger.Warn("duplicate tool name, keeping first provider",
				"tool", d.Name,
				"kept", prev.def.Provider,
				"ignored", client.Name(),
			)
			continue
		}
		d.Provider = client.Name()
		c.tools[d.Name] = catalogEntry{def: d, client: client}
		c.owned[client.Name()] = append(c.owned[client.Name()], d.Name)
	}
	return nil
}

func (c *Catalog) drop(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(provider)
}

func (c *Catalog) dropLocked(provider string) {
	for _, name := range c.owned[provider] {
		delete(c.tools, name)
	}
	delete(c.owned, provider)
}

// Definitions returns the current catalog sorted by name.
func (c *Catalog) Definitions() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(c.tools))
	for _, e := range c.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the definition of a discovered tool.
func (c *Catalog) Lookup(name string) (ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	return e.def, ok
}

// Has reports whether a tool is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Providers returns the configured provider names in order.
func (c *Catalog) Providers() []string {
	out := make([]string, len(c.clients))
	for i, client := range c.clients {
		out[i] = client.Name()
	}
	return out
}

// Invoke calls a tool and always returns a Result. Each attempt is
// bounded by the provider's timeout; transient transport failures are
// retried under the catalog's policy. JSON-RPC errors, tool-reported
// errors, and malformed responses fail immediately.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any) Result {
	return c.invoke(ctx, name, args, c.policy)
}

// InvokeOnce calls a tool with a single bounded attempt. Mutating tools
// go through here: a timed-out write may already have been applied.
func (c *Catalog) InvokeOnce(ctx context.Context, name string, args map[string]any) Result {
	return c.invoke(ctx, name, args, retry.Policy{Attempts: 1})
}

func (c *Catalog) invoke(ctx context.Context, name string, args map[string]any, policy retry.Policy) Result {
	start := time.Now()

	c.mu.RLock()
	entry, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok {
		r := Failure(name, fmt.Sprintf("unknown tool %q", name))
		r.Err = ErrUnknownTool
		return r
	}

	log := c.logger.With("tool", name, "mcp_server", entry.def.Provider)
	timeout := c.timeoutFor(entry.def.Provider)

	var out CallResult
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := entry.client.CallTool(callCtx, name, args)
		if err != nil {
			if IsTemporary(err) && ctx.Err() == nil {
				log.Debug("tool call failed, will retry", "attempt", attempt, "error", err)
			}
			return retryable(err)
		}
		out = res
		return nil
	})

	var r Result
	switch {
	case err != nil:
		r = Failure(name, err.Error())
		r.Err = err
		log.Warn("tool call failed", "attempts", attempts, "error", err)
	case out.IsError:
		r = Failure(name, out.Text)
		log.Warn("tool reported error", "reason", out.Text)
	default:
		if reason, bad := backendError(out.Text); bad {
			r = Failure(name, reason)
			log.Warn("tool reported error", "reason", reason)
		} else {
			r = Success(name, out.Text)
		}
	}
	r.Attempts = attempts
	r.Duration = time.Since(start)
	return r
}

// Ping checks one provider's liveness with a single bounded attempt.
func (c *Catalog) Ping(ctx context.Context, provider string) error {
	for _, client := range c.clients {
		if client.Name() != provider {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(provider))
		defer cancel()
		return client.Ping(callCtx)
	}
	return fmt.Errorf("unknown provider %q", provider)
}

// Close closes every provider client.
func (c *Catalog) Close() error {
	var errs []error
	for _, client := range c.clients {
		errs = append(errs, client.Close())
	}
	return errors.Join(errs...)
}

func (c *Catalog) timeoutFor(provider string) time.Duration {
	if d, ok := c.timeouts[provider]; ok && d > 0 {
		return d
	}
	return c.timeout
}

// retryable marks everything except temporary protocol errors as
// permanent for the retry policy.
func retryable(err error) error {
	if IsTemporary(err) {
		return err
	}
	return retry.Permanent(err)
}
