package connwatch

import (
	"context"
	"time"
)

// ToolServers is the part of the tool catalog connwatch needs.
// *mcp.Catalog satisfies it.
type ToolServers interface {
	Providers() []string
	Ping(ctx context.Context, provider string) error
	Refresh(ctx context.Context, provider string) error
}

// Pinger is a model backend. llm.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatchToolServers starts one watcher per tool server. When a server
// becomes reachable its tool catalog is re-discovered, so a server that
// was down at startup contributes its tools once it comes up.
func (m *Manager) WatchToolServers(ctx context.Context, servers ToolServers, backoff BackoffConfig) {
	for _, name := range servers.Providers() {
		m.Watch(ctx, WatcherConfig{
			Name: name,
			Kind: KindToolServer,
			Probe: func(ctx context.Context) error {
				return servers.Ping(ctx, name)
			},
			Backoff: backoff,
			OnReady: func() {
				refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := servers.Refresh(refreshCtx, name); err != nil {
					m.logger.Warn("tool re-discovery failed", "provider", name, "error", err)
					return
				}
				m.logger.Info("tools re-discovered", "provider", name)
			},
		})
	}
}

// WatchModel starts a watcher for the model backend.
func (m *Manager) WatchModel(ctx context.Context, name string, client Pinger, backoff BackoffConfig) *Watcher {
	return m.Watch(ctx, WatcherConfig{
		Name:    name,
		Kind:    KindModel,
		Probe:   client.Ping,
		Backoff: backoff,
	})
}
