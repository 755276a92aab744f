package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/climate-agent/internal/agent"
	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/llm"
	"github.com/nugget/climate-agent/internal/mcp"
	"github.com/nugget/climate-agent/internal/retry"
	"github.com/nugget/climate-agent/internal/settings"
)

// dbFile is the SQLite database inside the data directory. Decisions,
// settings, prompts, and scheduler runs share it.
const dbFile = "climate-agent.db"

// app is the set of components every cycle-running command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	store   *decisions.Store
	loader  *settings.Loader
	catalog *mcp.Catalog
	models  *llm.MultiClient
	orch    *agent.Orchestrator
}

// openStore creates the data directory if needed and opens the
// decision store in it.
func openStore(cfg *config.Config) (*decisions.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	db, err := decisions.Open(filepath.Join(cfg.DataDir, dbFile))
	if err != nil {
		return nil, err
	}
	store, err := decisions.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newApp opens the store, seeds runtime settings, and wires the tool
// catalog, model providers, and orchestrator. Tools are not discovered
// here; callers decide whether an unreachable server is fatal.
func newApp(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	loader := settings.NewLoader(store, settings.NewRegistry(cfg), logger)
	if err := loader.Seed(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	catalog := newCatalog(cfg, logger)
	models := llm.NewFromConfig(cfg, logger)

	orch := agent.New(agent.Config{
		Tools:    catalog,
		Models:   models,
		Store:    store,
		Settings: loader,
		Bus:      bus,
		Logger:   logger,
		Location: cfg.Location(),
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		store:   store,
		loader:  loader,
		catalog: catalog,
		models:  models,
		orch:    orch,
	}, nil
}

// newCatalog builds one JSON-RPC client per configured tool server.
func newCatalog(cfg *config.Config, logger *slog.Logger) *mcp.Catalog {
	clients := make([]*mcp.Client, 0, len(cfg.ToolServers))
	timeouts := make(map[string]time.Duration, len(cfg.ToolServers))
	for _, s := range cfg.ToolServers {
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     s.Endpoint(),
			Headers: s.Headers,
			Logger:  logger,
		})
		clients = append(clients, mcp.NewClient(s.Name, transport, logger))
		timeouts[s.Name] = s.Timeout
	}

	return mcp.NewCatalog(mcp.CatalogConfig{
		Retry: retry.Policy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
			Jitter:    cfg.Retry.Jitter,
		},
		Timeouts: timeouts,
		Logger:   logger,
	}, clients...)
}

// Close releases the tool connections and the database.
func (a *app) Close() error {
	return errors.Join(a.catalog.Close(), a.store.Close())
}
