package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/climate-agent/internal/prompts"
)

// Store is the persistence the loader needs. *decisions.Store satisfies it.
type Store interface {
	GetSetting(ctx context.Context, key, def, description, category string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	SettingValues(ctx context.Context) (map[string]string, error)
	GetPrompt(ctx context.Context, name, def, description string) (string, error)
}

// Loader reads snapshots from the settings table and remembers the last
// good one. It is safe for concurrent use; a slow Set never blocks Load
// beyond the database's own locking.
type Loader struct {
	store  Store
	reg    *Registry
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last *Snapshot
}

// NewLoader creates a loader over store.
func NewLoader(store Store, reg *Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:  store,
		reg:    reg,
		logger: logger.With("component", "settings"),
		now:    time.Now,
	}
}

// Registry returns the loader's registry.
func (l *Loader) Registry() *Registry { return l.reg }

// Seed creates every known setting and prompt that is missing, using the
// configured defaults. Existing rows are left alone.
func (l *Loader) Seed(ctx context.Context) error {
	var errs []error
	for _, d := range l.reg.defs {
		if _, err := l.store.GetSetting(ctx, d.Key, d.Default, d.Description, d.Category); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := l.systemPrompt(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := l.taskPrompt(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	l.logger.Debug("settings seeded", "keys", len(l.reg.defs))
	return nil
}

// Load reads the settings table once and returns the cycle's snapshot.
// It always returns a usable snapshot: when the read fails the error is
// returned alongside the last good snapshot (or the configured defaults
// before any read succeeded), marked Stale.
func (l *Loader) Load(ctx context.Context) (Snapshot, error) {
	snap, err := l.read(ctx)
	if err != nil {
		l.mu.RLock()
		last := l.last
		l.mu.RUnlock()

		fallback := l.reg.Defaults()
		if last != nil {
			fallback = *last
		}
		fallback.Stale = true
		l.logger.Warn("settings read failed, using previous snapshot",
			"error", err,
			"previous_loaded_at", fallback.LoadedAt,
		)
		return fallback, err
	}

	l.mu.Lock()
	l.last = &snap
	l.mu.Unlock()
	return snap, nil
}

func (l *Loader) read(ctx context.Context) (Snapshot, error) {
	raw, err := l.store.SettingValues(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	system, err := l.systemPrompt(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	task, err := l.taskPrompt(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := l.reg.build(raw, l.logger)
	snap.SystemPrompt = system
	snap.TaskPrompt = task
	snap.LoadedAt = l.now()
	return snap, nil
}

func (l *Loader) systemPrompt(ctx context.Context) (string, error) {
	return l.store.GetPrompt(ctx, prompts.SystemName, l.reg.systemPrompt,
		"System instructions sent with every evaluation")
}

func (l *Loader) taskPrompt(ctx context.Context) (string, error) {
	return l.store.GetPrompt(ctx, prompts.TaskName, prompts.DefaultTask(),
		"Task message that opens every evaluation")
}

// Set validates and stores one setting. Values that parse on their own
// but would make the snapshot inconsistent (min_temp above max_temp, an
// inverted warmup window) are rejected with ErrInvalidValue.
func (l *Loader) Set(ctx context.Context, key, value string) error {
	d, ok := l.reg.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if _, err := d.Parse(value); err != nil {
		return err
	}

	raw, err := l.store.SettingValues(ctx)
	if err != nil {
		return err
	}
	raw[key] = value
	candidate := parser{reg: l.reg, raw: raw, logger: l.logger}.snapshot()
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, key, err)
	}

	if err := l.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	l.logger.Info("setting changed", "key", key, "value", value)
	return nil
}
