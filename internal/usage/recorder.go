package usage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/events"
)

// Recorder persists a usage record for every model round announced on
// the event bus.
type Recorder struct {
	store   *Store
	pricing map[string]config.PricingEntry
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *Store, pricing map[string]config.PricingEntry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		pricing: pricing,
		logger:  logger.With("component", "usage"),
	}
}

// Start subscribes to bus before returning, so no round that starts
// afterwards is missed, and records in the background until ctx is
// cancelled.
func (r *Recorder) Start(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if e.Kind == events.KindLLMResponse {
					r.record(ctx, e)
				}
			}
		}
	}()
}

// Wait blocks until the background loop has exited.
func (r *Recorder) Wait() { r.wg.Wait() }

func (r *Recorder) record(ctx context.Context, e events.Event) {
	rec := Record{
		Timestamp:    e.Timestamp,
		CycleID:      stringOf(e.Data["cycle_id"]),
		Round:        intOf(e.Data["round"]),
		Provider:     stringOf(e.Data["provider"]),
		Model:        stringOf(e.Data["model"]),
		InputTokens:  intOf(e.Data["input_tokens"]),
		OutputTokens: intOf(e.Data["output_tokens"]),
	}
	rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, r.pricing)

	if err := r.store.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to record token usage", "cycle_id", rec.CycleID, "error", err)
		return
	}
	r.logger.Debug("token usage recorded",
		"cycle_id", rec.CycleID,
		"model", rec.Model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"cost_usd", rec.CostUSD,
	)
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
