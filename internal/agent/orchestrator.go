// Package agent implements the decision orchestrator: one evaluation
// cycle gathers thermostat and weather state, lets the model reason over
// the tool catalog, applies at most one bounded setpoint change, computes
// the baseline for the same inputs, and appends the comparison record.
//
// A cycle moves through GATHERING, REASONING, ACTING, RECONCILING and
// DONE. It ends in ABORTED when the world cannot be observed or the model
// cannot be reached; an aborted cycle invokes no mutating tool and writes
// no Decision.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/climate-agent/internal/climate"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/llm"
	"github.com/nugget/climate-agent/internal/mcp"
	"github.com/nugget/climate-agent/internal/settings"
	"github.com/nugget/climate-agent/internal/toolargs"
)

// State is a cycle's position in the state machine.
type State string

const (
	StateGathering   State = "GATHERING"
	StateReasoning   State = "REASONING"
	StateActing      State = "ACTING"
	StateReconciling State = "RECONCILING"
	StateDone        State = "DONE"
	StateAborted     State = "ABORTED"
)

// ToolInvoker is the tool catalog as the orchestrator uses it.
// *mcp.Catalog satisfies it.
type ToolInvoker interface {
	Definitions() []mcp.ToolDefinition
	Has(name string) bool
	Invoke(ctx context.Context, name string, args map[string]any) mcp.Result
	InvokeOnce(ctx context.Context, name string, args map[string]any) mcp.Result
}

// ModelResolver selects the model client for a cycle.
// *llm.MultiClient satisfies it.
type ModelResolver interface {
	Resolve(provider, model string) (llm.Client, string, error)
}

// DecisionStore persists completed cycles. *decisions.Store satisfies it.
type DecisionStore interface {
	Append(ctx context.Context, d *decisions.Decision) (string, error)
}

// SettingsLoader supplies the per-cycle configuration.
// *settings.Loader satisfies it.
type SettingsLoader interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// Config wires an Orchestrator.
type Config struct {
	Tools    ToolInvoker
	Models   ModelResolver
	Store    DecisionStore
	Settings SettingsLoader
	Bus      *events.Bus // optional
	Logger   *slog.Logger
	Location *time.Location // local time for the schedule; time.Local when nil
}

// Outcome describes one cycle that ran, whether or not it completed.
type Outcome struct {
	CycleID  string              `json:"cycle_id"`
	Trigger  string              `json:"trigger"`
	State    State               `json:"state"`
	Decision *decisions.Decision `json:"decision,omitempty"`
	Error    string              `json:"error,omitempty"`
	Started  time.Time           `json:"started"`
	Finished time.Time           `json:"finished"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Busy         bool     `json:"busy"`
	ShuttingDown bool     `json:"shutting_down"`
	Last         *Outcome `json:"last,omitempty"`
}

// Orchestrator runs evaluation cycles one at a time.
type Orchestrator struct {
	tools    ToolInvoker
	models   ModelResolver
	store    DecisionStore
	settings SettingsLoader
	args     *toolargs.Validator
	bus      *events.Bus
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	busy    bool
	closing bool
	last    *Outcome
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	args := toolargs.NewValidator(cfg.Tools.Definitions(), logger)
	args.Limit(toolForecast, "hours", 1, 48)
	args.Enum(toolSetHVACMode, "hvac_mode", climate.HVACModes...)
	args.Enum(toolSetPreset, "preset_mode", climate.Presets...)

	stopCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		tools:    cfg.Tools,
		models:   cfg.Models,
		store:    cfg.Store,
		settings: cfg.Settings,
		args:     args,
		bus:      cfg.Bus,
		logger:   logger.With("component", "agent"),
		loc:      loc,
		now:      time.Now,
		stopCtx:  stopCtx,
		stop:     stop,
	}
}

// Evaluate runs one cycle. It returns ErrCycleInProgress when a cycle
// is already running and ErrShuttingDown after Shutdown. Otherwise the
// Outcome is always non-nil; the error is an *AbortError for aborted
// cycles and a *decisions.StorageError when the record could not be
// written.
//
// Cancelling ctx, or calling Shutdown, stops the cycle at the next safe
// boundary: gathering and reasoning abort, while a started ACTING phase
// completes and its record is written.
func (o *Orchestrator) Evaluate(ctx context.Context, trigger string) (*Outcome, error) {
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.stopCtx, cancel)
	defer stop()

	c := o.newCycle(trigger)
	out := &Outcome{CycleID: c.id, Trigger: trigger, Started: c.started}

	d, err := o.run(ctx, cycleCtx, c)
	out.Finished = o.now()
	out.State = c.state
	out.Decision = d
	if err != nil {
		out.Error = err.Error()
	}

	o.mu.Lock()
	o.last = out
	o.mu.Unlock()
	return out, err
}

func (o *Orchestrator) run(ctx, cycleCtx context.Context, c *cycle) (*decisions.Decision, error) {
	c.log.Info("evaluation started")

	snap, err := o.settings.Load(cycleCtx)
	if err != nil {
		c.log.Warn("using stale settings", "error", err)
		c.annotate("stale_settings")
	}
	c.snap = snap

	o.transition(c, StateGathering)
	if err := o.gather(cycleCtx, c); err != nil {
		return nil, o.abort(c, err)
	}

	o.transition(c, StateReasoning)
	client, model, err := o.models.Resolve(snap.Provider, snap.Model)
	if err != nil {
		return nil, o.abort(c, &AbortError{State: StateReasoning, Reason: "model unavailable", Err: err})
	}
	c.provider = llm.NormalizeProvider(snap.Provider)
	c.model = model
	if err := o.reason(cycleCtx, c, client, model); err != nil {
		return nil, o.abort(c, err)
	}
	if err := cycleCtx.Err(); err != nil {
		return nil, o.abort(c, &AbortError{State: StateReasoning, Reason: "cancelled before acting", Err: err})
	}

	// Past this point the cycle finishes even if cancelled.
	safe := context.WithoutCancel(ctx)

	o.transition(c, StateActing)
	o.act(safe, c)

	o.transition(c, StateReconciling)
	d, err := o.reconcile(safe, c)
	if err != nil {
		c.log.Error("decision not recorded", "error", err)
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	o.transition(c, StateDone)
	o.bus.Emit(events.SourceAgent, events.KindDecision, map[string]any{
		"cycle_id": c.id,
		"decision": d,
	})
	return d, nil
}

// Shutdown refuses new cycles and stops the in-flight one at its next
// safe boundary, waiting until it has returned or ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports whether a cycle is running and how the last one ended.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Busy: o.busy, ShuttingDown: o.closing, Last: o.last}
}

func (o *Orchestrator) acquire() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closing:
		return ErrShuttingDown
	case o.busy:
		return ErrCycleInProgress
	}
	o.busy = true
	o.wg.Add(1)
	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
	o.wg.Done()
}

func (o *Orchestrator) newCycle(trigger string) *cycle {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	started := o.now().In(o.loc)
	return &cycle{
		id:      id.String(),
		trigger: trigger,
		started: started,
		log:     o.logger.With("cycle_id", id.String(), "trigger", trigger),
		cache:   make(map[string]mcp.Result),
		modes:   make(map[string]map[string]any),
	}
}

func (o *Orchestrator) transition(c *cycle, s State) {
	c.state = s
	c.log.Debug("cycle state", "state", s)
	o.bus.Emit(events.SourceAgent, events.KindCycleState, map[string]any{
		"cycle_id": c.id,
		"trigger":  c.trigger,
		"state":    string(s),
	})
}

// abort moves the cycle to ABORTED. err is wrapped in an *AbortError
// for the current state unless it already is one.
func (o *Orchestrator) abort(c *cycle, err error) error {
	var ae *AbortError
	if !errors.As(err, &ae) {
		ae = &AbortError{State: c.state, Reason: "unrecoverable failure", Err: err}
	}
	c.state = StateAborted
	c.log.Error("cycle aborted",
		"state", ae.State,
		"reason", ae.Reason,
		"error", ae.Err,
	)
	o.bus.Emit(events.SourceAgent, events.KindCycleState, map[string]any{
		"cycle_id": c.id,
		"trigger":  c.trigger,
		"state":    string(StateAborted),
		"reason":   ae.Error(),
	})
	return ae
}
