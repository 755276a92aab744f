package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/climate-agent/internal/agent"
	"github.com/nugget/climate-agent/internal/events"
)

// Trigger names recorded on runs and decisions.
const (
	TriggerScheduled = "scheduled"
	TriggerStartup   = "startup"
	TriggerManual    = "manual"
	TriggerMQTT      = "mqtt"
	TriggerCLI       = "cli"
)

// ErrStopped is returned by TriggerNow after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Evaluator runs one evaluation cycle. *agent.Orchestrator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, trigger string) (*agent.Outcome, error)
}

// Config wires a Scheduler.
type Config struct {
	Schedule   Schedule
	RunOnStart bool
	Location   *time.Location // cron evaluation; time.Local when nil
	Timeout    time.Duration  // per firing; 5m when zero
	Bus        *events.Bus    // optional
	Logger     *slog.Logger
}

// Scheduler fires the evaluation on its schedule and records every run.
type Scheduler struct {
	logger   *slog.Logger
	store    *Store
	eval     Evaluator
	bus      *events.Bus
	schedule Schedule
	onStart  bool
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time

	ctx    context.Context // canceled by Stop
	cancel context.CancelFunc

	mu      sync.Mutex
	timer   *time.Timer
	next    time.Time
	base    time.Time
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, store *Store, eval Evaluator) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:   logger.With("component", "scheduler"),
		store:    store,
		eval:     eval,
		bus:      cfg.Bus,
		schedule: cfg.Schedule,
		onStart:  cfg.RunOnStart,
		loc:      loc,
		timeout:  timeout,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start closes runs interrupted by a previous process, arms the timer,
// and fires a startup evaluation in the background when configured.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.running = true
	s.base = s.now()
	s.mu.Unlock()

	s.logger.Debug("scheduler starting", "schedule", s.schedule.String())

	n, err := s.store.MarkInterrupted(ctx, s.now())
	if err != nil {
		return fmt.Errorf("close interrupted runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("closed runs interrupted by restart", "count", n)
	}

	s.arm()

	if s.onStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(TriggerStartup, s.now())
		}()
	}

	s.logger.Info("scheduler started", "schedule", s.schedule.String(), "next", s.Next())
	return nil
}

// Stop halts the timer, refuses new firings, and waits for an in-flight
// firing to return. The firing's context is canceled so the cycle stops
// at its next safe boundary.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TriggerNow runs an evaluation immediately, outside the schedule, and
// records it as a run. It shares the orchestrator's single-flight guard:
// a concurrent cycle yields a skipped run and agent.ErrCycleInProgress.
func (s *Scheduler) TriggerNow(ctx context.Context, trigger string) (*Run, *agent.Outcome, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if trigger == "" {
		trigger = TriggerManual
	}

	// Stop cancels manual runs too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.execute(ctx, trigger, s.now())
}

// Next returns the next scheduled firing, or zero when none is armed.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Schedule returns the configured schedule.
func (s *Scheduler) Schedule() Schedule {
	return s.schedule
}

// Runs returns the most recent runs, newest first.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]*Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats(ctx context.Context) map[string]any {
	s.mu.Lock()
	stats := map[string]any{
		"running":  s.running,
		"schedule": s.schedule.String(),
	}
	if !s.next.IsZero() {
		stats["next_run"] = s.next
	}
	s.mu.Unlock()

	counts, err := s.store.Counts(ctx)
	if err != nil {
		s.logger.Warn("run counts unavailable", "error", err)
		return stats
	}
	stats["runs"] = counts
	return stats
}

// arm sets the timer for the next firing.
func (s *Scheduler) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	next, ok := s.schedule.Next(s.base, s.now().In(s.loc))
	if !ok {
		s.logger.Warn("schedule has no future firings", "schedule", s.schedule.String())
		return
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.next = next
	s.timer = time.AfterFunc(delay, func() {
		s.onFire(next)
	})

	s.logger.Debug("evaluation scheduled", "next", next, "delay", delay)
}

// onFire is called when the timer fires.
func (s *Scheduler) onFire(scheduled time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.timer = nil
	s.mu.Unlock()
	defer s.wg.Done()

	s.fire(TriggerScheduled, scheduled)
	s.arm()
}

func (s *Scheduler) fire(trigger string, scheduled time.Time) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, _, err := s.execute(ctx, trigger, scheduled); err != nil && !errors.Is(err, agent.ErrCycleInProgress) {
		s.logger.Error("scheduled evaluation failed", "trigger", trigger, "error", err)
	}
}

// execute runs the evaluation and records the run.
func (s *Scheduler) execute(ctx context.Context, trigger string, scheduled time.Time) (*Run, *agent.Outcome, error) {
	started := s.now()
	run := &Run{
		ID:          NewID(),
		Trigger:     trigger,
		ScheduledAt: scheduled,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	// History writes outlive cancellation of the firing.
	dbCtx := context.WithoutCancel(ctx)
	if err := s.store.CreateRun(dbCtx, run); err != nil {
		s.logger.Error("failed to record run", "error", err)
	}

	s.logger.Info("evaluation firing", "run_id", run.ID, "trigger", trigger)
	s.bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"run_id":  run.ID,
		"trigger": trigger,
	})

	out, err := s.eval.Evaluate(ctx, trigger)

	completed := s.now()
	run.CompletedAt = &completed
	run.Status, run.Result = classify(out, err)
	if out != nil && out.Decision != nil {
		run.DecisionID = out.Decision.ID
	}

	if uerr := s.store.UpdateRun(dbCtx, run); uerr != nil {
		s.logger.Error("failed to update run", "id", run.ID, "error", uerr)
	}

	s.logger.Info("evaluation finished",
		"run_id", run.ID,
		"trigger", trigger,
		"status", run.Status,
		"duration", run.Duration(),
	)
	s.bus.Emit(events.SourceScheduler, events.KindTaskComplete, map[string]any{
		"run_id":      run.ID,
		"trigger":     trigger,
		"status":      string(run.Status),
		"decision_id": run.DecisionID,
		"duration_ms": run.Duration().Milliseconds(),
	})
	return run, out, err
}

// classify maps an evaluation result onto a run status.
func classify(out *agent.Outcome, err error) (RunStatus, string) {
	switch {
	case err == nil:
		if out != nil && out.Decision != nil {
			d := out.Decision
			return StatusCompleted, fmt.Sprintf("%s (baseline %s, overridden=%t)", d.AIAction, d.BaselineAction, d.Overridden)
		}
		return StatusCompleted, "success"
	case errors.Is(err, agent.ErrCycleInProgress):
		return StatusSkipped, "evaluation already in progress"
	case errors.Is(err, agent.ErrShuttingDown):
		return StatusSkipped, "shutting down"
	case agent.IsAborted(err):
		return StatusAborted, err.Error()
	}
	return StatusFailed, err.Error()
}
