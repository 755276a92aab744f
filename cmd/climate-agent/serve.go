package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/climate-agent/internal/api"
	"github.com/nugget/climate-agent/internal/buildinfo"
	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/connwatch"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/llm"
	"github.com/nugget/climate-agent/internal/mqtt"
	"github.com/nugget/climate-agent/internal/scheduler"
	"github.com/nugget/climate-agent/internal/usage"
)

// shutdownTimeout bounds the whole graceful shutdown sequence.
const shutdownTimeout = 30 * time.Second

func serveCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, API server, and MQTT publisher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stdout, opts.configPath)
		},
	}
}

// runServe runs the long-lived process until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting climate-agent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
		"config", cfgPath,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.New()
	a, err := newApp(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// A server that is down now is re-discovered by its watcher later.
	if _, err := a.catalog.Discover(ctx); err != nil {
		logger.Warn("no tool server reachable at startup, waiting for recovery", "error", err)
	}

	watch := connwatch.NewManager(logger, bus)
	defer watch.Stop()
	backoff := connwatch.DefaultBackoffConfig()
	watch.WatchToolServers(ctx, a.catalog, backoff)
	if client, _, err := a.models.Resolve(cfg.Models.Provider, ""); err == nil {
		watch.WatchModel(ctx, llm.NormalizeProvider(cfg.Models.Provider), client, backoff)
	} else {
		logger.Warn("model provider not configured", "provider", cfg.Models.Provider, "error", err)
	}

	usageStore, err := usage.NewStore(a.store.DB())
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	recorder := usage.NewRecorder(usageStore, cfg.Models.Pricing, logger)
	recorder.Start(ctx, bus)

	schedule, err := scheduler.NewSchedule(cfg.Schedule.Every, cfg.Schedule.Cron)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	runs, err := scheduler.NewStore(a.store.DB())
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	sched := scheduler.New(scheduler.Config{
		Schedule:   schedule,
		RunOnStart: cfg.Schedule.RunOnStart,
		Location:   cfg.Location(),
		Bus:        bus,
		Logger:     logger,
	}, runs, a.orch)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, mqtt.Options{
			Decisions: a.store,
			Trigger: func(ctx context.Context) error {
				_, _, err := sched.TriggerNow(ctx, scheduler.TriggerMQTT)
				return err
			},
			Location: cfg.Location(),
		}, logger)
		go func() {
			if err := publisher.Start(ctx, bus); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	server := api.NewServer(api.Config{
		Address:       cfg.Listen.Address,
		Port:          cfg.Listen.Port,
		Decisions:     a.store,
		Settings:      a.loader,
		Scheduler:     sched,
		Tools:         a.catalog,
		Health:        watch,
		Circuits:      a.models,
		Orchestrator:  a.orch,
		Usage:         usageStore,
		Bus:           bus,
		EvaluateRate:  cfg.API.EvaluateRate,
		EvaluateBurst: cfg.API.EvaluateBurst,
		Logger:        logger,
	})

	// Shutdown order: stop scheduling, let the in-flight cycle reach a
	// safe boundary, close the API, then tell Home Assistant we are gone.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop()
		if err := a.orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("in-flight cycle did not finish before shutdown", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Debug("mqtt disconnect failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-shutdownDone
		return fmt.Errorf("API server: %w", err)
	}

	<-shutdownDone
	recorder.Wait()
	logger.Info("climate-agent stopped")
	return nil
}
