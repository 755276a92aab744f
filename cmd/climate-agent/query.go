package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/climate-agent/internal/agent"
	"github.com/nugget/climate-agent/internal/climate"
	"github.com/nugget/climate-agent/internal/config"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/scheduler"
)

func evaluateCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one evaluation cycle and print the decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), stdout, stderr, opts)
		},
	}
}

// runEvaluate runs a single cycle outside the scheduler. Unlike serve,
// it fails when no tool server answers discovery.
func runEvaluate(ctx context.Context, stdout, stderr io.Writer, opts *globalOptions) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	a, err := newApp(ctx, cfg, events.New(), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.catalog.Discover(ctx); err != nil {
		return fmt.Errorf("discover tools: %w", err)
	}

	out, err := a.orch.Evaluate(ctx, scheduler.TriggerCLI)
	if err != nil {
		if opts.output == "json" && out != nil {
			_ = writeJSON(stdout, out)
		}
		if agent.IsAborted(err) {
			return fmt.Errorf("cycle aborted: %w", err)
		}
		return fmt.Errorf("evaluation failed: %w", err)
	}

	if opts.output == "json" {
		return writeJSON(stdout, out.Decision)
	}
	writeDecision(stdout, out.Decision)
	return nil
}

func decisionsCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent decisions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			store, err := openQueryStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				if list == nil {
					list = []*decisions.Decision{}
				}
				return writeJSON(stdout, list)
			}
			writeDecisionTable(stdout, list)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of decisions to show")
	return cmd
}

func statsCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how often the model overrode the baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseWindow(window)
			if err != nil {
				return err
			}
			store, err := openQueryStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Stats(cmd.Context(), d)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(stdout, map[string]any{
					"window": windowLabel(d),
					"stats":  st,
				})
			}
			writeStats(stdout, windowLabel(d), st)
			return nil
		},
	}
	cmd.Flags().StringVarP(&window, "window", "w", "7d", `time window: Go duration, whole days ("7d"), or "all"`)
	return cmd
}

// openQueryStore opens the decision store for read-only commands. They
// need the data directory from the config but none of the providers.
func openQueryStore(opts *globalOptions) (*decisions.Store, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

// parseWindow accepts a Go duration, whole days ("7d"), or "all" (zero,
// meaning all history).
func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "all":
		return 0, nil
	case strings.HasSuffix(raw, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid window %q", raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", raw)
	}
	return d, nil
}

func windowLabel(d time.Duration) string {
	if d <= 0 {
		return "all"
	}
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}

// writeDecision prints one decision for a human.
func writeDecision(w io.Writer, d *decisions.Decision) {
	fmt.Fprintf(w, "Decision %s (%s, %s)\n", d.ID, d.Trigger, d.Timestamp.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  indoor %.1f°C  outdoor %.1f°C  trend %s\n", d.IndoorTemp, d.OutdoorTemp, d.ForecastTrend)
	fmt.Fprintf(w, "  model     %s\n", actionText(d.AIAction, d.AITarget))
	if d.AIReasoning != "" {
		fmt.Fprintf(w, "            %s\n", d.AIReasoning)
	}
	target := d.BaselineTarget
	fmt.Fprintf(w, "  baseline  %s (rule %s)\n", actionText(d.BaselineAction, &target), d.RuleTriggered)
	fmt.Fprintf(w, "  overridden: %t  success: %t\n", d.Overridden, d.Success)
	if d.Clamped && d.RequestedTarget != nil {
		fmt.Fprintf(w, "  clamped from %.1f°C\n", *d.RequestedTarget)
	}
	if len(d.Annotations) > 0 {
		fmt.Fprintf(w, "  notes: %s\n", strings.Join(d.Annotations, ", "))
	}
	if d.Provider != "" {
		fmt.Fprintf(w, "  via %s/%s\n", d.Provider, d.Model)
	}
}

func writeDecisionTable(w io.Writer, list []*decisions.Decision) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No decisions recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTRIGGER\tMODEL\tBASELINE\tRULE\tOVERRIDE")
	for _, d := range list {
		target := d.BaselineTarget
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Timestamp.Local().Format("2006-01-02 15:04"),
			d.Trigger,
			actionText(d.AIAction, d.AITarget),
			actionText(d.BaselineAction, &target),
			d.RuleTriggered,
			yesNo(d.Overridden),
		)
	}
	tw.Flush()
}

func writeStats(w io.Writer, window string, st decisions.Stats) {
	fmt.Fprintf(w, "Window:         %s\n", window)
	fmt.Fprintf(w, "Decisions:      %d\n", st.Count)
	fmt.Fprintf(w, "Overridden:     %d\n", st.Overridden)
	fmt.Fprintf(w, "Override rate:  %.1f%%\n", st.OverrideRate*100)
	fmt.Fprintf(w, "Average delta:  %.2f°C\n", st.AverageDelta)
}

// actionText renders an action with its target when it sets one.
func actionText(action climate.Action, target *float64) string {
	if action == "" {
		return "-"
	}
	if target == nil || action != climate.SetTemperature {
		return string(action)
	}
	return fmt.Sprintf("%s %.1f", action, *target)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
