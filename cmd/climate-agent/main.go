// Climate-agent is an autonomous thermostat controller.
//
// On every cycle it gathers thermostat and weather state from remote
// tool servers, asks a language model for a setpoint, computes a
// deterministic rule-based baseline alongside it, and stores both
// decisions for comparison. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	climate-agent serve                 Run the scheduler, API, and MQTT publisher
//	climate-agent evaluate              Run one cycle and print the decision
//	climate-agent decisions [--limit N] List recent decisions
//	climate-agent stats [--window 7d]   Show override statistics
//	climate-agent init [dir]            Write an example config.yaml
//	climate-agent version               Print version and build information
//	climate-agent -o json <command>     Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/climate-agent/internal/buildinfo"
	"github.com/nugget/climate-agent/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	output     string // text or json
}

// run is the real entry point. The command tree is built fresh on every
// call so tests can invoke run concurrently without shared flag state.
// Structured logs go to stdout for serve and to stderr for the one-shot
// commands, whose stdout carries the result.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "climate-agent",
		Short: "Climate Agent - AI thermostat control with a rule-based baseline",
		Long: `Climate Agent periodically reads thermostat and weather state from
remote tool servers, asks a language model for a setpoint, and records
that recommendation next to a deterministic rule-based baseline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		serveCmd(opts, stdout),
		evaluateCmd(opts, stdout, stderr),
		decisionsCmd(opts, stdout),
		statsCmd(opts, stdout),
		initCmd(stdout),
		versionCmd(opts, stdout),
	)
	return root
}

func versionCmd(opts *globalOptions, w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(w, opts.output)
		},
	}
}

// runVersion prints build metadata as text or JSON.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
