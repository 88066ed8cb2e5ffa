package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/simflow"
	"github.com/deepnoodle-ai/simflow/runner"
	"github.com/deepnoodle-ai/simflow/store"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// cliOptions holds the parsed command line
type cliOptions struct {
	ConfigFile string
	StartYear  int
	EndYear    int
	Resume     bool
	DryRun     bool
	FailFast   bool
	Verbose    bool
	LogJSON    bool
	JSON       bool
	Params     map[string]any
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelInfo
	}
	logger := simflow.NewLogger(level)
	if opts.LogJSON {
		logger = simflow.NewJSONLogger(level)
	}

	var st simflow.Store
	if cfg.Store.DSN != "" {
		pg, err := store.OpenPostgres(ctx, store.PostgresOptions{
			DSN:         cfg.Store.DSN,
			Name:        cfg.Store.Name,
			MultiWriter: cfg.Store.MultiWriter,
			Logger:      logger,
		})
		if err != nil {
			color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
		defer pg.Close()
		st = pg
	} else if !opts.DryRun {
		color.New(color.FgYellow).Fprintln(stderr, "No store configured; state capture and validation are disabled")
	}

	pipelineOpts := simflow.PipelineOptions{
		Config: cfg,
		Runner: runner.NewCommandRunner(runner.CommandRunnerOptions{
			Command:    cfg.Runner.Command,
			Args:       cfg.Runner.Args,
			ProjectDir: cfg.Runner.ProjectDir,
			Stdout:     stdout,
			Stderr:     stderr,
			Logger:     logger,
		}),
		Store: st,
		Capabilities: simflow.Capabilities{
			AcceleratedAccumulation: cfg.Accelerated.Enabled && cfg.Accelerated.Command != "",
			ModelParallelization:    cfg.Optimization.ModelParallelization.Enabled,
			MemoryMonitoring:        true,
		},
		Logger: logger,
	}
	if cfg.Accelerated.Enabled && cfg.Accelerated.Command != "" {
		pipelineOpts.Accelerated = runner.NewCommandProcessor(
			cfg.Accelerated.Command, cfg.Accelerated.Args, cfg.Runner.ProjectDir, logger)
	}

	pipeline, err := simflow.NewPipelineRunner(pipelineOpts)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if err := simflow.NewTracingHooks().Register(pipeline.Hooks()); err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	color.New(color.FgBlue).Fprintf(stdout, "Simulating %d-%d", opts.StartYear, opts.EndYear)
	if opts.DryRun {
		color.New(color.FgYellow).Fprint(stdout, " (dry run)")
	}
	fmt.Fprintln(stdout)

	summary, err := pipeline.Run(ctx, simflow.RunOptions{
		StartYear: opts.StartYear,
		EndYear:   opts.EndYear,
		Resume:    opts.Resume,
		DryRun:    opts.DryRun,
		FailFast:  opts.FailFast,
	})
	if summary != nil {
		showSummary(stdout, summary, opts.JSON)
	}
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func parseFlags(args []string, output io.Writer) (*cliOptions, error) {
	opts := &cliOptions{Params: map[string]any{}}
	fs := flag.NewFlagSet("simflow", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&opts.ConfigFile, "config", "simflow.yaml", "Path to the YAML simulation config")
	fs.StringVar(&opts.ConfigFile, "c", "simflow.yaml", "Path to the YAML simulation config (shorthand)")
	fs.IntVar(&opts.StartYear, "start-year", 0, "First simulation year (default from config)")
	fs.IntVar(&opts.EndYear, "end-year", 0, "Last simulation year (default from config)")
	fs.BoolVar(&opts.Resume, "resume", false, "Resume from the latest valid checkpoint")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Log planned task invocations without running them")
	fs.BoolVar(&opts.FailFast, "fail-fast", false, "Fail the run on any validation violation")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.Verbose, "v", false, "Enable verbose logging (shorthand)")
	fs.BoolVar(&opts.LogJSON, "log-json", false, "Write logs as JSON")
	fs.BoolVar(&opts.JSON, "json", false, "Print the run summary as JSON")

	var paramFlags stringSlice
	fs.Var(&paramFlags, "param", "Task parameter in format key=value (can be used multiple times)")
	fs.Var(&paramFlags, "p", "Task parameter in format key=value (shorthand)")

	fs.Usage = func() {
		fmt.Fprintf(output, `simflow - run a multi-year workforce simulation

Usage: simflow [options]

Examples:
  # Run the years configured in simflow.yaml
  simflow -config simflow.yaml

  # Resume an interrupted run
  simflow -config simflow.yaml -resume

  # Show what a three-year run would do
  simflow -start-year 2025 -end-year 2027 -dry-run -v

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	for _, param := range paramFlags {
		key, value, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter format %q, use key=value", param)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		opts.Params[key] = parsed
	}
	return opts, nil
}

// loadConfig reads the config file and applies command line overrides
func loadConfig(opts *cliOptions) (*simflow.Config, error) {
	cfg, err := simflow.LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if dsn := os.Getenv("SIMFLOW_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if len(opts.Params) > 0 {
		if cfg.Parameters == nil {
			cfg.Parameters = map[string]any{}
		}
		for key, value := range opts.Params {
			cfg.Parameters[key] = value
		}
	}
	if opts.StartYear == 0 {
		opts.StartYear = cfg.Simulation.StartYear
	}
	if opts.EndYear == 0 {
		opts.EndYear = cfg.Simulation.EndYear
	}
	if opts.EndYear < opts.StartYear {
		return nil, fmt.Errorf("end year %d is before start year %d", opts.EndYear, opts.StartYear)
	}
	return cfg, nil
}

type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func showSummary(w io.Writer, summary *simflow.RunSummary, asJSON bool) {
	if asJSON {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			fmt.Fprintf(w, "Error formatting summary: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}

	for _, warning := range summary.Warnings {
		color.New(color.FgYellow).Fprintf(w, "Warning: %s\n", warning)
	}
	if summary.Mode == simflow.ModeAlreadyComplete {
		color.New(color.FgGreen).Fprintln(w, "All requested years are already complete")
	} else if summary.ResumeYear != nil {
		color.New(color.FgCyan).Fprintf(w, "Resumed after year %d\n", *summary.ResumeYear)
	}

	for _, year := range summary.Years {
		if year.Failed() {
			color.New(color.FgRed).Fprintf(w, "  %d  failed   %v\n", year.Year, year.Duration.Round(time.Millisecond))
		} else {
			color.New(color.FgGreen).Fprintf(w, "  %d  ok       %v\n", year.Year, year.Duration.Round(time.Millisecond))
		}
		for _, stage := range year.Stages {
			mark := "✓"
			if !stage.Success {
				mark = "✗"
			}
			fmt.Fprintf(w, "      %s %-20s %-16s %v\n", mark, stage.Stage, stage.Strategy, stage.Duration.Round(time.Millisecond))
		}
	}

	color.New(color.FgWhite).Fprintf(w, "Run %s %s in %v\n", summary.RunID, summary.Status, summary.Duration.Round(time.Millisecond))
}
