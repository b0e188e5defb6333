package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/logging"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/report"
)

// DefaultBaseURL is the router address presets run against.
const DefaultBaseURL = "http://localhost:8081"

const progressInterval = time.Second

type runOptions struct {
	configFile  string
	scenarios   []string
	presets     []string
	baseURL     string
	outDir      string
	jsonOutput  bool
	metricsAddr string
	logLevel    string
	logFormat   string
	quiet       bool
}

var runCmd = newRunCmd()

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test from a config file or built-in presets",
		Long: `Run one or more load scenarios against the router and evaluate thresholds.

Config file mode:
  volley run --config load.yaml --scenario baseline

Preset mode (no config file):
  volley run --preset rampup --base-url http://localhost:8081
  volley run --preset all --out results/

Exit status is 0 when every threshold passed, 1 when a threshold failed,
2 when the run aborted during setup and 3 on configuration or usage errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Test configuration file (YAML or JSON)")
	f.StringSliceVarP(&opts.scenarios, "scenario", "s", []string{config.SelectAll}, "Scenarios to run, or \"all\"")
	f.StringSliceVarP(&opts.presets, "preset", "p", []string{"baseline"}, "Built-in presets to run when no config file is given, or \"all\"")
	f.StringVar(&opts.baseURL, "base-url", DefaultBaseURL, "Router base URL (overrides the config file when set)")
	f.StringVarP(&opts.outDir, "out", "o", "", "Directory to write the JSON result file into")
	f.BoolVar(&opts.jsonOutput, "json", false, "Print the summary as JSON instead of text")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve live Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", logging.FormatConsole, "Log format (console or json)")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the verdict")
	return cmd
}

// runLoadTest runs the configured scenarios and maps the outcome to an exit
// code.
func runLoadTest(cmd *cobra.Command, opts *runOptions) error {
	logger, err := logging.NewWithSink(opts.logLevel, opts.logFormat, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
	if err != nil {
		return withCode(ExitUsage, err)
	}
	defer logger.Sync()

	cfg, err := loadRunConfig(cmd, opts)
	if err != nil {
		return withCode(ExitUsage, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := []engine.Option{engine.WithLogger(logger)}
	if opts.metricsAddr != "" {
		exporter := metrics.NewPrometheusExporter(logger)
		serveCtx, cancelServe := context.WithCancel(context.Background())
		defer cancelServe()
		go func() {
			if err := exporter.Serve(serveCtx, opts.metricsAddr); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		engineOpts = append(engineOpts, engine.WithObserver(exporter))
	}

	eng, err := engine.New(cfg, engineOpts...)
	if err != nil {
		return withCode(ExitUsage, err)
	}

	console := report.NewConsole(report.ConsoleConfig{
		Writer: cmd.OutOrStdout(),
		Quiet:  opts.quiet || opts.jsonOutput,
	})
	console.PrintHeader(cfg.Name, cfg.Settings.BaseURL, config.ScenarioNames(cfg))

	watchCtx, stopWatch := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		console.Watch(watchCtx, progressInterval, func() report.LiveStats {
			return report.LiveStatsFrom(eng.Progress(), eng.Collector(), eng.Elapsed(), eng.State().String())
		})
	}()

	res, runErr := eng.Run(ctx)
	stopWatch()
	<-watchDone

	if res == nil {
		return withCode(ExitAborted, runErr)
	}
	if runErr != nil {
		var setupErr *engine.SetupError
		if !errors.As(runErr, &setupErr) {
			logger.Error("run failed", zap.Error(runErr))
		}
	}

	summary := report.BuildSummary(res)
	if opts.jsonOutput {
		if err := report.WriteJSON(cmd.OutOrStdout(), summary); err != nil {
			return withCode(ExitUsage, err)
		}
	} else {
		console.PrintSummary(res)
	}

	if opts.outDir != "" {
		path, err := report.WriteFile(opts.outDir, fileLabel(cfg), summary)
		if err != nil {
			logger.Error("failed to write result file", zap.Error(err))
		} else {
			logger.Info("result file written", zap.String("path", path))
		}
	}

	switch {
	case res.Aborted():
		return withCode(ExitAborted, nil)
	case !res.Passed:
		return withCode(ExitThresholdFailed, nil)
	}
	return nil
}

// loadRunConfig builds the test config from --config or the presets, then
// applies --base-url and --scenario.
func loadRunConfig(cmd *cobra.Command, opts *runOptions) (*config.TestConfig, error) {
	var (
		cfg *config.TestConfig
		err error
	)
	if opts.configFile != "" {
		cfg, err = config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, err
		}
		applyBaseURL(cmd, cfg, opts.baseURL)
	} else {
		cfg, err = config.FromPresets(opts.baseURL, opts.presets...)
		if err != nil {
			return nil, err
		}
	}
	return config.Select(cfg, opts.scenarios...)
}

// applyBaseURL sets the base URL from the flag when it was given or the
// file has none.
func applyBaseURL(cmd *cobra.Command, cfg *config.TestConfig, baseURL string) {
	if cmd.Flags().Changed("base-url") || cfg.Settings.BaseURL == "" {
		cfg.Settings.BaseURL = baseURL
	}
}

// fileLabel names the result file after the single scenario that ran.
func fileLabel(cfg *config.TestConfig) string {
	names := config.ScenarioNames(cfg)
	if len(names) == 1 {
		return names[0]
	}
	return strings.ToLower(cfg.Name)
}
