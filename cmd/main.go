package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MuchTitan/riptail/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type flagOptions struct {
	configPath   string
	recursive    bool
	depth        int
	idleTimeout  string
	pollInterval string
	encoding     string
	format       string
	colors       string
	summary      bool
	logLevel     string
	logFormat    string
	metricsAddr  string
}

func main() {
	cmd := newRootCommand(run)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type runFunc func(ctx context.Context, cfg config.Config) error

func newRootCommand(runner runFunc) *cobra.Command {
	opts := &flagOptions{}

	rootCmd := &cobra.Command{
		Use:           "riptail [flags] PATH...",
		Short:         "Follow new lines in many files and directories at once",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, opts, args)
			if err != nil {
				return err
			}
			return runner(cmd.Context(), cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Configuration file (YAML or TOML)")
	flags.BoolVarP(&opts.recursive, "recursive", "r", false, "Watch directories recursively")
	flags.IntVarP(&opts.depth, "depth", "d", 1, "Depth of directory recursion")
	flags.StringVar(&opts.idleTimeout, "idle-timeout", "", "Stop following a file after this long without new data (default 10m)")
	flags.StringVar(&opts.pollInterval, "poll-interval", "", "How often an idle file is checked for new data (default 300ms)")
	flags.StringVar(&opts.encoding, "encoding", "", "Encoding of the tailed files: utf-8, latin1 or windows-1252")
	flags.StringVar(&opts.format, "format", "", "Output format: plain, json or template")
	flags.StringVar(&opts.colors, "color", "", "Colorize output: auto, always or never")
	flags.BoolVar(&opts.summary, "summary", false, "Print a per-file line count table on exit")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warning or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return rootCmd
}

// buildConfig loads the config file, if any, and applies the flags that were
// set explicitly on top of it. Positional paths replace configured ones.
func buildConfig(cmd *cobra.Command, opts *flagOptions, args []string) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if len(args) > 0 {
		cfg.Tail.Paths = args
	}
	if flags.Changed("recursive") {
		cfg.Tail.Recursive = opts.recursive
	}
	if flags.Changed("depth") {
		cfg.Tail.Depth = opts.depth
	}
	if flags.Changed("idle-timeout") {
		cfg.Tail.IdleTimeout = opts.idleTimeout
	}
	if flags.Changed("poll-interval") {
		cfg.Tail.PollInterval = opts.pollInterval
	}
	if flags.Changed("encoding") {
		cfg.Tail.Encoding = opts.encoding
	}
	if flags.Changed("format") {
		cfg.SetOutputOption("stdout", "Format", opts.format)
	}
	if flags.Changed("color") {
		cfg.SetOutputOption("stdout", "Colors", opts.colors)
	}
	if opts.summary {
		cfg.EnableSummary()
	}
	if flags.Changed("log-level") {
		cfg.System.LogLevel = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.System.LogFormat = opts.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Listen = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(parent context.Context, cfg config.Config) error {
	logCloser, err := config.SetupLogging(cfg.System)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	engine, err := config.NewPluginEngine(cfg)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := engine.Metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logrus.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	logrus.Info("Starting riptail")
	if err := engine.Start(); err != nil {
		return err
	}

	// Wait for shutdown signal
	<-ctx.Done()

	logrus.Info("Stopping riptail")
	if err := engine.Stop(); err != nil {
		logrus.WithError(err).Debug("some files stopped with errors")
	}
	return nil
}
