package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-topic-fleet/internal/config"
	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
	"github.com/randomizedcoder/go-topic-fleet/internal/logging"
	"github.com/randomizedcoder/go-topic-fleet/internal/orchestrator"
	"github.com/randomizedcoder/go-topic-fleet/internal/ports"
)

type app struct {
	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	exitCode int
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		cfg:    config.DefaultConfig(),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "go-topic-fleet [flags] [config.toml]",
		Short: "Launch one topic model server per topic count",
		Long: `Launch and supervise a fleet of model-serving processes, one per topic
count K, each listening on base port + K. The fleet runs until interrupted,
then every child process group is terminated.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runLaunch,
	}
	root.SetVersionTemplate("go-topic-fleet {{.Version}}\n")

	config.BindFlags(root.PersistentFlags(), a.cfg)

	root.AddCommand(
		&cobra.Command{
			Use:   "ports [config.toml]",
			Short: "Resolve and print a conflict-free base port without spawning",
			Args:  cobra.MaximumNArgs(1),
			RunE:  a.runPorts,
		},
		&cobra.Command{
			Use:   "print-cmd [config.toml]",
			Short: "Print the command each child would run",
			Args:  cobra.MaximumNArgs(1),
			RunE:  a.runPrintCmd,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(a.stdout, "go-topic-fleet %s\n", version)
			},
		},
	)

	return root
}

// load applies the config file, validates, and derives the fleet spec.
func (a *app) load(cmd *cobra.Command, args []string) (fleet.Spec, *slog.Logger, error) {
	if len(args) == 1 {
		a.cfg.ConfigPath = args[0]
		f, err := config.NewStore(args[0]).Load()
		if err != nil {
			return fleet.Spec{}, nil, err
		}
		config.ApplyFile(a.cfg, f, cmd.Flags())
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if a.cfg.TUIEnabled {
		logger = logging.Discard()
	} else {
		level := a.cfg.LogLevel
		if a.cfg.Verbose {
			level = "debug"
		}
		logger = logging.NewLoggerWithWriter(a.stderr, a.cfg.LogFormat, level)
	}
	logging.SetDefault(logger)

	if err := config.Validate(a.cfg); err != nil {
		return fleet.Spec{}, nil, fmt.Errorf("configuration error: %w", err)
	}

	spec, err := a.cfg.FleetSpec()
	if err != nil {
		return fleet.Spec{}, nil, err
	}
	return spec, logger, nil
}

// strategy returns the conflict strategy for the configured policy. Prompting
// needs a terminal; otherwise it falls back to picking the next base.
func (a *app) strategy(logger *slog.Logger) ports.Strategy {
	if a.cfg.ConflictPolicy != config.ConflictPrompt {
		return ports.NewAutoStrategy(1)
	}
	if f, ok := a.stdin.(*os.File); ok && ports.IsInteractive(f) {
		return ports.NewPromptStrategy(a.stdin, a.stdout)
	}
	logger.Warn("prompt_unavailable",
		"reason", "stdin is not a terminal",
		"fallback", config.ConflictAuto,
	)
	return ports.NewAutoStrategy(1)
}

func (a *app) runLaunch(cmd *cobra.Command, args []string) error {
	spec, logger, err := a.load(cmd, args)
	if err != nil {
		a.exitCode = orchestrator.ExitFailed
		return err
	}

	logger.Info("starting",
		"version", version,
		"children", len(spec.Topics),
		"host", spec.Host,
		"base_port", spec.BasePort,
		"config", spec.ConfigRef,
		"metrics_addr", a.cfg.MetricsAddr,
	)
	if !a.cfg.TUIEnabled {
		printBanner(a.stdout, a.cfg, spec)
	}

	session, err := orchestrator.New(a.cfg, spec, logger, orchestrator.Options{
		Strategy: a.strategy(logger),
		Out:      a.stdout,
		Version:  version,
	})
	if err != nil {
		a.exitCode = orchestrator.ExitFailed
		return err
	}

	code, err := session.Run(cmd.Context())
	a.exitCode = code
	if err != nil {
		logger.Error("session_failed", "error", err)
		return err
	}
	return nil
}

func (a *app) runPorts(cmd *cobra.Command, args []string) error {
	spec, logger, err := a.load(cmd, args)
	if err != nil {
		return err
	}

	allocator := ports.New(ports.Config{
		Strategy:    a.strategy(logger),
		DialTimeout: a.cfg.PortProbeTimeout,
		MaxAttempts: a.cfg.MaxPortAttempts,
		Logger:      logger,
	})

	base, err := allocator.Resolve(cmd.Context(), spec.Host, spec.BasePort, spec.Topics)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "base port: %d\n", base)
	for _, k := range spec.Topics {
		fmt.Fprintf(a.stdout, "  K=%-5d %s\n", k, spec.URL(spec.Port(base, k)))
	}
	return nil
}

func (a *app) runPrintCmd(cmd *cobra.Command, args []string) error {
	spec, _, err := a.load(cmd, args)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.stdout, "# Command that would be run for each child:")
	fmt.Fprintln(a.stdout)
	for _, k := range spec.Topics {
		port := spec.Port(spec.BasePort, k)
		dest := spec.LogPath(k)
		if dest == "" {
			dest = "(relayed)"
		}
		fmt.Fprintf(a.stdout, "# K=%d port=%d log=%s\n%s\n", k, port, dest, spec.Command(k, port))
	}
	return nil
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config, spec fleet.Spec) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                         go-topic-fleet                            ║")
	fmt.Fprintln(w, "║          One topic model server per topic count                   ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Topics:      %v\n", spec.Topics)
	fmt.Fprintf(w, "  Host:        %s\n", spec.Host)
	fmt.Fprintf(w, "  Base port:   %d\n", spec.BasePort)
	if spec.ConfigRef != "" {
		fmt.Fprintf(w, "  Config:      %s\n", spec.ConfigRef)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.ReadyTimeout > 0 {
		fmt.Fprintf(w, "  Readiness:   %s timeout\n", cfg.ReadyTimeout)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
