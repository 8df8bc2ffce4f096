package config

import (
	"github.com/spf13/pflag"
)

// Flag names that a config file may also set.
const (
	flagHost       = "host"
	flagPort       = "port"
	flagTopics     = "topics"
	flagTopicRange = "topic-range"
	flagLogPath    = "log-path"
	flagServeCmd   = "serve-command"
)

// BindFlags registers every option on fs, with cfg's values as defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.SortFlags = false

	// Fleet
	fs.StringVar(&cfg.Host, flagHost, cfg.Host, "Host children bind and are browsed on")
	fs.IntVarP(&cfg.BasePort, flagPort, "p", cfg.BasePort, "Base port; child K listens on base+K")
	fs.IntSliceVarP(&cfg.Topics, flagTopics, "k", cfg.Topics, "Topic counts to serve (overrides --topic-range)")
	fs.StringVar(&cfg.TopicRange, flagTopicRange, cfg.TopicRange, `Topic counts as "start,stop[,step]", stop exclusive`)
	fs.StringVar(&cfg.LogPathTemplate, flagLogPath, cfg.LogPathTemplate, "Per-child log file; {k} is the topic count (empty relays output)")
	fs.StringVar(&cfg.CommandTemplate, flagServeCmd, cfg.CommandTemplate, "Child command; {k}, {port} and {config} are substituted")
	fs.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Working directory for children")

	// Port resolution
	fs.StringVar(&cfg.ConflictPolicy, "conflict", cfg.ConflictPolicy, `On port conflict: "auto" picks the next base, "prompt" asks`)
	fs.IntVar(&cfg.MaxPortAttempts, "max-port-attempts", cfg.MaxPortAttempts, "Base ports to try before giving up")
	fs.DurationVar(&cfg.PortProbeTimeout, "port-probe-timeout", cfg.PortProbeTimeout, "Timeout per port conflict probe")
	fs.BoolVar(&cfg.NoPersist, "no-persist", cfg.NoPersist, "Do not write a changed base port back to the config file")

	// Readiness and shutdown
	fs.DurationVar(&cfg.ReadyInterval, "ready-interval", cfg.ReadyInterval, "Interval between readiness probes")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "Give up waiting for the first child (0 = forever)")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Time children get to exit before being killed")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsDump, "metrics-dump", cfg.MetricsDump, "Write final metrics in text format to this file")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show the live fleet dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
}

// ApplyFile copies file values into cfg for every option that was not set
// on the command line. Flags always win.
func ApplyFile(cfg *Config, f *File, fs *pflag.FlagSet) {
	changed := func(name string) bool {
		return fs != nil && fs.Changed(name)
	}

	if f.WWW.Host != "" && !changed(flagHost) {
		cfg.Host = f.WWW.Host
	}
	if (f.WWW.Port != 0 || f.Defined("www", "port")) && !changed(flagPort) {
		cfg.BasePort = f.WWW.Port
	}
	if !changed(flagTopics) && !changed(flagTopicRange) {
		switch {
		case len(f.Main.Topics) > 0:
			cfg.Topics = append([]int(nil), f.Main.Topics...)
		case f.Main.TopicRange != "":
			cfg.Topics = nil
			cfg.TopicRange = f.Main.TopicRange
		}
	}
	if f.Main.ServeCommand != "" && !changed(flagServeCmd) {
		cfg.CommandTemplate = f.Main.ServeCommand
	}
	if f.Logging.Path != "" && !changed(flagLogPath) {
		cfg.LogPathTemplate = f.Logging.Path
	}
}
