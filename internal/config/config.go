// Package config provides configuration management for go-topic-fleet.
package config

import (
	"fmt"
	"time"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// Conflict policies.
const (
	ConflictAuto   = "auto"
	ConflictPrompt = "prompt"
)

// DefaultCommandTemplate starts one topic explorer server.
const DefaultCommandTemplate = "topicexplorer serve -k {k} -p {port} {config}"

// Config holds all configuration options for the orchestrator.
type Config struct {
	// Source file; also passed to children as {config}.
	ConfigPath string `json:"config_path"`

	// Fleet
	Host            string `json:"host"`
	BasePort        int    `json:"base_port"`
	Topics          []int  `json:"topics"`
	TopicRange      string `json:"topic_range"` // "start,stop[,step]", used when Topics is empty
	LogPathTemplate string `json:"log_path"`
	CommandTemplate string `json:"serve_command"`
	WorkDir         string `json:"work_dir"`

	// Port resolution
	ConflictPolicy   string        `json:"conflict_policy"` // auto, prompt
	MaxPortAttempts  int           `json:"max_port_attempts"`
	PortProbeTimeout time.Duration `json:"port_probe_timeout"`
	NoPersist        bool          `json:"no_persist"`

	// Readiness
	ReadyInterval time.Duration `json:"ready_interval"`
	ReadyTimeout  time.Duration `json:"ready_timeout"` // 0 = wait forever

	// Shutdown
	ShutdownGrace time.Duration `json:"shutdown_grace"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	MetricsDump string `json:"metrics_dump"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`
	TUIEnabled  bool   `json:"tui"`

	// Diagnostics
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		BasePort:        8000,
		TopicRange:      "10,100,10",
		CommandTemplate: DefaultCommandTemplate,

		ConflictPolicy:   ConflictAuto,
		MaxPortAttempts:  64,
		PortProbeTimeout: 250 * time.Millisecond,

		ReadyInterval: time.Second,
		ReadyTimeout:  0,

		ShutdownGrace: 5 * time.Second,

		MetricsAddr: "",
		LogFormat:   "json",
		LogLevel:    "info",
	}
}

// ResolveTopics returns the explicit topic list, or the expanded range.
func (c *Config) ResolveTopics() ([]int, error) {
	if len(c.Topics) > 0 {
		return append([]int(nil), c.Topics...), nil
	}
	if c.TopicRange == "" {
		return nil, fmt.Errorf("no topics configured")
	}
	return fleet.TopicRange(c.TopicRange)
}

// FleetSpec derives the session's fleet specification.
func (c *Config) FleetSpec() (fleet.Spec, error) {
	topics, err := c.ResolveTopics()
	if err != nil {
		return fleet.Spec{}, err
	}
	spec := fleet.Spec{
		Host:            c.Host,
		BasePort:        c.BasePort,
		Topics:          topics,
		LogPathTemplate: c.LogPathTemplate,
		CommandTemplate: c.CommandTemplate,
		ConfigRef:       c.ConfigPath,
	}
	if err := spec.Validate(); err != nil {
		return fleet.Spec{}, err
	}
	return spec, nil
}

// ShouldPersist reports whether a resolved base port must be written back.
func (c *Config) ShouldPersist(resolved int) bool {
	return resolved != c.BasePort && c.ConfigPath != "" && !c.NoPersist
}
