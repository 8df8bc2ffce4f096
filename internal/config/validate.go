package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.Host) == "" {
		errs = append(errs, ValidationError{
			Field:   "host",
			Message: "must not be empty",
		})
	}

	if cfg.BasePort < 0 || cfg.BasePort > fleet.MaxPort {
		errs = append(errs, ValidationError{
			Field:   "base_port",
			Message: fmt.Sprintf("must be between 0 and %d (got %d)", fleet.MaxPort, cfg.BasePort),
		})
	}

	topics, err := cfg.ResolveTopics()
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "topics",
			Message: err.Error(),
		})
	} else if cfg.BasePort >= 0 && !fleet.PortRangeFits(cfg.BasePort, topics) {
		errs = append(errs, ValidationError{
			Field:   "base_port",
			Message: fmt.Sprintf("base port %d + largest topic count %d exceeds %d", cfg.BasePort, fleet.MaxOffset(topics), fleet.MaxPort),
		})
	}

	if strings.TrimSpace(cfg.CommandTemplate) == "" {
		errs = append(errs, ValidationError{
			Field:   "serve_command",
			Message: "must not be empty",
		})
	} else if !strings.Contains(cfg.CommandTemplate, fleet.PlaceholderPort) {
		errs = append(errs, ValidationError{
			Field:   "serve_command",
			Message: fmt.Sprintf("must contain %s so each child binds its own port", fleet.PlaceholderPort),
		})
	}

	if cfg.LogPathTemplate != "" && len(topics) > 1 && !strings.Contains(cfg.LogPathTemplate, fleet.PlaceholderK) {
		errs = append(errs, ValidationError{
			Field:   "log_path",
			Message: fmt.Sprintf("must contain %s when more than one topic count is configured", fleet.PlaceholderK),
		})
	}

	validPolicies := map[string]bool{ConflictAuto: true, ConflictPrompt: true}
	if !validPolicies[cfg.ConflictPolicy] {
		errs = append(errs, ValidationError{
			Field:   "conflict_policy",
			Message: fmt.Sprintf("must be 'auto' or 'prompt' (got %q)", cfg.ConflictPolicy),
		})
	}

	if cfg.MaxPortAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "max_port_attempts",
			Message: "must be at least 1",
		})
	}

	if cfg.PortProbeTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "port_probe_timeout",
			Message: "must be positive",
		})
	}

	if cfg.ReadyInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ready_interval",
			Message: "must be positive",
		})
	}

	if cfg.ReadyTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "ready_timeout",
			Message: "must not be negative (0 waits forever)",
		})
	}

	if cfg.ShutdownGrace <= 0 {
		errs = append(errs, ValidationError{
			Field:   "shutdown_grace",
			Message: "must be positive",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
