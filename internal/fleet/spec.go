// Package fleet holds the data model shared by the fleet orchestrator:
// the immutable fleet specification and the per-topic child records.
package fleet

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MaxPort is the highest valid TCP port.
const MaxPort = 65535

// ErrInvalidSpec is wrapped by every Spec validation failure.
var ErrInvalidSpec = errors.New("invalid fleet spec")

// Template substitution sites.
const (
	PlaceholderK      = "{k}"
	PlaceholderPort   = "{port}"
	PlaceholderConfig = "{config}"
)

// Spec describes one launch session. It is immutable once validated.
type Spec struct {
	// Host is the address children bind and operators browse.
	Host string

	// BasePort is the declared base port. Child K listens on BasePort+K.
	BasePort int

	// Topics are the topic counts, in configured order.
	Topics []int

	// LogPathTemplate is the per-child log path; "{k}" is replaced by K.
	// Empty means child output is relayed into the orchestrator log.
	LogPathTemplate string

	// CommandTemplate starts one child. Supports {k}, {port} and {config}.
	CommandTemplate string

	// ConfigRef is the configuration reference handed to every child.
	ConfigRef string
}

// Validate checks the invariants of a Spec.
func (s Spec) Validate() error {
	var errs []error

	if len(s.Topics) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one topic count is required", ErrInvalidSpec))
	}

	seen := make(map[int]bool, len(s.Topics))
	for _, k := range s.Topics {
		if k <= 0 {
			errs = append(errs, fmt.Errorf("%w: topic count %d must be positive", ErrInvalidSpec, k))
			continue
		}
		if seen[k] {
			errs = append(errs, fmt.Errorf("%w: duplicate topic count %d", ErrInvalidSpec, k))
		}
		seen[k] = true
	}

	if s.BasePort < 0 {
		errs = append(errs, fmt.Errorf("%w: base port %d must not be negative", ErrInvalidSpec, s.BasePort))
	} else if len(s.Topics) > 0 && !PortRangeFits(s.BasePort, s.Topics) {
		errs = append(errs, fmt.Errorf("%w: base port %d + topic count %d exceeds %d",
			ErrInvalidSpec, s.BasePort, MaxOffset(s.Topics), MaxPort))
	}

	if strings.TrimSpace(s.CommandTemplate) == "" {
		errs = append(errs, fmt.Errorf("%w: command template is empty", ErrInvalidSpec))
	}

	return errors.Join(errs...)
}

// Port returns the port child k binds for the given base port.
func (s Spec) Port(base, k int) int {
	return base + k
}

// URL returns the browse URL for a child port.
func (s Spec) URL(port int) string {
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(port)) + "/"
}

// LogPath renders the log path for child k. Empty when no template is set.
func (s Spec) LogPath(k int) string {
	if s.LogPathTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(s.LogPathTemplate, PlaceholderK, strconv.Itoa(k))
}

// Command renders the command line for child k on the given port.
func (s Spec) Command(k, port int) string {
	return Expand(s.CommandTemplate, k, port, s.ConfigRef)
}

// Expand substitutes {k}, {port} and {config} in tmpl.
func Expand(tmpl string, k, port int, configRef string) string {
	r := strings.NewReplacer(
		PlaceholderK, strconv.Itoa(k),
		PlaceholderPort, strconv.Itoa(port),
		PlaceholderConfig, configRef,
	)
	return r.Replace(tmpl)
}

// MaxOffset returns the largest offset, or 0 for an empty slice.
func MaxOffset(offsets []int) int {
	max := 0
	for _, o := range offsets {
		if o > max {
			max = o
		}
	}
	return max
}

// PortRangeFits reports whether base+o is a valid TCP port for every offset.
func PortRangeFits(base int, offsets []int) bool {
	if base < 0 {
		return false
	}
	for _, o := range offsets {
		p := base + o
		if p < 1 || p > MaxPort {
			return false
		}
	}
	return true
}

// ProbeHost maps wildcard bind addresses to loopback. A listener bound to
// 0.0.0.0 is not reachable by connecting to 0.0.0.0 on every platform.
func ProbeHost(host string) string {
	switch strings.Trim(host, "[]") {
	case "", "0.0.0.0", "*":
		return "127.0.0.1"
	case "::":
		return "::1"
	default:
		return host
	}
}

// TopicRange expands a "start,stop,step" range. Stop is exclusive.
func TopicRange(spec string) ([]int, error) {
	parts := strings.Split(spec, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("topic range %q: want start,stop[,step]", spec)
	}

	vals := make([]int, 3)
	vals[2] = 1
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("topic range %q: %w", spec, err)
		}
		vals[i] = n
	}

	start, stop, step := vals[0], vals[1], vals[2]
	if step <= 0 {
		return nil, fmt.Errorf("topic range %q: step must be positive", spec)
	}
	if start < 0 {
		return nil, fmt.Errorf("topic range %q: start must not be negative", spec)
	}
	// No K above MaxPort can ever get a port; bound the expansion there.
	if stop > MaxPort+1 {
		return nil, fmt.Errorf("topic range %q: stop exceeds %d", spec, MaxPort)
	}

	var out []int
	for k := start; k < stop; k += step {
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("topic range %q is empty", spec)
	}
	return out, nil
}
