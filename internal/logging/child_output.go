package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines to buffer per child.
	MaxBufferedLines = 100
)

// ChildOutputHandler relays the output of a child that has no log file.
// It keeps the most recent lines for the exit summary.
type ChildOutputHandler struct {
	k       int
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex

	drained chan struct{}
}

// NewChildOutputHandler creates a handler for child K.
func NewChildOutputHandler(k int, logger *slog.Logger, verbose bool) *ChildOutputHandler {
	return &ChildOutputHandler{
		k:       k,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
		drained: make(chan struct{}),
	}
}

// HandleReader reads lines until EOF. Run it in a goroutine. Lines longer
// than MaxLineLength are truncated and reading carries on with the next one.
func (h *ChildOutputHandler) HandleReader(r io.Reader) {
	defer close(h.drained)

	br := bufio.NewReaderSize(r, MaxLineLength)
	line := make([]byte, 0, MaxLineLength)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				h.HandleLine(string(line))
			}
			return
		}

		// One byte past the limit is enough for HandleLine to mark it truncated.
		if room := MaxLineLength + 1 - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		h.HandleLine(string(line))
		line = line[:0]
	}
}

// WaitDrained waits up to timeout for HandleReader to reach EOF.
func (h *ChildOutputHandler) WaitDrained(timeout time.Duration) bool {
	select {
	case <-h.drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

// HandleLine processes a single line of child output.
func (h *ChildOutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

func (h *ChildOutputHandler) logLine(line string) {
	level := h.classifyLine(line)

	// Access logs are noise unless asked for.
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "child_output",
		"k", h.k,
		"line", line,
	)
}

// classifyLine picks a log level from the line's content.
func (h *ChildOutputHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "traceback"),
		strings.Contains(lower, "exception"),
		strings.Contains(lower, "error"),
		strings.Contains(lower, "address already in use"),
		strings.Contains(lower, "permission denied"):
		return slog.LevelWarn
	case strings.Contains(lower, "warning"):
		return slog.LevelWarn
	case strings.Contains(line, "\"GET "),
		strings.Contains(line, "\"POST "),
		strings.Contains(line, "\"HEAD "):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *ChildOutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are the failure signatures counted for the exit summary.
var ErrorPatterns = []string{
	"Traceback",
	"Address already in use",
	"Permission denied",
	"No such file or directory",
	"ModuleNotFoundError",
	"Killed",
}

// CountErrors counts occurrences of ErrorPatterns in the buffer.
func (h *ChildOutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
