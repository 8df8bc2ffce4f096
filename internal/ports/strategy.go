package ports

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// ErrPromptAborted is returned when the operator closes the prompt input.
var ErrPromptAborted = errors.New("port prompt aborted")

// Strategy picks the next base port to try after a conflict.
type Strategy interface {
	Next(ctx context.Context, conflict *ConflictError) (int, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, conflict *ConflictError) (int, error)

// Next calls f.
func (f StrategyFunc) Next(ctx context.Context, conflict *ConflictError) (int, error) {
	return f(ctx, conflict)
}

// resetter is implemented by strategies that remember earlier candidates.
// Resolve resets them so every resolution starts from the same state.
type resetter interface {
	Reset()
}

// AutoStrategy steps the base port forward, never revisiting a base it
// has already rejected.
type AutoStrategy struct {
	step  int
	tried map[int]bool
}

// NewAutoStrategy creates an AutoStrategy. Step defaults to 1.
func NewAutoStrategy(step int) *AutoStrategy {
	if step <= 0 {
		step = 1
	}
	return &AutoStrategy{step: step, tried: make(map[int]bool)}
}

// Reset forgets every base tried so far.
func (s *AutoStrategy) Reset() {
	clear(s.tried)
}

// Next returns the next untested base port.
func (s *AutoStrategy) Next(_ context.Context, conflict *ConflictError) (int, error) {
	s.tried[conflict.BasePort] = true

	candidate := conflict.BasePort + s.step
	for s.tried[candidate] {
		candidate += s.step
	}

	if !fleet.PortRangeFits(candidate, conflict.Offsets) {
		return 0, fmt.Errorf("%w: next base port %d leaves the port range", ErrExhausted, candidate)
	}
	s.tried[candidate] = true
	return candidate, nil
}

// PromptStrategy asks the operator for a new base port.
type PromptStrategy struct {
	out     io.Writer
	scanner *bufio.Scanner
}

// NewPromptStrategy creates a PromptStrategy reading from in and writing
// prompts to out.
func NewPromptStrategy(in io.Reader, out io.Writer) *PromptStrategy {
	return &PromptStrategy{out: out, scanner: bufio.NewScanner(in)}
}

// Next prompts until the operator enters a usable port. An empty answer
// accepts the suggested base (the conflicting base plus one).
func (s *PromptStrategy) Next(ctx context.Context, conflict *ConflictError) (int, error) {
	suggestion := conflict.BasePort + 1

	fmt.Fprintf(s.out, "%s\n", conflict.Error())
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		fmt.Fprintf(s.out, "Enter a new base port [%d]: ", suggestion)
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrPromptAborted, err)
			}
			return 0, ErrPromptAborted
		}

		answer := strings.TrimSpace(s.scanner.Text())
		if answer == "" {
			return suggestion, nil
		}

		port, err := strconv.Atoi(answer)
		if err != nil {
			fmt.Fprintf(s.out, "%q is not a number\n", answer)
			continue
		}
		if !fleet.PortRangeFits(port, conflict.Offsets) {
			fmt.Fprintf(s.out, "base port %d + %d exceeds %d\n", port, fleet.MaxOffset(conflict.Offsets), fleet.MaxPort)
			continue
		}
		return port, nil
	}
}

// IsInteractive reports whether f is a terminal an operator can answer on.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
