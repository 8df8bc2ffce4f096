package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-topic-fleet/internal/fleet"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// StatusMsg carries an updated session status.
type StatusMsg struct {
	Status Status
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Status is a point-in-time view of a launch session.
type Status struct {
	Phase      string
	Host       string
	BasePort   int
	Ready      bool
	ReadyAfter time.Duration
	Draining   bool
	Children   []fleet.Info
}

// StatusSource provides the current session status.
type StatusSource interface {
	Status() Status
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	metricsAddr string
	configPath  string

	// Current state
	status     Status
	startTime  time.Time
	lastUpdate time.Time
	showLogs   bool

	// Display options
	width  int
	height int

	source StatusSource

	// onQuit starts the fleet drain; nil means quitting only closes the view.
	onQuit func()

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	MetricsAddr string
	ConfigPath  string
	Source      StatusSource
	OnQuit      func()
}

// New creates a new TUI model.
func New(cfg Config) Model {
	m := Model{
		metricsAddr: cfg.MetricsAddr,
		configPath:  cfg.ConfigPath,
		source:      cfg.Source,
		onQuit:      cfg.OnQuit,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
	if m.source != nil {
		m.status = m.source.Status()
	}
	return m
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.status = m.source.Status()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case StatusMsg:
		m.status = msg.Status
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// RunningChildren returns the number of children in StateRunning.
func (m Model) RunningChildren() int {
	n := 0
	for _, c := range m.status.Children {
		if c.State == fleet.StateRunning {
			n++
		}
	}
	return n
}

// TargetChildren returns the configured child count.
func (m Model) TargetChildren() int {
	return len(m.status.Children)
}

// SpawnProgress returns the running fraction of the fleet (0.0 to 1.0).
func (m Model) SpawnProgress() float64 {
	if len(m.status.Children) == 0 {
		return 0
	}
	return float64(m.RunningChildren()) / float64(len(m.status.Children))
}

// Quitting reports whether the operator asked to quit.
func (m Model) Quitting() bool {
	return m.quitting
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatPID renders a pid, or a dash before the child started.
func formatPID(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

// truncate shortens s to width runes with an ellipsis.
func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 3 || len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
