// Package console renders a streamed run in the terminal, either as a
// bubbletea program or as plain lines.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/FranGenoa/HeadlineArt/coreengine/config"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/runtime"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
)

// Event lines are cut to this many runes in the live view.
const previewRunes = 160

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	stageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	gateStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	outputBox    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#4CAF50")).Padding(0, 1)
)

type eventMsg struct {
	event envelope.StageEvent
}

type finishedMsg struct {
	result *runtime.Result
}

// Model is the bubbletea model for one streamed run.
type Model struct {
	cfg     *config.PipelineConfig
	handle  *runtime.Handle
	cancel  context.CancelFunc
	spinner spinner.Model

	events    []envelope.StageEvent
	result    *runtime.Result
	cancelled bool
	width     int
}

// NewModel watches h. cancel is called when the user interrupts; it may be nil.
func NewModel(cfg *config.PipelineConfig, h *runtime.Handle, cancel context.CancelFunc) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = stageStyle
	return &Model{cfg: cfg, handle: h, cancel: cancel, spinner: s}
}

// Init starts the spinner and the event pump.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.handle))
}

// waitForEvent delivers the next event, or the result once the stream closes.
func waitForEvent(h *runtime.Handle) tea.Cmd {
	return func() tea.Msg {
		if ev, ok := <-h.Events; ok {
			return eventMsg{event: ev}
		}
		run, err := h.Wait()
		return finishedMsg{result: runtime.NewResult(run, err)}
	}
}

// Update handles events, the final result, resizes and interrupts.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.result != nil {
				return m, tea.Quit
			}
			if !m.cancelled && m.cancel != nil {
				m.cancelled = true
				m.cancel()
			}
		}
		return m, nil

	case eventMsg:
		m.events = append(m.events, msg.event)
		return m, waitForEvent(m.handle)

	case finishedMsg:
		m.result = msg.result
		return m, tea.Quit

	case spinner.TickMsg:
		if m.result != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the event log, a status line and, at the end, the output.
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("HeadlineArt"))
	b.WriteString(hintStyle.Render("  " + m.handle.Run.RunID))
	b.WriteString("\n\n")

	for _, ev := range m.events {
		b.WriteString(m.stageLabel(ev.Stage))
		b.WriteString(" ")
		b.WriteString(textStyle.Render(envelope.TruncateRunes(firstLine(ev.Text), previewRunes)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.result == nil && m.cancelled:
		b.WriteString(m.spinner.View() + " cancelling...\n")
	case m.result == nil:
		b.WriteString(m.spinner.View() + " running")
		if n := len(m.events); n > 0 {
			b.WriteString(" after " + m.displayName(m.events[n-1].Stage))
		}
		b.WriteString(hintStyle.Render("  (q to cancel)") + "\n")
	default:
		b.WriteString(renderResult(m.result, m.width))
	}
	return b.String()
}

// Result is the run summary once the program has finished.
func (m *Model) Result() *runtime.Result { return m.result }

func (m *Model) stageLabel(stage string) string {
	label := fmt.Sprintf("%-16s", m.displayName(stage))
	if sc := m.cfg.GetStage(stage); sc != nil && sc.Kind == config.StageGate {
		return gateStyle.Render(label)
	}
	return stageStyle.Render(label)
}

func (m *Model) displayName(stage string) string {
	if sc := m.cfg.GetStage(stage); sc != nil {
		return sc.DisplayName
	}
	return stage
}

func renderResult(res *runtime.Result, width int) string {
	var b strings.Builder
	if res.Status == storage.StatusError {
		b.WriteString(failureStyle.Render("run failed: "+res.Error) + "\n")
		return b.String()
	}
	b.WriteString(successStyle.Render(fmt.Sprintf("run %s (%s, %d review cycles)", res.Status, res.TerminalReason, res.ReviewCycles)))
	b.WriteString("\n")
	if res.OutputText != "" {
		box := outputBox
		if width > 4 {
			box = box.Width(width - 4)
		}
		b.WriteString(box.Render(res.OutputText))
		b.WriteString("\n")
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// =============================================================================
// Plain output
// =============================================================================

// Print drains h, writing one line per event and then the output, and
// returns the run summary.
func Print(w io.Writer, h *runtime.Handle) *runtime.Result {
	for ev := range h.Events {
		fmt.Fprintf(w, "[%d] %s\n", ev.Seq, ev.Text)
	}
	run, err := h.Wait()
	res := runtime.NewResult(run, err)

	fmt.Fprintf(w, "\nrun %s: %s (%s)\n", res.RunID, res.Status, res.TerminalReason)
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
	if res.OutputText != "" {
		fmt.Fprintf(w, "\n%s\n", res.OutputText)
	}
	return res
}
