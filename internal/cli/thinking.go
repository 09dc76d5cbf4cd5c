package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const frameInterval = 120 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// showSpinner reports whether withThinking may draw on stderr.
var showSpinner = func() bool { return term.IsTerminal(int(os.Stderr.Fd())) }

// errInterrupted is returned when the user cancels a pending call.
var errInterrupted = errors.New("interrupted")

// Theme holds the color scheme for terminal output.
type Theme struct {
	Status    lipgloss.Color
	Assistant lipgloss.Color
	Success   lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

var defaultTheme = Theme{
	Status:    lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#AF87FF"), // purple
	Success:   lipgloss.Color("#00D787"), // green
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
}

func (t Theme) successStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

type frameMsg time.Time

type workDoneMsg struct{ err error }

// thinkingModel shows a spinner until its work function returns.
type thinkingModel struct {
	label    string
	work     func(ctx context.Context) error
	ctx      context.Context
	cancel   context.CancelFunc
	theme    Theme
	start    time.Time
	frame    int
	done     bool
	quitting bool
	err      error
}

func newThinkingModel(ctx context.Context, label string, work func(ctx context.Context) error) thinkingModel {
	ctx, cancel := context.WithCancel(ctx)
	return thinkingModel{
		label:  label,
		work:   work,
		ctx:    ctx,
		cancel: cancel,
		theme:  defaultTheme,
		start:  time.Now(),
	}
}

func (m thinkingModel) Init() tea.Cmd {
	return tea.Batch(frameCmd(), m.runWork())
}

func (m thinkingModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			// The work goroutine sees the cancellation and reports back.
			m.quitting = true
			m.cancel()
		}

	case frameMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, frameCmd()

	case workDoneMsg:
		m.done = true
		m.err = msg.err
		m.cancel()
		return m, tea.Quit
	}

	return m, nil
}

func (m thinkingModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m thinkingModel) renderContent() string {
	if m.done {
		return ""
	}
	if m.quitting {
		return m.theme.hintStyle().Render("Cancelling...") + "\n"
	}
	elapsed := time.Since(m.start).Truncate(time.Second)
	line := m.theme.statusStyle().Render(spinnerFrames[m.frame] + " " + m.label)
	if elapsed >= time.Second {
		line += " " + m.theme.hintStyle().Render(elapsed.String())
	}
	return line + "\n"
}

// runWork runs in its own goroutine so Update never blocks on the agent.
func (m thinkingModel) runWork() tea.Cmd {
	return func() tea.Msg {
		return workDoneMsg{err: m.work(m.ctx)}
	}
}

func frameCmd() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

// withThinking runs work while a spinner labelled label is shown on
// stderr. Without a terminal the work runs directly.
func withThinking(ctx context.Context, label string, work func(ctx context.Context) error) error {
	if !showSpinner() {
		return work(ctx)
	}

	model := newThinkingModel(ctx, label, work)
	p := tea.NewProgram(model, tea.WithOutput(os.Stderr), tea.WithContext(ctx))

	finalModel, err := p.Run()
	if err != nil {
		model.cancel()
		return fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(thinkingModel)
	if !ok {
		return nil
	}
	if m.quitting && errors.Is(m.err, context.Canceled) {
		return errInterrupted
	}
	return m.err
}
