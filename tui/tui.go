// Package tui shows live match results and lets the user start and stop
// recording.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"node.town/phonematch/phoneme"
	"node.town/phonematch/results"
	"node.town/phonematch/session"
)

// Controller starts and stops sessions. *session.Recorder satisfies it.
type Controller interface {
	Start(ctx context.Context) (*session.Session, error)
	Stop()
	SetPhonemes([]string)
	State() session.State
	Connected() bool
}

type (
	StateMsg      session.State
	ConnectionMsg bool
	ResultMsg     phoneme.MatchResult

	startedMsg struct{ err error }
	stoppedMsg struct{}
)

// Bridge is a session.Observer that forwards events to the program.
type Bridge struct {
	events chan tea.Msg
	done   chan struct{}
}

func NewBridge() *Bridge {
	return &Bridge{
		events: make(chan tea.Msg, 64),
		done:   make(chan struct{}),
	}
}

func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.events <- msg:
	case <-b.done:
	}
}

func (b *Bridge) StateChanged(s session.State)         { b.send(StateMsg(s)) }
func (b *Bridge) ConnectionChanged(connected bool)     { b.send(ConnectionMsg(connected)) }
func (b *Bridge) ResultReceived(r phoneme.MatchResult) { b.send(ResultMsg(r)) }

// Close stops forwarding. Later events are dropped.
func (b *Bridge) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func waitForEvent(events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

var (
	accent   = lipgloss.Color("#25A065")
	dim      = lipgloss.Color("240")
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(accent).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(dim)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

type Model struct {
	ctx        context.Context
	controller Controller
	log        *results.Log
	events     chan tea.Msg

	viewport viewport.Model
	input    textinput.Model
	ready    bool
	editing  bool

	phonemes  phoneme.Phonemes
	state     session.State
	connected bool
	err       error
}

func New(ctx context.Context, c Controller, l *results.Log, b *Bridge, expected phoneme.Phonemes) Model {
	input := textinput.New()
	input.Prompt = "phonemes> "
	input.Placeholder = phoneme.DefaultPhonemes

	return Model{
		ctx:        ctx,
		controller: c,
		log:        l,
		events:     b.events,
		input:      input,
		phonemes:   expected.Clone(),
		state:      c.State(),
		connected:  c.Connected(),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m Model) active() bool {
	return m.state == session.Connecting || m.state == session.Streaming
}

func (m Model) startCmd() tea.Cmd {
	c, ctx := m.controller, m.ctx
	return func() tea.Msg {
		_, err := c.Start(ctx)
		return startedMsg{err: err}
	}
}

func (m Model) stopCmd() tea.Cmd {
	c := m.controller
	return func() tea.Msg {
		c.Stop()
		return stoppedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.controller.Stop()
			return m, tea.Quit
		case "s":
			if !m.active() {
				m.err = nil
				cmds = append(cmds, m.startCmd())
			}
		case "x":
			if m.active() {
				cmds = append(cmds, m.stopCmd())
			}
		case "e":
			if !m.active() {
				m.editing = true
				m.input.SetValue(m.phonemes.String())
				m.input.CursorEnd()
				cmds = append(cmds, m.input.Focus())
			}
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.resultsView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.input.Width = msg.Width - len(m.input.Prompt) - 1

	case StateMsg:
		m.state = session.State(msg)
		cmds = append(cmds, waitForEvent(m.events))

	case ConnectionMsg:
		m.connected = bool(msg)
		cmds = append(cmds, waitForEvent(m.events))

	case ResultMsg:
		m.viewport.SetContent(m.resultsView())
		m.viewport.GotoTop()
		cmds = append(cmds, waitForEvent(m.events))

	case startedMsg:
		m.err = msg.err

	case stoppedMsg:
		m.state = m.controller.State()
		m.connected = m.controller.Connected()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		parsed := phoneme.ParsePhonemes(m.input.Value())
		if err := parsed.Validate(); err != nil {
			m.err = err
			return m, nil
		}
		m.phonemes = parsed
		m.controller.SetPhonemes(parsed)
		m.editing = false
		m.err = nil
		m.input.Blur()
		return m, nil
	case tea.KeyEsc:
		m.editing = false
		m.input.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m Model) statusLine() string {
	connection := "○ Disconnected"
	if m.connected {
		connection = "● Connected"
	}
	return fmt.Sprintf("%s  %s  expected: %s", connection, m.state, m.phonemes)
}

func (m Model) headerView() string {
	title := barStyle.Render("Phoneme Match")
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)),
	)
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, line)

	lines := []string{header, m.statusLine()}
	if m.editing {
		lines = append(lines, m.input.View())
	}
	if m.err != nil {
		lines = append(lines, errStyle.Render(m.err.Error()))
	}
	return strings.Join(lines, "\n")
}

func (m Model) footerView() string {
	help := "s start · e edit phonemes · q quit"
	switch {
	case m.editing:
		help = "enter save · esc cancel"
	case m.active():
		help = "x stop · q quit"
	}
	info := barStyle.Render(help)
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m Model) resultsView() string {
	entries := m.log.Entries()
	if len(entries) == 0 {
		return dimStyle.Render("No results yet.")
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(titleStyle.Render(e.Title()))
		b.WriteString("\n")
		for _, line := range e.Lines() {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
