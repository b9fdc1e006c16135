package tui

import (
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
	"github.com/zpdzap/beesto/internal/sandbox"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case statusTickMsg:
		return m, tickCmd()

	case sandboxEventMsg:
		switch {
		case msg.Kind == sandbox.EventStatus && msg.Err != nil:
			m.setError(msg.Err)
		case msg.Kind == sandbox.EventPreview && msg.PreviewURL != "":
			m.setMessage("Preview ready at " + msg.PreviewURL)
		}
		return m, nil

	case chatEventMsg:
		m.refreshChat()
		return m, nil

	case runEventMsg:
		switch {
		case msg.RolledBack:
			m.setMessage(fmt.Sprintf("Rolled back run %s", shortID(msg.RunID)))
		case msg.State == agent.StateFailed && msg.Err != nil:
			m.setError(fmt.Errorf("agent run failed: %w", msg.Err))
		case msg.State == agent.StateCompleted && msg.Report != nil:
			m.setMessage("Agent run completed: " + msg.Report.Summary)
		}
		return m, nil

	case bootDoneMsg:
		m.booting = false
		if msg.err != nil {
			m.setError(msg.err)
		}
		return m, nil

	case turnDoneMsg:
		if msg.err != nil {
			m.setError(msg.err)
		}
		return m, nil

	case rollbackDoneMsg:
		if msg.err != nil {
			m.setError(fmt.Errorf("rollback %s: %w", shortID(msg.runID), msg.err))
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		switch {
		case m.showHelp:
			m.showHelp = false
		case m.showDiff:
			m.showDiff = false
		default:
			m.input.SetValue("")
		}
		return m, nil

	case "?":
		// Only a bare "?" toggles help; otherwise it is part of the message.
		if m.input.Value() == "" {
			m.showHelp = !m.showHelp
			return m, nil
		}

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.chatView, cmd = m.chatView.Update(msg)
		return m, cmd

	case "enter":
		return m.processInput()
	}

	// While help is showing, ignore other keys
	if m.showHelp {
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) processInput() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if input == "" {
		return m, nil
	}

	cmd := ParseCommand(input)
	if cmd == nil {
		return m.sendTurn(input, m.mode)
	}

	switch cmd.Name {
	case "/boot":
		return m.boot()

	case "/chat":
		if len(cmd.Args) == 0 {
			return m.usage("/chat <message>")
		}
		return m.sendTurn(cmd.Rest(), chat.ModeChat)

	case "/agent":
		if len(cmd.Args) == 0 {
			return m.usage("/agent <goal>")
		}
		return m.sendTurn(cmd.Rest(), chat.ModeAgent)

	case "/mode":
		if len(cmd.Args) != 1 {
			return m.usage("/mode chat|agent")
		}
		mode, err := chat.ParseMode(cmd.Args[0])
		if err != nil {
			m.setError(err)
			return m, nil
		}
		m.mode = mode
		m.setMessage(fmt.Sprintf("Plain messages now go to %s mode", mode))
		return m, nil

	case "/rollback":
		return m.rollback()

	case "/diff":
		m.showDiff = !m.showDiff
		return m, nil

	case "/clear":
		if err := m.chat.Clear(); err != nil {
			m.setError(err)
			return m, nil
		}
		m.showDiff = false
		m.refreshChat()
		m.setMessage("Conversation cleared")
		return m, nil

	case "/export":
		if len(cmd.Args) != 1 {
			return m.usage("/export <file>")
		}
		data, err := m.chat.Export()
		if err == nil {
			err = os.WriteFile(cmd.Args[0], data, 0o644)
		}
		if err != nil {
			m.setError(fmt.Errorf("export: %w", err))
			return m, nil
		}
		m.setMessage("Conversation written to " + cmd.Args[0])
		return m, nil

	case "/help":
		m.showHelp = !m.showHelp
		return m, nil

	case "/quit":
		m.quitting = true
		return m, tea.Quit

	default:
		m.setError(fmt.Errorf("unknown command: %s", cmd.Name))
		return m, nil
	}
}

func (m model) sendTurn(content string, mode chat.Mode) (tea.Model, tea.Cmd) {
	if m.chat.Busy() {
		m.setError(chat.ErrTurnInProgress)
		return m, nil
	}
	if mode == chat.ModeAgent && m.agent == nil {
		m.setError(errors.New("agent mode is not available"))
		return m, nil
	}
	m.message = ""
	ctx, o := m.ctx, m.chat
	return m, func() tea.Msg {
		return turnDoneMsg{err: o.SendTurn(ctx, content, mode)}
	}
}

func (m model) boot() (tea.Model, tea.Cmd) {
	if m.booting {
		m.setMessage("Boot already in progress")
		return m, nil
	}
	if m.sb.Status() == sandbox.StatusReady {
		m.setMessage("Sandbox is already running at " + m.sb.PreviewURL())
		return m, nil
	}
	m.booting = true
	m.setMessage("Booting sandbox...")
	ctx, sb := m.ctx, m.sb
	return m, func() tea.Msg {
		return bootDoneMsg{err: sb.Launch(ctx)}
	}
}

func (m model) rollback() (tea.Model, tea.Cmd) {
	if m.agent == nil {
		m.setError(errors.New("agent mode is not available"))
		return m, nil
	}
	run := m.agent.Last()
	if run == nil {
		m.setError(errors.New("no agent run to roll back"))
		return m, nil
	}
	m.setMessage(fmt.Sprintf("Rolling back run %s...", shortID(run.ID())))
	ctx, ex := m.ctx, m.agent
	return m, func() tea.Msg {
		return rollbackDoneMsg{runID: run.ID(), err: ex.Rollback(ctx, run)}
	}
}

func (m model) usage(u string) (tea.Model, tea.Cmd) {
	m.setError(errors.New("usage: " + u))
	return m, nil
}

func (m *model) setMessage(s string) {
	m.message = s
	m.isError = false
}

func (m *model) setError(err error) {
	m.message = "Error: " + err.Error()
	m.isError = true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
