package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
	"github.com/zpdzap/beesto/internal/sandbox"
)

// Component events forwarded into the program by subscribers.
type (
	sandboxEventMsg sandbox.Event
	chatEventMsg    chat.Event
	runEventMsg     agent.RunEvent
)

// bootDoneMsg is sent when the launch sequence finishes.
type bootDoneMsg struct {
	err error
}

// turnDoneMsg is sent when a chat or agent turn returns.
type turnDoneMsg struct {
	err error
}

// rollbackDoneMsg is sent when a rollback finishes.
type rollbackDoneMsg struct {
	runID string
	err   error
}

// statusTickMsg refreshes elapsed times in the header.
type statusTickMsg time.Time

// tickCmd returns a command that sends a tick every second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
