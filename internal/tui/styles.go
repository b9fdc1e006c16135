package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/runtime"
	"github.com/zpdzap/beesto/internal/sandbox"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFD700")).
			Background(lipgloss.Color("#1a1a2e")).
			Padding(0, 2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	dividerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#333333"))

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#555555"))

	paneTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700")).
			Bold(true)

	portStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5599FF")).
			Underline(true)

	hotkeysStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#555555")).
			Padding(0, 2)

	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700")).
			Padding(0, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444")).
			Padding(0, 2)

	quipStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8B7500")).
			Background(lipgloss.Color("#1a1a2e"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusOther   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	// Conversation
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5599FF")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")).Bold(true)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Bold(true)
	contentStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DDDDDD"))

	// Output log
	stdoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8866"))
	sysStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Italic(true)

	// Help modal
	helpStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FFD700")).
			Padding(1, 2).
			Foreground(lipgloss.Color("#FFFFFF"))

	helpHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700")).
			Bold(true)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5599FF"))

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))
)

// sessionIcon returns the header icon and style for a sandbox status.
func sessionIcon(s sandbox.Status) (string, lipgloss.Style) {
	switch s {
	case sandbox.StatusReady:
		return "●", statusRunning
	case sandbox.StatusError:
		return "✗", statusStopped
	case sandbox.StatusIdle:
		return "○", statusIdle
	default:
		return "◌", statusOther
	}
}

func runStateStyle(s agent.State) lipgloss.Style {
	switch s {
	case agent.StateCompleted:
		return statusRunning
	case agent.StateFailed:
		return statusStopped
	default:
		return statusOther
	}
}

func streamStyle(s runtime.Stream) lipgloss.Style {
	switch s {
	case runtime.Stderr:
		return stderrStyle
	case sandbox.StreamSystem:
		return sysStyle
	default:
		return stdoutStyle
	}
}
