package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
)

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	height := m.bodyHeight()
	left := lipgloss.NewStyle().Width(m.chatWidth()).Height(height).Render(
		paneTitleStyle.Render(fmt.Sprintf("Chat (%s)", m.mode)) + "\n" + m.chatView.View())
	sep := dividerStyle.Render(strings.TrimSuffix(strings.Repeat("│\n", height), "\n"))
	right := lipgloss.NewStyle().Width(m.sideWidth()).Height(height).MaxHeight(height).Render(m.renderSide(height))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", sep, " ", right))
	b.WriteString("\n")

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(hotkeysStyle.Render("[enter] send  [pgup/pgdn] scroll  [esc] clear  [?] help  /boot /agent /rollback /diff"))
	b.WriteString("\n")
	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) renderHeader() string {
	title := "beesto"
	if m.cfg != nil && m.cfg.Project != "" {
		title += " · " + m.cfg.Project
	}

	status := m.sb.Status()
	icon, iStyle := sessionIcon(status)
	parts := []string{title, iStyle.Render(icon + " " + string(status))}
	if url := m.sb.PreviewURL(); url != "" {
		parts = append(parts, portStyle.Render(url))
	}
	if m.agent != nil {
		if run := m.agent.Active(); run != nil {
			elapsed := time.Since(run.StartedAt()).Truncate(time.Second)
			parts = append(parts, runStateStyle(run.State()).Render(fmt.Sprintf("agent %s %s", run.State(), elapsed)))
		}
	}
	left := strings.Join(parts, "  ")

	quip := quipStyle.Render(m.quip)
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(quip) - 4
	if gap < 1 {
		gap = 1
	}
	return headerStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + quip)
}

// renderSide renders the agent timeline over the sandbox output log, or the
// last run's change tree when toggled.
func (m model) renderSide(height int) string {
	width := m.sideWidth()
	clip := lipgloss.NewStyle().MaxWidth(width)

	if m.showDiff {
		var run *agent.Run
		if m.agent != nil {
			run = m.agent.Last()
		}
		if run == nil {
			return paneTitleStyle.Render("Changes") + "\n" + emptyStyle.Render("No agent run yet")
		}
		tree := buildDiffTree(run.Goal(), run.Report(), run.RolledBack())
		return paneTitleStyle.Render("Changes") + "\n" + clip.Render(tree)
	}

	timelineHeight := max(2, height/2)
	outputHeight := max(2, height-timelineHeight)

	var b strings.Builder
	b.WriteString(paneTitleStyle.Render("Agent"))
	b.WriteString("\n")
	entries := m.chat.Timeline()
	if len(entries) == 0 {
		b.WriteString(emptyStyle.Render("No agent activity. Try /agent <goal>"))
		b.WriteString("\n")
		padLines(&b, timelineHeight-3)
	} else {
		entries = entries[max(0, len(entries)-(timelineHeight-2)):]
		for _, e := range entries {
			line := statsStyle.Render(e.Time.Format("15:04:05")) + " " + runStateStyle(e.State).Render(e.Text)
			b.WriteString(clip.Render(line))
			b.WriteString("\n")
		}
		padLines(&b, timelineHeight-2-len(entries))
	}
	b.WriteString("\n")

	b.WriteString(paneTitleStyle.Render("Output"))
	b.WriteString("\n")
	lines := m.sb.OutputLog()
	if len(lines) == 0 {
		b.WriteString(emptyStyle.Render("No output yet. Try /boot"))
		return b.String()
	}
	lines = lines[max(0, len(lines)-(outputHeight-1)):]
	for i, l := range lines {
		b.WriteString(clip.Render(streamStyle(l.Stream).Render(l.Text)))
		if i < len(lines)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderConversation renders messages for a pane of the given width.
func renderConversation(msgs []chat.Message, width int) string {
	if len(msgs) == 0 {
		return emptyStyle.Render("Say something, or /agent <goal> to make changes.")
	}
	wrap := contentStyle.Width(max(10, width-2))
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(roleLabel(msg.Role))
		b.WriteString(statsStyle.Render("  " + msg.Timestamp.Format("15:04")))
		b.WriteString("\n")
		content := msg.Content
		if msg.IsStreaming {
			content += "▍"
		}
		b.WriteString(wrap.Render(content))
	}
	return b.String()
}

func roleLabel(r chat.Role) string {
	switch r {
	case chat.RoleUser:
		return userStyle.Render("you")
	case chat.RoleAssistant:
		return assistantStyle.Render("assistant")
	default:
		return systemStyle.Render(string(r))
	}
}

func padLines(b *strings.Builder, n int) {
	for range max(0, n) {
		b.WriteString("\n")
	}
}

func (m model) renderStatusAndInput(b *strings.Builder) {
	switch {
	case m.message == "":
	case m.isError:
		b.WriteString(errorStyle.Render(m.message))
	default:
		b.WriteString(messageStyle.Render(m.message))
	}
	b.WriteString("\n")
	b.WriteString("  ")
	b.WriteString(m.input.View())
}

func (m model) renderHelpOverlay(base string) string {
	lines := []string{helpHeaderStyle.Render("Commands")}
	for _, c := range commandHelp {
		lines = append(lines, helpKeyStyle.Render(fmt.Sprintf("  %-18s", c.usage))+helpDescStyle.Render(c.desc))
	}
	lines = append(lines,
		"",
		helpHeaderStyle.Render("Keys"),
		helpKeyStyle.Render("  enter")+helpDescStyle.Render("   send the message in the current mode"),
		helpKeyStyle.Render("  pgup/pgdn")+helpDescStyle.Render("  scroll the conversation"),
		"",
		helpKeyStyle.Render("  ctrl+c")+helpDescStyle.Render("  quit")+"     "+helpKeyStyle.Render("?/esc")+helpDescStyle.Render("  close this help"),
	)

	modal := helpStyle.Render(strings.Join(lines, "\n"))

	// Center the modal over the base view
	modalWidth := lipgloss.Width(modal)
	modalHeight := lipgloss.Height(modal)
	xOffset := max(0, (m.width-modalWidth)/2)
	yOffset := max(0, (m.height-modalHeight)/2)

	baseLines := strings.Split(base, "\n")
	padding := strings.Repeat(" ", xOffset)
	for i, mLine := range strings.Split(modal, "\n") {
		row := yOffset + i
		if row < len(baseLines) {
			baseLines[row] = padding + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
		}
	}
	return strings.Join(baseLines, "\n")
}
