package tui

import (
	"context"
	"math/rand"
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
	"github.com/zpdzap/beesto/internal/config"
	"github.com/zpdzap/beesto/internal/sandbox"
)

var quips = []string{
	"busy as a bee",
	"sweet as honey",
	"mind the hive",
	"buzzing along",
	"bee right back",
}

// Fixed rows outside the body: header, divider, bottom divider, hotkeys,
// status message, input.
const chromeLines = 6

// model is the Bubble Tea model for the beesto dashboard.
type model struct {
	ctx   context.Context
	sb    *sandbox.Manager
	chat  *chat.Orchestrator
	agent *agent.Executor
	cfg   *config.Config

	input    textinput.Model
	chatView viewport.Model
	mode     chat.Mode
	message  string
	isError  bool
	quitting bool
	booting  bool
	width    int
	height   int
	quip     string // random phrase shown in header, constant per session

	showHelp bool
	showDiff bool
}

func newModel(ctx context.Context, d Deps) model {
	ti := textinput.New()
	ti.Placeholder = "message, or /help for commands"
	ti.Prompt = "> "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()

	// Get initial terminal size so the first render isn't at width=0
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	m := model{
		ctx:      ctx,
		sb:       d.Sandbox,
		chat:     d.Chat,
		agent:    d.Agent,
		cfg:      d.Config,
		input:    ti,
		chatView: viewport.New(w, h),
		mode:     chat.ModeChat,
		quip:     quips[rand.Intn(len(quips))],
	}
	m.resize(w, h)
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tickCmd())
}

// resize lays out the panes for a w×h terminal.
func (m *model) resize(w, h int) {
	m.width = w
	m.height = h
	m.input.Width = max(10, w-6)
	m.chatView.Width = m.chatWidth()
	m.chatView.Height = max(1, m.bodyHeight()-1)
	m.refreshChat()
}

func (m model) bodyHeight() int {
	return max(4, m.height-chromeLines)
}

func (m model) chatWidth() int {
	return max(20, m.width*3/5)
}

func (m model) sideWidth() int {
	return max(10, m.width-m.chatWidth()-3)
}

// refreshChat re-renders the conversation, following the tail unless the
// user has scrolled up.
func (m *model) refreshChat() {
	follow := m.chatView.AtBottom()
	m.chatView.SetContent(renderConversation(m.chat.Messages(), m.chatView.Width))
	if follow {
		m.chatView.GotoBottom()
	}
}
