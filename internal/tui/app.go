package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
	"github.com/zpdzap/beesto/internal/config"
	"github.com/zpdzap/beesto/internal/sandbox"
)

// Deps are the session components the dashboard drives and observes.
type Deps struct {
	Sandbox *sandbox.Manager
	Chat    *chat.Orchestrator
	Agent   *agent.Executor
	Config  *config.Config
}

// Run starts the dashboard and blocks until the user quits. Component events
// are forwarded into the program as they are emitted.
func Run(ctx context.Context, d Deps) error {
	p := tea.NewProgram(newModel(ctx, d), tea.WithAltScreen(), tea.WithContext(ctx))

	cancels := []func(){
		d.Sandbox.Subscribe(func(e sandbox.Event) { p.Send(sandboxEventMsg(e)) }),
		d.Chat.Subscribe(func(e chat.Event) { p.Send(chatEventMsg(e)) }),
	}
	if d.Agent != nil {
		cancels = append(cancels, d.Agent.Subscribe(func(e agent.RunEvent) { p.Send(runEventMsg(e)) }))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	result, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	if final, ok := result.(model); ok && final.quitting {
		fmt.Println("Goodbye! (the sandbox is torn down on exit)")
	}
	return nil
}
