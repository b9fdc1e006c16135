package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
	"github.com/zpdzap/beesto/internal/runtime"
	"github.com/zpdzap/beesto/internal/sandbox"
	"github.com/zpdzap/beesto/internal/store"
	"github.com/zpdzap/beesto/internal/worktree"
)

func agentCmd() *cobra.Command {
	var rollback, showDiff bool
	cmd := &cobra.Command{
		Use:   "agent <goal>",
		Short: "Launch the sandbox and run the agent against it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(debug)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			stopOutput := a.sandbox.Subscribe(printSandboxEvent)
			err = a.sandbox.Launch(ctx)
			stopOutput()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "sandbox ready at %s\n", a.sandbox.PreviewURL())

			stopRun := a.executor.Subscribe(printRunEvent)
			run, runErr := a.executor.Run(ctx, strings.Join(args, " "))
			stopRun()
			if run == nil {
				return runErr
			}

			printReport(run, showDiff)
			if runErr == nil {
				return nil
			}
			if rollback {
				if err := a.executor.Rollback(ctx, run); err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				fmt.Println("Rolled back to the pre-run snapshot.")
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the sandbox if the run fails")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "print unified diffs of the changed files")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one chat turn and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(debug)
			if err != nil {
				return err
			}
			defer a.Close()

			printed := map[string]int{}
			stop := a.chat.Subscribe(func(e chat.Event) {
				if e.Message.Role != chat.RoleAssistant {
					return
				}
				switch e.Kind {
				case chat.EventMessageUpdated, chat.EventMessageDone:
					content := e.Message.Content
					fmt.Print(content[printed[e.Message.ID]:])
					printed[e.Message.ID] = len(content)
				}
			})
			err = a.chat.SendTurn(cmd.Context(), strings.Join(args, " "), chat.ModeChat)
			stop()
			fmt.Println()
			return err
		},
	}
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recorded agent runs, or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(debug)
			if err != nil {
				return err
			}
			defer p.closeLog()

			st, err := store.Open(p.cfg.StorePath(p.dir))
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				r, err := st.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRunDetail(r)
				return nil
			}

			runs, err := st.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No agent runs recorded yet.")
				return nil
			}
			for _, r := range runs {
				state := string(r.State)
				if r.RolledBack {
					state += " (rolled back)"
				}
				fmt.Printf("%-8s  %-16s  %s  %s\n", shortID(r.ID), r.StartedAt.Local().Format("2006-01-02 15:04"), state, r.Goal)
				if r.Report != nil {
					fmt.Printf("          %s\n", r.Report.Summary)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 for all)")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [session]",
		Short: "Print a recorded conversation (the most recent session by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(debug)
			if err != nil {
				return err
			}
			defer p.closeLog()

			st, err := store.Open(p.cfg.StorePath(p.dir))
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			var session string
			if len(args) == 1 {
				session = args[0]
			} else if session, err = st.LatestSession(ctx); errors.Is(err, store.ErrNotFound) {
				fmt.Println("No conversations recorded yet.")
				return nil
			} else if err != nil {
				return err
			}

			msgs, err := st.ListMessages(ctx, session)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return fmt.Errorf("session %s: %w", session, store.ErrNotFound)
			}
			fmt.Printf("Session %s\n", session)
			for _, m := range msgs {
				fmt.Printf("\n[%s] %s\n%s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
			}
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Boot the sandbox and print its files as a JSON path→content map",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(debug)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.sandbox.Boot(cmd.Context()); err != nil {
				return err
			}
			files, err := a.sandbox.ReadAllFiles(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(files)
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove containers and worktrees left behind by crashed sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(debug)
			if err != nil {
				return err
			}
			defer p.closeLog()

			rec, err := sandbox.LoadRecord(p.stateDir())
			if err != nil {
				return err
			}
			if rec != nil && rec.Status != sandbox.StatusIdle {
				d := runtime.NewDocker(p.dir, rec.ID, p.cfg, p.logger)
				if err := d.Close(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("Removed container %s (was %s)\n", d.ContainerName(), rec.Status)
			}
			if err := sandbox.ClearRecord(p.stateDir()); err != nil {
				return err
			}

			if !worktree.IsRepo(cmd.Context(), p.dir) {
				return nil
			}
			names, err := worktree.List(cmd.Context(), p.dir)
			if err != nil {
				return err
			}
			for _, name := range names {
				worktree.Remove(cmd.Context(), p.dir, name)
				fmt.Printf("Removed worktree %s\n", name)
			}
			return nil
		},
	}
}

func printSandboxEvent(e sandbox.Event) {
	switch e.Kind {
	case sandbox.EventStatus:
		if e.Err != nil {
			fmt.Fprintf(os.Stderr, "[%s] %v\n", e.Status, e.Err)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s]\n", e.Status)
	case sandbox.EventOutput:
		fmt.Fprintf(os.Stderr, "  %s\n", e.Line.Text)
	}
}

func printRunEvent(e agent.RunEvent) {
	switch {
	case e.Step != nil:
		fmt.Fprintf(os.Stderr, "step %d %s: %s\n", e.Step.Index+1, e.Step.Outcome, e.Step.Step)
		if e.Step.Outcome == agent.OutcomeFailed && e.Step.Output != "" {
			fmt.Fprintf(os.Stderr, "%s\n", e.Step.Output)
		}
	case e.Err != nil:
		fmt.Fprintf(os.Stderr, "[%s] %v\n", e.State, e.Err)
	default:
		fmt.Fprintf(os.Stderr, "[%s]\n", e.State)
	}
}

func printReport(run *agent.Run, showDiff bool) {
	rep := run.Report()
	if rep == nil {
		if err := run.Err(); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("Agent run %s: %v\n", run.State(), err)
		}
		return
	}
	fmt.Printf("Agent run %s: %s\n", run.State(), rep.Summary)
	for _, c := range rep.Changes {
		fmt.Printf("  %-8s %s\n", c.Kind, c.Path)
		if showDiff && c.Diff != "" {
			fmt.Println(c.Diff)
		}
	}
	added, removed := rep.Stat()
	if added+removed > 0 {
		fmt.Printf("  +%d -%d\n", added, removed)
	}
}

func printRunDetail(r agent.Summary) {
	fmt.Printf("Run    %s\n", r.ID)
	fmt.Printf("Goal   %s\n", r.Goal)
	state := string(r.State)
	if r.RolledBack {
		state += " (rolled back)"
	}
	fmt.Printf("State  %s\n", state)
	fmt.Printf("Start  %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if !r.FinishedAt.IsZero() {
		fmt.Printf("Took   %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.Error != "" {
		fmt.Printf("Error  %s\n", r.Error)
	}

	fmt.Println("\nPlan")
	for i, step := range r.Plan {
		outcome := "not run"
		if i < len(r.Steps) {
			outcome = string(r.Steps[i].Outcome)
		}
		fmt.Printf("  %d. [%s] %s\n", i+1, outcome, step)
		if i < len(r.Steps) && r.Steps[i].Outcome == agent.OutcomeFailed && r.Steps[i].Output != "" {
			fmt.Printf("%s\n", r.Steps[i].Output)
		}
	}

	if r.Report == nil {
		return
	}
	fmt.Printf("\n%s\n", r.Report.Summary)
	for _, c := range r.Report.Changes {
		fmt.Printf("  %-8s %s\n", c.Kind, c.Path)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
