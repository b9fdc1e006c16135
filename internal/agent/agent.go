// Package agent turns a goal into a plan of file and shell steps, applies it
// to a sandbox session one step at a time, and can roll the session's files
// back to where they were before the run.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/zpdzap/beesto/internal/sandbox"
)

type StepKind string

const (
	KindFileWrite    StepKind = "file_write"
	KindFileDelete   StepKind = "file_delete"
	KindShellCommand StepKind = "shell_command"
)

// Step is one atomic unit of a plan.
type Step struct {
	Description string   `json:"description,omitempty"`
	Kind        StepKind `json:"kind"`
	Path        string   `json:"path,omitempty"`
	Content     string   `json:"content,omitempty"`
	Command     string   `json:"command,omitempty"`
}

func (s Step) String() string {
	switch s.Kind {
	case KindFileWrite:
		return "write " + s.Path
	case KindFileDelete:
		return "delete " + s.Path
	case KindShellCommand:
		return "run " + s.Command
	}
	return string(s.Kind)
}

var (
	ErrPlanning          = errors.New("planning failed")
	ErrStepExecution     = errors.New("step execution failed")
	ErrConcurrentRun     = errors.New("agent run already active")
	ErrNotFailed         = errors.New("run has not failed")
	ErrSnapshotDiscarded = errors.New("pre-run snapshot discarded")
)

// StepError records which step halted a run and what it printed.
type StepError struct {
	Index  int
	Step   Step
	Output string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrStepExecution }

// Sandbox is the part of a sandbox session the executor drives.
type Sandbox interface {
	ReadAllFiles(ctx context.Context) (map[string]string, error)
	WriteFile(ctx context.Context, path, content string) error
	DeleteFile(ctx context.Context, path string) error
	RunCommand(ctx context.Context, cmd string) (sandbox.ExecResult, error)
}

var _ Sandbox = (*sandbox.Manager)(nil)
