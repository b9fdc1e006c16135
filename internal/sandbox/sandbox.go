package sandbox

import (
	"errors"
	"time"

	"github.com/zpdzap/beesto/internal/runtime"
)

// Status represents the lifecycle state of a sandbox session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBooting    Status = "booting"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Active reports whether the session is somewhere in the boot sequence or ready.
func (s Status) Active() bool {
	switch s {
	case StatusBooting, StatusInstalling, StatusStarting, StatusReady:
		return true
	}
	return false
}

// StreamSystem tags lines the manager writes itself (commands echoed, exits).
const StreamSystem runtime.Stream = "system"

var (
	ErrBoot              = errors.New("sandbox boot failed")
	ErrInstall           = errors.New("dependency install failed")
	ErrServerStart       = errors.New("dev server failed to start")
	ErrInvalidTransition = errors.New("invalid sandbox transition")
	ErrNotBooted         = errors.New("sandbox not booted")
	ErrInvalidPath       = errors.New("invalid sandbox path")
)

// OutputLine is one line of process output.
type OutputLine struct {
	Stream runtime.Stream `json:"stream"`
	Text   string         `json:"text"`
	Time   time.Time      `json:"time"`
}

// Session is a point-in-time copy of the session state.
type Session struct {
	ID         string       `json:"id"`
	Status     Status       `json:"status"`
	PreviewURL string       `json:"preview_url,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	OutputLog  []OutputLine `json:"output_log,omitempty"`
}

// ExecResult is the outcome of RunCommand.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Output returns stdout followed by stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

type EventKind string

const (
	EventStatus  EventKind = "status"
	EventOutput  EventKind = "output"
	EventPreview EventKind = "preview"
)

// Event is emitted for every transition and output line, in emission order.
type Event struct {
	Seq        uint64
	Kind       EventKind
	Status     Status
	Line       OutputLine
	PreviewURL string
	Err        error
	Time       time.Time
}
