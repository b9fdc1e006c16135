package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/beesto/internal/events"
	"github.com/zpdzap/beesto/internal/logging"
	"github.com/zpdzap/beesto/internal/runtime"
)

const (
	defaultReadyTimeout = 60 * time.Second
	defaultOutputLimit  = 500
)

// Options configures a Manager.
type Options struct {
	// ID names the session; a random one is generated when empty.
	ID             string
	InstallCommand string
	DevCommand     string
	ReadyTimeout   time.Duration
	OutputLimit    int
	IgnoreDirs     []string
	InitialFiles   map[string][]byte
	// StateDir, when set, receives a state.json record on every transition.
	StateDir string
	Logger   *slog.Logger
}

// Manager owns one sandbox session and drives it through
// Idle → Booting → Installing → Starting → Ready, with Error reachable from
// every step and left only through Boot.
type Manager struct {
	rt     runtime.Runtime
	opts   Options
	logger *slog.Logger
	bus    *events.Bus[Event]

	// mu guards the session fields below and orders event emission.
	mu         sync.Mutex
	id         string
	status     Status
	previewURL string
	lastErr    error
	log        *outputLog
	seq        uint64
	devProc    runtime.Process
	devCancel  context.CancelFunc

	// fsMu is the mutation lock: writers take it exclusively, ReadAllFiles
	// shares it so snapshots never observe a half-applied mutation.
	fsMu sync.RWMutex
}

// New creates a manager for a fresh session in the Idle state.
func New(rt runtime.Runtime, opts Options) *Manager {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = []string{"node_modules", ".git"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &Manager{
		rt:     rt,
		opts:   opts,
		logger: logger.With("session", id),
		bus:    events.NewBus[Event](),
		id:     id,
		status: StatusIdle,
		log:    newOutputLog(opts.OutputLimit),
	}
}

// ID returns the session identifier.
func (m *Manager) ID() string { return m.id }

// Subscribe registers fn for every transition and output line.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.bus.Subscribe(fn)
}

// Boot starts the session. From Idle or Error it moves to Booting and acquires
// the runtime; in any other state it is a no-op returning the current status.
func (m *Manager) Boot(ctx context.Context) (Status, error) {
	m.mu.Lock()
	if m.status.Active() {
		s := m.status
		m.mu.Unlock()
		return s, nil
	}
	m.lastErr = nil
	m.previewURL = ""
	m.stopDevLocked()
	m.setStatusLocked(StatusBooting, nil)
	m.mu.Unlock()

	m.logger.Info("booting sandbox")
	if err := m.rt.Boot(ctx); err != nil {
		return m.fail(fmt.Errorf("%w: %w", ErrBoot, err))
	}

	if len(m.opts.InitialFiles) > 0 {
		m.fsMu.Lock()
		err := m.rt.Mount(ctx, m.opts.InitialFiles)
		m.fsMu.Unlock()
		if err != nil {
			return m.fail(fmt.Errorf("%w: mounting files: %w", ErrBoot, err))
		}
	}
	return StatusBooting, nil
}

// InstallDependencies runs the install command. Valid only from Booting.
func (m *Manager) InstallDependencies(ctx context.Context) error {
	if err := m.transition(StatusBooting, StatusInstalling); err != nil {
		return err
	}

	cmd := m.opts.InstallCommand
	if cmd == "" {
		return m.transition(StatusInstalling, StatusStarting)
	}

	m.logger.Info("installing dependencies", "command", cmd)
	m.fsMu.Lock()
	res, err := m.exec(ctx, cmd)
	m.fsMu.Unlock()
	if err != nil {
		_, err = m.fail(fmt.Errorf("%w: %w", ErrInstall, err))
		return err
	}
	if res.ExitCode != 0 {
		_, err = m.fail(fmt.Errorf("%w: %q exited with code %d", ErrInstall, cmd, res.ExitCode))
		return err
	}
	return m.transition(StatusInstalling, StatusStarting)
}

// StartServer spawns the dev server and waits, bounded by the ready timeout,
// for the runtime's server-ready signal. Valid only from Starting.
func (m *Manager) StartServer(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusStarting {
		s := m.status
		m.mu.Unlock()
		return fmt.Errorf("%w: start server from %s", ErrInvalidTransition, s)
	}
	m.mu.Unlock()

	cmd := m.opts.DevCommand
	if cmd == "" {
		_, err := m.fail(fmt.Errorf("%w: no dev command configured", ErrServerStart))
		return err
	}

	ready := m.rt.ServerReady()

	// The dev server outlives this call, so it gets its own context.
	procCtx, cancel := context.WithCancel(context.Background())
	m.appendLine(StreamSystem, "$ "+cmd)
	proc, err := m.rt.Spawn(procCtx, cmd, m.appendLine)
	if err != nil {
		cancel()
		_, err = m.fail(fmt.Errorf("%w: %w", ErrServerStart, err))
		return err
	}

	m.mu.Lock()
	m.devProc, m.devCancel = proc, cancel
	m.mu.Unlock()

	exited := make(chan int, 1)
	go func() {
		code, _ := proc.Wait()
		exited <- code
	}()

	timer := time.NewTimer(m.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case info := <-ready:
		m.mu.Lock()
		if m.status != StatusStarting {
			m.mu.Unlock()
			return fmt.Errorf("%w: session left starting while waiting for server", ErrInvalidTransition)
		}
		m.previewURL = info.URL
		m.setStatusLocked(StatusReady, nil)
		m.emitLocked(Event{Kind: EventPreview, PreviewURL: info.URL})
		m.mu.Unlock()
		m.logger.Info("sandbox ready", "url", info.URL, "port", info.Port)

		go func() {
			code := <-exited
			m.appendLine(StreamSystem, fmt.Sprintf("dev server exited with code %d", code))
		}()
		return nil

	case code := <-exited:
		_, err := m.fail(fmt.Errorf("%w: %q exited with code %d before binding a port", ErrServerStart, cmd, code))
		return err

	case <-timer.C:
		_, err := m.fail(fmt.Errorf("%w: no server-ready signal within %s", ErrServerStart, m.opts.ReadyTimeout))
		return err

	case <-ctx.Done():
		_, err := m.fail(fmt.Errorf("%w: %w", ErrServerStart, ctx.Err()))
		return err
	}
}

// Launch runs Boot, InstallDependencies and StartServer in sequence. An
// already-ready session is left untouched.
func (m *Manager) Launch(ctx context.Context) error {
	status, err := m.Boot(ctx)
	if err != nil {
		return err
	}
	switch status {
	case StatusReady:
		return nil
	case StatusBooting:
		if err := m.InstallDependencies(ctx); err != nil {
			return err
		}
		return m.StartServer(ctx)
	default:
		return fmt.Errorf("%w: launch while %s", ErrInvalidTransition, status)
	}
}

// RunCommand spawns cmd, streams its output into the log and returns once it
// exits. It holds the mutation lock because commands may rewrite the tree.
func (m *Manager) RunCommand(ctx context.Context, cmd string) (ExecResult, error) {
	if m.Status() == StatusIdle {
		return ExecResult{}, ErrNotBooted
	}
	m.fsMu.Lock()
	defer m.fsMu.Unlock()
	return m.exec(ctx, cmd)
}

// Close tears down the runtime and returns the session to Idle.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.stopDevLocked()
	m.previewURL = ""
	if m.status != StatusIdle {
		m.setStatusLocked(StatusIdle, nil)
	}
	m.mu.Unlock()

	err := m.rt.Close(ctx)
	m.bus.Close()
	return err
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// PreviewURL returns the bound dev-server URL, empty unless Ready.
func (m *Manager) PreviewURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previewURL
}

// LastError returns the error that moved the session into Error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OutputLog returns the retained output lines, oldest first.
func (m *Manager) OutputLog() []OutputLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.snapshot()
}

// Snapshot returns a copy of the whole session state.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Session{
		ID:         m.id,
		Status:     m.status,
		PreviewURL: m.previewURL,
		OutputLog:  m.log.snapshot(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Manager) exec(ctx context.Context, cmd string) (ExecResult, error) {
	var (
		outMu          sync.Mutex
		stdout, stderr []string
	)
	m.appendLine(StreamSystem, "$ "+cmd)
	proc, err := m.rt.Spawn(ctx, cmd, func(stream runtime.Stream, line string) {
		outMu.Lock()
		if stream == runtime.Stderr {
			stderr = append(stderr, line)
		} else {
			stdout = append(stdout, line)
		}
		outMu.Unlock()
		m.appendLine(stream, line)
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("spawning %q: %w", cmd, err)
	}

	code, err := proc.Wait()
	outMu.Lock()
	res := ExecResult{
		ExitCode: code,
		Stdout:   strings.Join(stdout, "\n"),
		Stderr:   strings.Join(stderr, "\n"),
	}
	outMu.Unlock()
	if err != nil {
		return res, fmt.Errorf("waiting for %q: %w", cmd, err)
	}
	m.logger.Debug("command exited", "command", cmd, "exit_code", code)
	return res, nil
}

func (m *Manager) appendLine(stream runtime.Stream, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	line := OutputLine{Stream: stream, Text: text, Time: time.Now()}
	m.log.append(line)
	m.emitLocked(Event{Kind: EventOutput, Line: line})
}

// transition moves from → to, failing if the session is elsewhere.
func (m *Manager) transition(from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != from {
		return fmt.Errorf("%w: %s → %s while %s", ErrInvalidTransition, from, to, m.status)
	}
	m.setStatusLocked(to, nil)
	return nil
}

func (m *Manager) fail(err error) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	m.previewURL = ""
	m.stopDevLocked()
	m.setStatusLocked(StatusError, err)
	m.logger.Error("sandbox failed", "error", err)
	return StatusError, err
}

func (m *Manager) stopDevLocked() {
	if m.devProc != nil {
		m.devProc.Kill()
		m.devProc = nil
	}
	if m.devCancel != nil {
		m.devCancel()
		m.devCancel = nil
	}
}

func (m *Manager) setStatusLocked(s Status, err error) {
	m.status = s
	e := Event{Kind: EventStatus, Status: s, Err: err}
	if s == StatusReady {
		e.PreviewURL = m.previewURL
	}
	m.emitLocked(e)
	m.persistLocked()
}

func (m *Manager) emitLocked(e Event) {
	m.seq++
	e.Seq = m.seq
	if e.Status == "" {
		e.Status = m.status
	}
	e.Time = time.Now()
	m.bus.Publish(e)
}

func (m *Manager) persistLocked() {
	if m.opts.StateDir == "" {
		return
	}
	r := Record{ID: m.id, Status: m.status, PreviewURL: m.previewURL, UpdatedAt: time.Now()}
	if m.lastErr != nil {
		r.LastError = m.lastErr.Error()
	}
	if err := saveRecord(m.opts.StateDir, r); err != nil {
		m.logger.Warn("failed to save state", "error", err)
	}
}
