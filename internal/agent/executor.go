package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zpdzap/beesto/internal/events"
	"github.com/zpdzap/beesto/internal/logging"
	"github.com/zpdzap/beesto/internal/telemetry"
)

// RunEvent is emitted on every run state change, step result and rollback.
type RunEvent struct {
	Seq        uint64
	RunID      string
	Goal       string
	State      State
	Step       *StepResult
	Report     *Report
	Err        error
	RolledBack bool
	Time       time.Time
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, s Summary) error
}

type Options struct {
	Logger    *slog.Logger
	Recorder  RunRecorder
	Telemetry telemetry.Service
}

// Executor applies plans to one sandbox session. At most one run is active
// at a time.
type Executor struct {
	sb        Sandbox
	planner   Planner
	logger    *slog.Logger
	recorder  RunRecorder
	telemetry telemetry.Service
	bus       *events.Bus[RunEvent]

	mu          sync.Mutex
	active      *Run
	last        *Run
	rollingBack bool
	seq         uint64
}

func NewExecutor(sb Sandbox, planner Planner, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	return &Executor{
		sb:        sb,
		planner:   planner,
		logger:    logger,
		recorder:  opts.Recorder,
		telemetry: tel,
		bus:       events.NewBus[RunEvent](),
	}
}

// Subscribe registers fn for run events in emission order.
func (e *Executor) Subscribe(fn func(RunEvent)) (cancel func()) {
	return e.bus.Subscribe(fn)
}

// Active returns the run in progress, or nil.
func (e *Executor) Active() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Last returns the most recently finished run, or nil.
func (e *Executor) Last() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run executes goal to a terminal state. The returned run is non-nil unless
// the call was rejected with ErrConcurrentRun; the error mirrors Run.Err.
func (e *Executor) Run(ctx context.Context, goal string) (*Run, error) {
	e.mu.Lock()
	if e.active != nil {
		active := e.active
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s is %s", ErrConcurrentRun, active.ID(), active.State())
	}
	if e.rollingBack {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: rollback in progress", ErrConcurrentRun)
	}
	run := newRun(goal)
	// Only one snapshot is retained per session.
	if e.last != nil {
		e.last.discardSnapshot()
	}
	e.active = run
	e.mu.Unlock()

	logger := e.logger.With("run", run.ID())
	logger.Info("agent run started", "goal", goal)
	e.transition(run, StatePlanning)

	err := e.execute(ctx, run, logger)

	e.mu.Lock()
	e.active = nil
	e.last = run
	e.mu.Unlock()

	if e.recorder != nil {
		if rerr := e.recorder.RecordRun(ctx, run.Summary()); rerr != nil {
			logger.Warn("failed to record run", "error", rerr)
		}
	}

	props := map[string]any{"steps": len(run.ExecutedSteps()), "planned": len(run.Plan())}
	if err != nil {
		e.telemetry.Track(run.ID(), "agent_run_failed", props)
		logger.Warn("agent run failed", "error", err)
	} else {
		e.telemetry.Track(run.ID(), "agent_run_completed", props)
		logger.Info("agent run completed", "steps", len(run.Plan()))
	}
	return run, err
}

func (e *Executor) execute(ctx context.Context, run *Run, logger *slog.Logger) error {
	snapshot, err := e.sb.ReadAllFiles(ctx)
	if err != nil {
		err = fmt.Errorf("%w: capturing snapshot: %w", ErrPlanning, err)
		e.finishFailed(ctx, run, err, -1, nil)
		return err
	}
	run.setSnapshot(snapshot)

	files := make([]string, 0, len(snapshot))
	for p := range snapshot {
		files = append(files, p)
	}
	sort.Strings(files)

	plan, err := e.planner.Plan(ctx, run.Goal(), files)
	if err != nil {
		if !errors.Is(err, ErrPlanning) {
			err = fmt.Errorf("%w: %w", ErrPlanning, err)
		}
		e.finishFailed(ctx, run, err, -1, snapshot)
		return err
	}
	run.setPlan(plan)

	for i, step := range plan {
		e.transition(run, StateExecuting)
		logger.Debug("applying step", "index", i, "step", step.String())
		output, err := e.apply(ctx, step)

		e.transition(run, StateVerifying)
		res := StepResult{Index: i, Step: step, Outcome: OutcomeSucceeded, Output: output}
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Err = err.Error()
		}
		run.addResult(res)
		e.emit(RunEvent{RunID: run.ID(), Goal: run.Goal(), State: StateVerifying, Step: &res})

		if err != nil {
			stepErr := &StepError{Index: i, Step: step, Output: output, Err: err}
			e.finishFailed(ctx, run, stepErr, i, snapshot)
			return stepErr
		}
	}

	report := e.report(ctx, run, StateCompleted, nil, snapshot)
	run.setReport(report)
	run.setState(StateCompleted)
	e.emit(RunEvent{RunID: run.ID(), Goal: run.Goal(), State: StateCompleted, Report: report})
	return nil
}

func (e *Executor) apply(ctx context.Context, step Step) (string, error) {
	switch step.Kind {
	case KindFileWrite:
		if err := e.sb.WriteFile(ctx, step.Path, step.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %s (%d bytes)", step.Path, len(step.Content)), nil
	case KindFileDelete:
		if err := e.sb.DeleteFile(ctx, step.Path); err != nil {
			return "", err
		}
		return "deleted " + step.Path, nil
	case KindShellCommand:
		res, err := e.sb.RunCommand(ctx, step.Command)
		if err != nil {
			return res.Output(), err
		}
		if res.ExitCode != 0 {
			return res.Output(), fmt.Errorf("%q exited with code %d", step.Command, res.ExitCode)
		}
		return res.Output(), nil
	}
	return "", fmt.Errorf("unknown step kind %q", step.Kind)
}

func (e *Executor) finishFailed(ctx context.Context, run *Run, err error, step int, snapshot map[string]string) {
	run.fail(err, step)
	var report *Report
	if snapshot != nil {
		report = e.report(ctx, run, StateFailed, err, snapshot)
		run.setReport(report)
	}
	run.setState(StateFailed)
	e.emit(RunEvent{RunID: run.ID(), Goal: run.Goal(), State: StateFailed, Report: report, Err: err})
}

func (e *Executor) report(ctx context.Context, run *Run, outcome State, failure error, snapshot map[string]string) *Report {
	var changes []FileChange
	after, err := e.sb.ReadAllFiles(ctx)
	if err != nil {
		e.logger.Warn("failed to read files for report", "run", run.ID(), "error", err)
		changes = []FileChange{}
	} else {
		changes = Diff(snapshot, after)
	}
	succeeded := 0
	for _, s := range run.ExecutedSteps() {
		if s.Outcome == OutcomeSucceeded {
			succeeded++
		}
	}
	return newReport(outcome, changes, succeeded, len(run.Plan()), failure)
}

// Rollback restores the session's files to the failed run's pre-run snapshot:
// files that changed or vanished are rewritten and files the run created are
// deleted. Rolling back twice is a no-op.
func (e *Executor) Rollback(ctx context.Context, run *Run) error {
	if run.State() != StateFailed {
		return fmt.Errorf("%w: run %s is %s", ErrNotFailed, run.ID(), run.State())
	}

	if run.RolledBack() {
		return nil
	}

	e.mu.Lock()
	if e.active != nil || e.rollingBack {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot roll back while busy", ErrConcurrentRun)
	}
	e.rollingBack = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.rollingBack = false
		e.mu.Unlock()
	}()

	run.mu.RLock()
	snapshot, discarded := run.snapshot, run.discarded
	run.mu.RUnlock()
	if discarded {
		return fmt.Errorf("%w: a newer run replaced it", ErrSnapshotDiscarded)
	}
	if snapshot == nil {
		// Failed before anything was captured, so nothing was touched.
		run.markRolledBack()
		return nil
	}

	current, err := e.sb.ReadAllFiles(ctx)
	if err != nil {
		return fmt.Errorf("reading current files: %w", err)
	}

	restored, removed := 0, 0
	for p, content := range snapshot {
		if cur, ok := current[p]; ok && cur == content {
			continue
		}
		if err := e.sb.WriteFile(ctx, p, content); err != nil {
			return fmt.Errorf("restoring %s: %w", p, err)
		}
		restored++
	}
	for p := range current {
		if _, ok := snapshot[p]; ok {
			continue
		}
		if err := e.sb.DeleteFile(ctx, p); err != nil {
			return fmt.Errorf("removing %s: %w", p, err)
		}
		removed++
	}

	run.markRolledBack()
	e.logger.Info("rolled back run", "run", run.ID(), "restored", restored, "removed", removed)
	e.emit(RunEvent{RunID: run.ID(), Goal: run.Goal(), State: StateFailed, RolledBack: true})
	e.telemetry.Track(run.ID(), "agent_run_rolled_back", map[string]any{"restored": restored, "removed": removed})

	if e.recorder != nil {
		if err := e.recorder.RecordRun(ctx, run.Summary()); err != nil {
			e.logger.Warn("failed to record rollback", "run", run.ID(), "error", err)
		}
	}
	return nil
}

// Close stops event delivery.
func (e *Executor) Close() {
	e.bus.Close()
}

func (e *Executor) transition(run *Run, s State) {
	run.setState(s)
	e.emit(RunEvent{RunID: run.ID(), Goal: run.Goal(), State: s})
}

func (e *Executor) emit(ev RunEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	ev.Time = time.Now()
	e.bus.Publish(ev)
}
