package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateVerifying State = "verifying"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// Active reports whether a run in this state blocks another from starting.
func (s State) Active() bool {
	switch s {
	case StatePlanning, StateExecuting, StateVerifying:
		return true
	}
	return false
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateCompleted
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// StepResult is the verified outcome of one executed step.
type StepResult struct {
	Index   int     `json:"index"`
	Step    Step    `json:"step"`
	Outcome Outcome `json:"outcome"`
	Output  string  `json:"output,omitempty"`
	Err     string  `json:"error,omitempty"`
}

// Summary is a value copy of a run, suitable for persistence and export.
type Summary struct {
	ID         string       `json:"id"`
	Goal       string       `json:"goal"`
	State      State        `json:"state"`
	Plan       []Step       `json:"plan"`
	Steps      []StepResult `json:"steps"`
	Report     *Report      `json:"report,omitempty"`
	Error      string       `json:"error,omitempty"`
	FailedStep int          `json:"failed_step"`
	RolledBack bool         `json:"rolled_back"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
}

// Run is one execution of the plan/execute/verify loop. It is owned by the
// Executor; callers observe it through the accessors.
type Run struct {
	mu         sync.RWMutex
	id         string
	goal       string
	state      State
	plan       []Step
	executed   []StepResult
	report     *Report
	err        error
	failedStep int
	rolledBack bool
	startedAt  time.Time
	finishedAt time.Time

	// snapshot is the pre-run file tree. It is nil until captured and again
	// once discarded.
	snapshot  map[string]string
	discarded bool
}

func newRun(goal string) *Run {
	return &Run{
		id:         uuid.New().String(),
		goal:       goal,
		state:      StateIdle,
		failedStep: -1,
		startedAt:  time.Now(),
	}
}

func (r *Run) ID() string   { return r.id }
func (r *Run) Goal() string { return r.goal }

func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Run) Plan() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Step(nil), r.plan...)
}

// ExecutedSteps returns the results so far. It is always a prefix of Plan.
func (r *Run) ExecutedSteps() []StepResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StepResult(nil), r.executed...)
}

func (r *Run) Report() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// FailedStep returns the index of the step that halted the run, if any.
func (r *Run) FailedStep() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failedStep, r.failedStep >= 0
}

func (r *Run) RolledBack() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rolledBack
}

func (r *Run) StartedAt() time.Time { return r.startedAt }

func (r *Run) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

func (r *Run) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		ID:         r.id,
		Goal:       r.goal,
		State:      r.state,
		Plan:       append([]Step(nil), r.plan...),
		Steps:      append([]StepResult(nil), r.executed...),
		Report:     r.report,
		FailedStep: r.failedStep,
		RolledBack: r.rolledBack,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	return s
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	if s.Terminal() {
		r.finishedAt = time.Now()
	}
	r.mu.Unlock()
}

func (r *Run) setPlan(plan []Step) {
	r.mu.Lock()
	r.plan = plan
	r.mu.Unlock()
}

func (r *Run) addResult(res StepResult) {
	r.mu.Lock()
	r.executed = append(r.executed, res)
	r.mu.Unlock()
}

func (r *Run) fail(err error, step int) {
	r.mu.Lock()
	r.err = err
	r.failedStep = step
	r.mu.Unlock()
}

func (r *Run) setReport(rep *Report) {
	r.mu.Lock()
	r.report = rep
	r.mu.Unlock()
}

func (r *Run) setSnapshot(files map[string]string) {
	r.mu.Lock()
	r.snapshot = files
	r.mu.Unlock()
}

func (r *Run) discardSnapshot() {
	r.mu.Lock()
	if r.snapshot != nil {
		r.snapshot = nil
		r.discarded = true
	}
	r.mu.Unlock()
}

func (r *Run) markRolledBack() {
	r.mu.Lock()
	r.rolledBack = true
	r.snapshot = nil
	r.mu.Unlock()
}
