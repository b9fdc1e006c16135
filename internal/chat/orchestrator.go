package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/events"
	"github.com/zpdzap/beesto/internal/llm"
	"github.com/zpdzap/beesto/internal/logging"
	"github.com/zpdzap/beesto/internal/telemetry"
)

// Agent is the executor side of agent-mode turns.
type Agent interface {
	Run(ctx context.Context, goal string) (*agent.Run, error)
	Subscribe(fn func(agent.RunEvent)) (cancel func())
}

// MessageRecorder persists finished messages.
type MessageRecorder interface {
	RecordMessage(ctx context.Context, m Message) error
}

type Options struct {
	// History is how many trailing messages a chat turn sends, counting the
	// new assistant placeholder that is then left out.
	History   int
	SessionID string
	Logger    *slog.Logger
	Recorder  MessageRecorder
	Telemetry telemetry.Service
}

// Orchestrator owns the conversation of one session.
type Orchestrator struct {
	llm       llm.Streamer
	agent     Agent
	opts      Options
	logger    *slog.Logger
	telemetry telemetry.Service
	bus       *events.Bus[Event]
	unsub     func()

	mu       sync.Mutex
	messages []Message
	timeline []TimelineEntry
	busy     bool
	seq      uint64
}

// New returns an orchestrator. ag may be nil when agent mode is unavailable.
func New(streamer llm.Streamer, ag Agent, opts Options) *Orchestrator {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = &telemetry.NoopService{}
	}
	o := &Orchestrator{
		llm:       streamer,
		agent:     ag,
		opts:      opts,
		logger:    logger,
		telemetry: tel,
		bus:       events.NewBus[Event](),
	}
	if ag != nil {
		o.unsub = ag.Subscribe(o.mirror)
	}
	return o
}

// Subscribe registers fn for conversation events in emission order.
func (o *Orchestrator) Subscribe(fn func(Event)) (cancel func()) {
	return o.bus.Subscribe(fn)
}

// SendTurn appends a user message and answers it in the given mode. It
// returns once the turn has finished; answer failures end up in the
// conversation rather than in the returned error.
func (o *Orchestrator) SendTurn(ctx context.Context, content string, mode Mode) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if mode == ModeAgent && o.agent == nil {
		return fmt.Errorf("agent mode is not available")
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrTurnInProgress
	}
	o.busy = true
	user := o.addLocked(RoleUser, content, false)
	o.mu.Unlock()
	o.record(ctx, user)

	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}()

	o.telemetry.Track(o.opts.SessionID, "chat_turn", map[string]any{"mode": string(mode)})
	if mode == ModeAgent {
		o.agentTurn(ctx, content)
		return nil
	}
	o.chatTurn(ctx)
	return nil
}

func (o *Orchestrator) chatTurn(ctx context.Context) {
	o.mu.Lock()
	history := o.recentLocked()
	reply := o.addLocked(RoleAssistant, "", true)
	o.mu.Unlock()

	start := time.Now()
	skipped, err := o.stream(ctx, reply.ID, history)
	if err != nil {
		o.logger.Warn("chat stream ended with error", "error", err)
		o.appendTo(reply.ID, errorSuffixStart+errorText(err)+"*")
	}
	done := o.finish(reply.ID)
	o.record(ctx, done)
	o.logger.Info("chat turn finished",
		"message", reply.ID, "chars", len(done.Content), "skipped_chunks", skipped, "elapsed", time.Since(start))
}

func (o *Orchestrator) stream(ctx context.Context, id string, history []llm.Message) (int, error) {
	s, err := o.llm.Stream(ctx, history)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return s.Skipped(), nil
		}
		if err != nil {
			return s.Skipped(), err
		}
		o.appendTo(id, tok)
	}
}

func (o *Orchestrator) agentTurn(ctx context.Context, goal string) {
	o.mu.Lock()
	starting := o.addLocked(RoleAssistant, agentStarting, false)
	o.mu.Unlock()
	o.record(ctx, starting)

	run, err := o.agent.Run(ctx, goal)
	var text string
	switch {
	case run == nil:
		text = "Agent run rejected: " + errorText(err)
	case err != nil:
		text = "Agent run failed: " + errorText(err)
		if rep := run.Report(); rep != nil {
			text += "\n\n" + rep.Summary
		}
	default:
		text = "Agent run completed."
		if rep := run.Report(); rep != nil {
			text += "\n\n" + rep.Summary
			for _, c := range rep.Changes {
				text += fmt.Sprintf("\n- %s %s", c.Kind, c.Path)
			}
		}
	}

	o.mu.Lock()
	summary := o.addLocked(RoleAssistant, text, false)
	o.mu.Unlock()
	o.record(ctx, summary)
}

// mirror copies executor events into the side timeline.
func (o *Orchestrator) mirror(ev agent.RunEvent) {
	entry := TimelineEntry{
		RunID:      ev.RunID,
		State:      ev.State,
		Step:       ev.Step,
		RolledBack: ev.RolledBack,
		Time:       ev.Time,
	}
	switch {
	case ev.RolledBack:
		entry.Text = "rolled back"
	case ev.Step != nil:
		entry.Text = fmt.Sprintf("step %d %s: %s", ev.Step.Index+1, ev.Step.Outcome, ev.Step.Step)
	case ev.Err != nil:
		entry.Text = fmt.Sprintf("%s: %v", ev.State, ev.Err)
	case ev.Report != nil:
		entry.Text = fmt.Sprintf("%s: %s", ev.State, ev.Report.Summary)
	default:
		entry.Text = string(ev.State)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeline = append(o.timeline, entry)
	o.emitLocked(Event{Kind: EventTimeline, Timeline: entry})
}

// Messages returns a copy of the conversation in insertion order.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

// Timeline returns a copy of the mirrored agent events.
func (o *Orchestrator) Timeline() []TimelineEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TimelineEntry(nil), o.timeline...)
}

// Streaming reports whether an assistant message is still receiving tokens.
func (o *Orchestrator) Streaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.messages)
	return n > 0 && o.messages[n-1].IsStreaming
}

// Busy reports whether a turn is in progress.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// Clear drops the conversation and timeline. It is refused mid-turn.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return ErrTurnInProgress
	}
	o.messages = nil
	o.timeline = nil
	o.emitLocked(Event{Kind: EventCleared})
	return nil
}

// Export returns the conversation as indented JSON.
func (o *Orchestrator) Export() ([]byte, error) {
	msgs := o.Messages()
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling conversation: %w", err)
	}
	return data, nil
}

// Close stops mirroring agent events and event delivery.
func (o *Orchestrator) Close() {
	if o.unsub != nil {
		o.unsub()
	}
	o.bus.Close()
}

func (o *Orchestrator) addLocked(role Role, content string, streaming bool) Message {
	m := Message{
		ID:          uuid.New().String(),
		Role:        role,
		Content:     content,
		IsStreaming: streaming,
		Timestamp:   time.Now(),
	}
	o.messages = append(o.messages, m)
	o.emitLocked(Event{Kind: EventMessageAdded, Message: m})
	return m
}

// recentLocked returns the request history: the last History messages with
// room kept for the placeholder about to be added.
func (o *Orchestrator) recentLocked() []llm.Message {
	msgs := o.messages
	if keep := o.opts.History - 1; len(msgs) > keep {
		msgs = msgs[len(msgs)-keep:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

func (o *Orchestrator) appendTo(id, chunk string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexLocked(id)
	if i < 0 || !o.messages[i].IsStreaming {
		return
	}
	o.messages[i].Content += chunk
	o.emitLocked(Event{Kind: EventMessageUpdated, Message: o.messages[i]})
}

func (o *Orchestrator) finish(id string) Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexLocked(id)
	if i < 0 {
		return Message{}
	}
	o.messages[i].IsStreaming = false
	o.emitLocked(Event{Kind: EventMessageDone, Message: o.messages[i]})
	return o.messages[i]
}

func (o *Orchestrator) indexLocked(id string) int {
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) emitLocked(e Event) {
	o.seq++
	e.Seq = o.seq
	o.bus.Publish(e)
}

func (o *Orchestrator) record(ctx context.Context, m Message) {
	if o.opts.Recorder == nil || m.ID == "" {
		return
	}
	if err := o.opts.Recorder.RecordMessage(ctx, m); err != nil {
		o.logger.Warn("failed to record message", "message", m.ID, "error", err)
	}
}

func errorText(err error) string {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, llm.ErrStream.Error()+": "); ok {
		return rest
	}
	return msg
}
