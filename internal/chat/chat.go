// Package chat keeps the conversation timeline and drives turns: streamed
// completions in chat mode, agent runs in agent mode.
package chat

import (
	"errors"
	"time"

	"github.com/zpdzap/beesto/internal/agent"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAgent Mode = "agent"
)

// ParseMode accepts "chat" or "agent".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeChat, ModeAgent:
		return Mode(s), nil
	}
	return "", errors.New("mode must be chat or agent")
}

const (
	DefaultHistory   = 10
	agentStarting    = "Starting agent loop..."
	errorSuffixStart = "\n\n*Error: "
)

var (
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrEmptyMessage   = errors.New("message is empty")
)

// Message is one entry of the conversation. Content only grows, and only while
// IsStreaming is true.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	IsStreaming bool      `json:"isStreaming"`
	Timestamp   time.Time `json:"timestamp"`
}

// TimelineEntry mirrors one agent run event next to the conversation.
type TimelineEntry struct {
	RunID      string            `json:"run_id"`
	State      agent.State       `json:"state"`
	Step       *agent.StepResult `json:"step,omitempty"`
	RolledBack bool              `json:"rolled_back,omitempty"`
	Text       string            `json:"text"`
	Time       time.Time         `json:"time"`
}

type EventKind string

const (
	EventMessageAdded   EventKind = "message_added"
	EventMessageUpdated EventKind = "message_updated"
	EventMessageDone    EventKind = "message_done"
	EventTimeline       EventKind = "timeline"
	EventCleared        EventKind = "cleared"
)

// Event carries a copy of the message or timeline entry it concerns.
type Event struct {
	Seq      uint64
	Kind     EventKind
	Message  Message
	Timeline TimelineEntry
}
