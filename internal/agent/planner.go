package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/zpdzap/beesto/internal/llm"
	"github.com/zpdzap/beesto/internal/logging"
	"github.com/zpdzap/beesto/internal/sandbox"
)

// Planner produces the ordered steps for a goal.
type Planner interface {
	Plan(ctx context.Context, goal string, files []string) ([]Step, error)
}

const systemPrompt = `You are a coding agent working inside a sandboxed project.
Reply with a JSON array of steps and nothing else. Each step is an object with:
  "description": short human summary
  "kind": one of "file_write", "file_delete", "shell_command"
  "path": project-relative file path (file_write, file_delete)
  "content": full new file content (file_write)
  "command": shell command run from the project root (shell_command)
Steps run in order, each seeing the result of the previous one.
Reply with [] if nothing needs to change.`

// LLMPlanner asks the completion endpoint for a plan in a single request.
type LLMPlanner struct {
	llm    llm.Completer
	logger *slog.Logger
}

var _ Planner = (*LLMPlanner)(nil)

func NewLLMPlanner(c llm.Completer, logger *slog.Logger) *LLMPlanner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LLMPlanner{llm: c, logger: logger}
}

func (p *LLMPlanner) Plan(ctx context.Context, goal string, files []string) ([]Step, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n\nProject files:\n", goal)
	if len(sorted) == 0 {
		user.WriteString("(empty project)\n")
	}
	for _, f := range sorted {
		fmt.Fprintf(&user, "- %s\n", f)
	}

	raw, err := p.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanning, err)
	}

	steps, err := ParsePlan(raw)
	if err != nil {
		p.logger.Warn("rejected plan", "error", err, "response_bytes", len(raw))
		return nil, err
	}
	p.logger.Info("planned", "goal", goal, "steps", len(steps))
	return steps, nil
}

// ParsePlan decodes a planner response. It accepts a JSON array of steps or an
// object with a "steps" array, optionally wrapped in one fenced code block.
// Anything else is rejected with ErrPlanning.
func ParsePlan(raw string) ([]Step, error) {
	body, err := unfence(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrPlanning)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var steps []Step
	switch body[0] {
	case '[':
		if err := dec.Decode(&steps); err != nil {
			return nil, fmt.Errorf("%w: decoding steps: %w", ErrPlanning, err)
		}
	case '{':
		var wrapped struct {
			Steps *[]Step `json:"steps"`
		}
		if err := dec.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("%w: decoding steps: %w", ErrPlanning, err)
		}
		if wrapped.Steps == nil {
			return nil, fmt.Errorf("%w: missing \"steps\"", ErrPlanning)
		}
		steps = *wrapped.Steps
	default:
		return nil, fmt.Errorf("%w: response is not a JSON plan", ErrPlanning)
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after plan", ErrPlanning)
	}

	if steps == nil {
		steps = []Step{}
	}
	for i := range steps {
		if err := normalize(&steps[i]); err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrPlanning, i+1, err)
		}
	}
	return steps, nil
}

func unfence(s string) (string, error) {
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		return s, nil
	}
	n := strings.Count(s, "```")
	if n == 0 {
		return s, nil
	}
	if n != 2 {
		return "", fmt.Errorf("%w: expected one fenced block, found %d fences", ErrPlanning, n)
	}
	_, rest, _ := strings.Cut(s, "```")
	block, _, _ := strings.Cut(rest, "```")
	// Drop the info string ("json") on the opening fence line.
	if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.ContainsAny(block[:nl], "[{") {
		block = block[nl+1:]
	}
	return strings.TrimSpace(block), nil
}

func normalize(s *Step) error {
	switch s.Kind {
	case KindFileWrite, KindFileDelete:
		if s.Command != "" {
			return fmt.Errorf("%s step carries a command", s.Kind)
		}
		if s.Kind == KindFileDelete && s.Content != "" {
			return fmt.Errorf("file_delete step carries content")
		}
		p, err := sandbox.CleanPath(s.Path)
		if err != nil {
			return err
		}
		s.Path = p
	case KindShellCommand:
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("shell_command step has no command")
		}
		if s.Path != "" || s.Content != "" {
			return fmt.Errorf("shell_command step carries file fields")
		}
	case "":
		return fmt.Errorf("missing kind")
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}
