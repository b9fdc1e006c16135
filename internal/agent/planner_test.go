package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/beesto/internal/llm"
)

type completerFunc func(ctx context.Context, msgs []llm.Message) (string, error)

func (f completerFunc) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	return f(ctx, msgs)
}

func TestParsePlan(t *testing.T) {
	readme := []Step{{Description: "add readme", Kind: KindFileWrite, Path: "README.md", Content: "# Project"}}

	tests := []struct {
		name    string
		raw     string
		want    []Step
		wantErr bool
	}{
		{
			name: "bare array",
			raw:  `[{"description":"add readme","kind":"file_write","path":"README.md","content":"# Project"}]`,
			want: readme,
		},
		{
			name: "steps object",
			raw:  `{"steps":[{"description":"add readme","kind":"file_write","path":"README.md","content":"# Project"}]}`,
			want: readme,
		},
		{
			name: "fenced block",
			raw:  "Here is the plan:\n```json\n[{\"description\":\"add readme\",\"kind\":\"file_write\",\"path\":\"README.md\",\"content\":\"# Project\"}]\n```\n",
			want: readme,
		},
		{
			name: "content with fences",
			raw:  "[{\"kind\":\"file_write\",\"path\":\"README.md\",\"content\":\"```sh\\nnpm i\\n```\"}]",
			want: []Step{{Kind: KindFileWrite, Path: "README.md", Content: "```sh\nnpm i\n```"}},
		},
		{
			name: "path cleaned",
			raw:  `[{"kind":"file_delete","path":"src/./old.js"}]`,
			want: []Step{{Kind: KindFileDelete, Path: "src/old.js"}},
		},
		{
			name: "shell command",
			raw:  `[{"kind":"shell_command","command":"npm test"}]`,
			want: []Step{{Kind: KindShellCommand, Command: "npm test"}},
		},
		{name: "explicit empty plan", raw: `[]`, want: []Step{}},
		{name: "empty response", raw: "  ", wantErr: true},
		{name: "prose", raw: "I would add a README file.", wantErr: true},
		{name: "null", raw: "null", wantErr: true},
		{name: "object without steps", raw: `{"plan":[]}`, wantErr: true},
		{name: "unknown kind", raw: `[{"kind":"file_move","path":"a"}]`, wantErr: true},
		{name: "missing kind", raw: `[{"path":"a"}]`, wantErr: true},
		{name: "unknown field", raw: `[{"kind":"file_write","path":"a","mode":"0644"}]`, wantErr: true},
		{name: "missing path", raw: `[{"kind":"file_write","content":"x"}]`, wantErr: true},
		{name: "absolute path", raw: `[{"kind":"file_write","path":"/etc/hosts"}]`, wantErr: true},
		{name: "escaping path", raw: `[{"kind":"file_delete","path":"../secret"}]`, wantErr: true},
		{name: "missing command", raw: `[{"kind":"shell_command"}]`, wantErr: true},
		{name: "command with path", raw: `[{"kind":"shell_command","command":"ls","path":"a"}]`, wantErr: true},
		{name: "delete with content", raw: `[{"kind":"file_delete","path":"a","content":"x"}]`, wantErr: true},
		{name: "trailing data", raw: `[] and then some`, wantErr: true},
		{name: "two plans", raw: `[][]`, wantErr: true},
		{name: "two fenced blocks", raw: "```json\n[]\n```\n```json\n[]\n```", wantErr: true},
		{name: "truncated", raw: `[{"kind":"file_write","path":"a"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlan(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPlanning)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLLMPlannerPrompt(t *testing.T) {
	var sent []llm.Message
	c := completerFunc(func(_ context.Context, msgs []llm.Message) (string, error) {
		sent = msgs
		return `[{"kind":"file_write","path":"README.md","content":"# Project"}]`, nil
	})

	steps, err := NewLLMPlanner(c, nil).Plan(context.Background(), "add a README", []string{"src/app.js", "package.json"})
	require.NoError(t, err)
	require.Len(t, steps, 1)

	require.Len(t, sent, 2)
	assert.Equal(t, llm.RoleSystem, sent[0].Role)
	assert.Equal(t, llm.RoleUser, sent[1].Role)
	assert.Contains(t, sent[1].Content, "Goal: add a README")
	pkg := strings.Index(sent[1].Content, "- package.json")
	app := strings.Index(sent[1].Content, "- src/app.js")
	assert.True(t, pkg >= 0 && app > pkg, "file list should be sorted:\n%s", sent[1].Content)
}

func TestLLMPlannerFailures(t *testing.T) {
	failing := completerFunc(func(context.Context, []llm.Message) (string, error) {
		return "", &llm.APIError{Status: 500, Message: "upstream down"}
	})
	_, err := NewLLMPlanner(failing, nil).Plan(context.Background(), "goal", nil)
	require.ErrorIs(t, err, ErrPlanning)
	var apiErr *llm.APIError
	assert.True(t, errors.As(err, &apiErr))

	garbled := completerFunc(func(context.Context, []llm.Message) (string, error) {
		return "Sure! Step one: create a file.", nil
	})
	_, err = NewLLMPlanner(garbled, nil).Plan(context.Background(), "goal", nil)
	assert.ErrorIs(t, err, ErrPlanning)
}
