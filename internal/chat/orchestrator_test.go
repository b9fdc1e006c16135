package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/llm"
	"github.com/zpdzap/beesto/internal/runtime/runtimetest"
	"github.com/zpdzap/beesto/internal/sandbox"
)

type wireRequest struct {
	Messages    []llm.Message `json:"messages"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
}

// endpoint answers every request with lines, recording what it received.
type endpoint struct {
	mu       sync.Mutex
	requests []wireRequest
	lines    []string
	gate     chan struct{}
}

func newEndpoint(t *testing.T, lines ...string) (*endpoint, *llm.Client) {
	t.Helper()
	e := &endpoint{lines: lines}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		e.mu.Lock()
		e.requests = append(e.requests, req)
		gate := e.gate
		e.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		if gate != nil {
			<-gate
		}
		for _, l := range e.lines {
			fmt.Fprintf(w, "%s\n\n", l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return e, llm.New(srv.URL)
}

func (e *endpoint) last() wireRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func TestChatTurnStreamsIntoOneMessage(t *testing.T) {
	_, client := newEndpoint(t,
		`data: {"content":"Hel"}`,
		`data: {"content":"lo"}`,
		`data: [DONE]`,
	)
	o := New(client, nil, Options{})
	defer o.Close()

	o.Subscribe(func(e Event) {
		if e.Kind == EventMessageUpdated {
			assert.True(t, e.Message.IsStreaming)
		}
	})

	require.NoError(t, o.SendTurn(context.Background(), "hi", ModeChat))

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.False(t, o.Streaming())
	assert.False(t, o.Busy())
}

func TestChatTurnSendsRecentHistory(t *testing.T) {
	e, client := newEndpoint(t, `data: {"content":"ok"}`, `data: [DONE]`)
	o := New(client, nil, Options{})
	defer o.Close()

	for i := range 6 {
		require.NoError(t, o.SendTurn(context.Background(), fmt.Sprintf("q%d", i), ModeChat))
	}

	req := e.last()
	assert.Equal(t, llm.DefaultModel, req.Model)
	assert.Equal(t, llm.DefaultTemperature, req.Temperature)
	// 11 messages exist before the placeholder; the last 9 are sent.
	require.Len(t, req.Messages, 9)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "q5"}, req.Messages[8])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "q1"}, req.Messages[0])
	for _, m := range req.Messages {
		assert.NotEmpty(t, m.Content)
	}
}

func TestChatTurnMalformedChunksSkipped(t *testing.T) {
	_, client := newEndpoint(t,
		`data: {"content":"a"}`,
		`data: {oops`,
		`data: {"content":"b"}`,
		`data: [DONE]`,
	)
	o := New(client, nil, Options{})
	defer o.Close()

	require.NoError(t, o.SendTurn(context.Background(), "hi", ModeChat))
	assert.Equal(t, "ab", o.Messages()[1].Content)
}

func TestChatTurnErrorAppendedInline(t *testing.T) {
	_, client := newEndpoint(t,
		`data: {"content":"partial"}`,
		`data: {"error":"rate limited"}`,
	)
	o := New(client, nil, Options{})
	defer o.Close()

	require.NoError(t, o.SendTurn(context.Background(), "hi", ModeChat))
	reply := o.Messages()[1]
	assert.Equal(t, "partial\n\n*Error: rate limited*", reply.Content)
	assert.False(t, reply.IsStreaming)
}

func TestChatTurnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"Internal server error"}`)
	}))
	defer srv.Close()
	o := New(llm.New(srv.URL), nil, Options{})
	defer o.Close()

	require.NoError(t, o.SendTurn(context.Background(), "hi", ModeChat))
	reply := o.Messages()[1]
	assert.Equal(t, "\n\n*Error: HTTP 500: Internal server error*", reply.Content)
	assert.False(t, reply.IsStreaming)
}

func TestSecondTurnRejectedWhileStreaming(t *testing.T) {
	e, client := newEndpoint(t, `data: {"content":"slow"}`, `data: [DONE]`)
	e.gate = make(chan struct{})
	o := New(client, nil, Options{})
	defer o.Close()

	done := make(chan error, 1)
	go func() { done <- o.SendTurn(context.Background(), "first", ModeChat) }()

	require.Eventually(t, o.Streaming, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, o.SendTurn(context.Background(), "second", ModeChat), ErrTurnInProgress)
	assert.ErrorIs(t, o.Clear(), ErrTurnInProgress)

	close(e.gate)
	require.NoError(t, <-done)

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	streaming := 0
	for _, m := range msgs {
		if m.IsStreaming {
			streaming++
		}
	}
	assert.Zero(t, streaming)
	assert.Equal(t, "slow", msgs[1].Content)
}

func TestEmptyMessageRejected(t *testing.T) {
	o := New(llm.New("http://127.0.0.1:1"), nil, Options{})
	defer o.Close()
	assert.ErrorIs(t, o.SendTurn(context.Background(), "   ", ModeChat), ErrEmptyMessage)
	assert.Error(t, o.SendTurn(context.Background(), "do it", ModeAgent))
	assert.Empty(t, o.Messages())
}

type staticPlanner []agent.Step

func (p staticPlanner) Plan(context.Context, string, []string) ([]agent.Step, error) {
	return p, nil
}

func TestAgentTurn(t *testing.T) {
	rt := runtimetest.New(map[string]string{"package.json": "{}"})
	sb := sandbox.New(rt, sandbox.Options{})
	_, err := sb.Boot(context.Background())
	require.NoError(t, err)
	defer sb.Close(context.Background())

	ex := agent.NewExecutor(sb, staticPlanner{{Kind: agent.KindFileWrite, Path: "README.md", Content: "# Project"}}, agent.Options{})
	o := New(llm.New("http://127.0.0.1:1"), ex, Options{})
	defer o.Close()

	require.NoError(t, o.SendTurn(context.Background(), "add a README", ModeAgent))

	msgs := o.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "add a README", msgs[0].Content)
	assert.Equal(t, "Starting agent loop...", msgs[1].Content)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Agent run completed."))
	assert.Contains(t, msgs[2].Content, "- added README.md")
	for _, m := range msgs {
		assert.False(t, m.IsStreaming)
	}

	require.Eventually(t, func() bool {
		tl := o.Timeline()
		return len(tl) > 0 && tl[len(tl)-1].State == agent.StateCompleted
	}, time.Second, 5*time.Millisecond)
	tl := o.Timeline()
	assert.Equal(t, agent.StatePlanning, tl[0].State)
	var stepEntries int
	for _, e := range tl {
		if e.Step != nil {
			stepEntries++
			assert.Equal(t, "step 1 succeeded: write README.md", e.Text)
		}
	}
	assert.Equal(t, 1, stepEntries)
}

type recorderFunc func(ctx context.Context, m Message) error

func (f recorderFunc) RecordMessage(ctx context.Context, m Message) error { return f(ctx, m) }

func TestClearExportAndRecord(t *testing.T) {
	_, client := newEndpoint(t, `data: {"content":"hey"}`, `data: [DONE]`)
	var recorded []Message
	rec := recorderFunc(func(_ context.Context, m Message) error {
		recorded = append(recorded, m)
		return nil
	})
	o := New(client, nil, Options{Recorder: rec})
	defer o.Close()

	require.NoError(t, o.SendTurn(context.Background(), "hi", ModeChat))
	require.Len(t, recorded, 2)
	assert.Equal(t, "hey", recorded[1].Content)
	assert.False(t, recorded[1].IsStreaming)

	data, err := o.Export()
	require.NoError(t, err)
	var exported []Message
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 2)
	assert.Equal(t, "hey", exported[1].Content)
	assert.Contains(t, string(data), "\n  {")
	assert.Contains(t, string(data), `"isStreaming": false`)

	require.NoError(t, o.Clear())
	assert.Empty(t, o.Messages())
	data, err = o.Export()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("agent")
	require.NoError(t, err)
	assert.Equal(t, ModeAgent, m)
	_, err = ParseMode("pair")
	assert.Error(t, err)
}
