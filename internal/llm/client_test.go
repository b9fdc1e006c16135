package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, lines ...string) (*httptest.Server, <-chan request) {
	t.Helper()
	reqs := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reqs <- got

		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var toks []string
	for {
		tok, err := s.Next()
		if err != nil {
			return toks, err
		}
		toks = append(toks, tok)
	}
}

func TestStreamTokensInOrder(t *testing.T) {
	srv, reqs := sseServer(t,
		`data: {"content":"Hel"}`,
		`data: {"content":"lo"}`,
		`data: [DONE]`,
	)
	c := New(srv.URL)

	s, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	defer s.Close()

	toks, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "lo"}, toks)

	got := <-reqs
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, DefaultTemperature, got.Temperature)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, got.Messages)

	// Further reads keep reporting the end of stream.
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamSkipsMalformedChunks(t *testing.T) {
	srv, _ := sseServer(t,
		`data: {"content":"a"}`,
		`data: {"content":`,
		`: keep-alive`,
		`event: message`,
		`data: not json`,
		`data: {"content":"b"}`,
		`data: [DONE]`,
	)

	s, err := New(srv.URL).Stream(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	toks, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a", "b"}, toks)
	assert.Equal(t, 2, s.Skipped())
}

func TestStreamEndsOnConnectionClose(t *testing.T) {
	srv, _ := sseServer(t, `data: {"content":"partial"}`)

	s, err := New(srv.URL).Stream(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	toks, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"partial"}, toks)
}

func TestStreamErrorChunk(t *testing.T) {
	srv, _ := sseServer(t,
		`data: {"content":"Hel"}`,
		`data: {"error":"rate limited"}`,
		`data: {"content":"never"}`,
	)

	s, err := New(srv.URL).Stream(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	toks, err := drain(t, s)
	require.ErrorIs(t, err, ErrStream)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, []string{"Hel"}, toks)
}

func TestStreamErrorChunkKeepsContent(t *testing.T) {
	srv, _ := sseServer(t,
		`data: {"content":"Hel"}`,
		`data: {"content":"lo","error":"overloaded"}`,
		`data: {"content":"never"}`,
	)

	s, err := New(srv.URL).Stream(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	toks, err := drain(t, s)
	require.ErrorIs(t, err, ErrStream)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, []string{"Hel", "lo"}, toks)

	_, err = s.Next()
	assert.ErrorIs(t, err, ErrStream)
}

func TestStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"Messages array is required"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Stream(context.Background(), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "Messages array is required", apiErr.Message)
	assert.Equal(t, "HTTP 400: Messages array is required", apiErr.Error())
}

func TestCompleteWithOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-r1", req.Model)
		assert.Equal(t, 0.2, req.Temperature)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range strings.Split(`[{"kind":"file_write"}]`, "") {
			b, _ := json.Marshal(chunk{Content: tok})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithModel("deepseek-r1"), WithTemperature(0.2), WithAPIKey("secret"))
	out, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "plan"}})
	require.NoError(t, err)
	assert.Equal(t, `[{"kind":"file_write"}]`, out)
	assert.Equal(t, "deepseek-r1", c.Model())
}
