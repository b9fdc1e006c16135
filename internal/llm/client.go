// Package llm talks to the completion endpoint: a JSON POST answered with a
// server-sent-event stream of content tokens.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultModel       = "llama-3.3-70b"
	DefaultTemperature = 0.7
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the request's messages array.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
}

// ErrStream is returned when a stream ends because of a transport failure or
// an error chunk sent by the endpoint.
var ErrStream = errors.New("completion stream failed")

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Completer returns one whole completion for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Streamer opens a token stream for a conversation.
type Streamer interface {
	Stream(ctx context.Context, messages []Message) (*Stream, error)
}

// Client is an HTTP client for the completion endpoint.
type Client struct {
	endpoint    string
	model       string
	temperature float64
	apiKey      string
	httpClient  *http.Client
}

var (
	_ Completer = (*Client)(nil)
	_ Streamer  = (*Client)(nil)
)

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New returns a client posting to endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       DefaultModel,
		temperature: DefaultTemperature,
		// No overall timeout: streams stay open as long as tokens arrive.
		httpClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 90 * time.Second,
		}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Model() string { return c.model }

// Stream posts messages and returns the open token stream. The caller must
// Close it.
func (c *Client) Stream(ctx context.Context, messages []Message) (*Stream, error) {
	raw, err := json.Marshal(request{Messages: messages, Model: c.model, Temperature: c.temperature})
	if err != nil {
		return nil, fmt.Errorf("marshaling completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return newStream(resp.Body), nil
}

// Complete drains a stream into a single string.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	s, err := c.Stream(ctx, messages)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var b strings.Builder
	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
