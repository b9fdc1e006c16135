package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const donePayload = "[DONE]"

type chunk struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

// Stream yields content tokens from a server-sent-event body in arrival order.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	skipped int
	done    bool
	err     error
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Stream{body: body, scanner: sc}
}

// Next returns the next non-empty token. It returns io.EOF once [DONE] is seen
// or the connection closes, and an ErrStream-wrapped error when the endpoint
// reports one or the body cannot be read. Non-JSON data lines are skipped.
func (s *Stream) Next() (string, error) {
	if s.done {
		return "", s.err
	}
	for s.scanner.Scan() {
		data, ok := strings.CutPrefix(s.scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == donePayload {
			return s.finish(io.EOF)
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			s.skipped++
			continue
		}
		if c.Error != "" {
			err := fmt.Errorf("%w: %s", ErrStream, c.Error)
			if c.Content != "" {
				// Deliver the content; the error follows on the next call.
				s.done, s.err = true, err
				return c.Content, nil
			}
			return s.finish(err)
		}
		if c.Content != "" {
			return c.Content, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return s.finish(fmt.Errorf("%w: %w", ErrStream, err))
	}
	return s.finish(io.EOF)
}

// Skipped reports how many malformed data lines were dropped so far.
func (s *Stream) Skipped() int { return s.skipped }

func (s *Stream) Close() error {
	return s.body.Close()
}

func (s *Stream) finish(err error) (string, error) {
	s.done = true
	s.err = err
	return "", err
}
