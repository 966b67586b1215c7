package agentos

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"agentdesk/internal/fault"
)

// Stream yields the chunks of one agent run. Next returns io.EOF after the
// run's completion chunk has been delivered.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

var (
	ErrStreamTruncated = errors.New("run stream ended before completion")
	ErrRunFailed       = errors.New("agent run failed")
)

const maxFrameBytes = 1 << 20

type runEvent struct {
	Event     string          `json:"event"`
	RunID     string          `json:"run_id"`
	Content   json.RawMessage `json:"content"`
	CreatedAt int64           `json:"created_at"`
}

type runStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner

	done      bool
	closeOnce sync.Once
}

func newRunStream(ctx context.Context, body io.ReadCloser) *runStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &runStream{ctx: ctx, body: body, scanner: scanner}
}

// NewStream decodes an SSE run stream from r. Exposed for replaying captured
// runs and for tests.
func NewStream(ctx context.Context, r io.ReadCloser) Stream {
	return newRunStream(ctx, r)
}

func (s *runStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for {
		event, data, err := s.readFrame()
		if err != nil {
			return Chunk{}, err
		}
		chunk, skip, err := decodeFrame(event, data)
		if err != nil {
			return Chunk{}, err
		}
		if skip {
			continue
		}
		if chunk.Done {
			s.done = true
		}
		return chunk, nil
	}
}

func (s *runStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// readFrame collects one SSE frame: optional "event:" line, one or more
// "data:" lines, terminated by a blank line.
func (s *runStream) readFrame() (string, string, error) {
	event := ""
	var data []string
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if line == "" {
			if len(data) == 0 && event == "" {
				continue
			}
			return event, strings.Join(data, "\n"), nil
		}
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", "", s.readError(err)
	}
	if cause := context.Cause(s.ctx); cause != nil {
		return "", "", fault.New(fault.Cancelled, "read run stream", cause)
	}
	if len(data) > 0 {
		return event, strings.Join(data, "\n"), nil
	}
	return "", "", fault.New(fault.Invalid, "read run stream", ErrStreamTruncated)
}

func (s *runStream) readError(err error) error {
	if cause := context.Cause(s.ctx); cause != nil {
		return fault.New(fault.Cancelled, "read run stream", cause)
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return fault.New(fault.Invalid, "read run stream", err)
	}
	return fault.Wrap("read run stream", err)
}

func decodeFrame(event, data string) (Chunk, bool, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "[DONE]" {
		if trimmed == "[DONE]" {
			return Chunk{Event: EventRunCompleted, Done: true}, false, nil
		}
		return Chunk{}, true, nil
	}
	var payload runEvent
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return Chunk{}, false, fault.New(fault.Invalid, "decode run event", err)
	}
	name := strings.TrimSpace(payload.Event)
	if name == "" {
		name = event
	}
	chunk := Chunk{Event: name, RunID: payload.RunID}
	if payload.CreatedAt > 0 {
		chunk.CreatedAt = time.Unix(payload.CreatedAt, 0).UTC()
	}
	content := rawContent(payload.Content)
	switch name {
	case EventRunStarted:
		return chunk, false, nil
	case EventRunContent:
		chunk.Content = content
		return chunk, content == "", nil
	case EventRunCompleted:
		chunk.Done = true
		return chunk, false, nil
	case EventRunError:
		msg := nullCoalesce(content, "unknown error")
		return Chunk{}, false, fault.New(fault.Transient, "agent run", fmt.Errorf("%w: %s", ErrRunFailed, msg))
	case EventRunCancelled:
		return Chunk{}, false, fault.New(fault.Transient, "agent run", fmt.Errorf("%w: cancelled by backend", ErrRunFailed))
	default:
		// Tool calls, reasoning steps and other run telemetry carry no text.
		return Chunk{}, true, nil
	}
}

func rawContent(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text
		}
	}
	return trimmed
}
