package agentos

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdesk/internal/fault"
)

func streamOf(t *testing.T, ctx context.Context, raw string) Stream {
	t.Helper()
	return NewStream(ctx, io.NopCloser(strings.NewReader(raw)))
}

func drain(t *testing.T, s Stream) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for i := 0; i < 100; i++ {
		chunk, err := s.Next()
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	t.Fatal("stream never terminated")
	return nil, nil
}

func TestRunStreamDecodesAgentOSEvents(t *testing.T) {
	raw := strings.Join([]string{
		"event: RunStarted",
		`data: {"event":"RunStarted","run_id":"run-1","created_at":1700000000}`,
		"",
		": keep-alive",
		"",
		"event: RunContent",
		`data: {"event":"RunContent","run_id":"run-1","content":"Hel"}`,
		"",
		"event: ToolCallStarted",
		`data: {"event":"ToolCallStarted","run_id":"run-1"}`,
		"",
		"event: RunContent",
		`data: {"event":"RunContent","run_id":"run-1","content":"lo"}`,
		"",
		"event: RunCompleted",
		`data: {"event":"RunCompleted","run_id":"run-1","content":"Hello"}`,
		"",
		"",
	}, "\n")
	chunks, err := drain(t, streamOf(t, context.Background(), raw))
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, chunks, 4)

	assert.Equal(t, EventRunStarted, chunks[0].Event)
	assert.Equal(t, "run-1", chunks[0].RunID)
	assert.False(t, chunks[0].CreatedAt.IsZero())
	assert.Equal(t, "Hel", chunks[1].Content)
	assert.Equal(t, "lo", chunks[2].Content)
	assert.True(t, chunks[3].Done)
}

func TestRunStreamEventNameFromLine(t *testing.T) {
	raw := "event: RunContent\ndata: {\"content\":\"x\"}\n\nevent: RunCompleted\ndata: {}\n\n"
	chunks, err := drain(t, streamOf(t, context.Background(), raw))
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, chunks, 2)
	assert.Equal(t, "x", chunks[0].Content)
	assert.True(t, chunks[1].Done)
}

func TestRunStreamTruncatedIsInvalid(t *testing.T) {
	raw := "data: {\"event\":\"RunContent\",\"content\":\"partial\"}\n\n"
	chunks, err := drain(t, streamOf(t, context.Background(), raw))
	require.Len(t, chunks, 1)
	require.ErrorIs(t, err, ErrStreamTruncated)
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
}

func TestRunStreamRunError(t *testing.T) {
	raw := "data: {\"event\":\"RunContent\",\"content\":\"a\"}\n\ndata: {\"event\":\"RunError\",\"content\":\"model overloaded\"}\n\n"
	chunks, err := drain(t, streamOf(t, context.Background(), raw))
	require.Len(t, chunks, 1)
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestRunStreamMalformedJSON(t *testing.T) {
	_, err := drain(t, streamOf(t, context.Background(), "data: {oops\n\n"))
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
}

func TestRunStreamCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("navigated away")
	cancel(cause)
	_, err := drain(t, streamOf(t, ctx, ""))
	require.ErrorIs(t, err, cause)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestRunStreamStructuredContent(t *testing.T) {
	raw := "data: {\"event\":\"RunContent\",\"content\":{\"answer\":42}}\n\ndata: [DONE]\n\n"
	chunks, err := drain(t, streamOf(t, context.Background(), raw))
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, chunks, 2)
	assert.Equal(t, `{"answer":42}`, chunks[0].Content)
	assert.True(t, chunks[1].Done)
}
