package agentos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agentdesk/internal/fault"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Options{
		BaseURL: server.URL,
		DBID:    "kb-main",
		Timeout: 2 * time.Second,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return client
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "ftp://agentos"})
	require.Error(t, err)
	client, err := New(Options{BaseURL: "http://127.0.0.1:7777/"})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7777", client.BaseURL())
}

func TestRouteSkills(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/skills/route", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		var req RouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "plot revenue", req.Message)
		assert.Equal(t, 3, req.Limit)
		_, _ = io.WriteString(w, `{"skills":[{"id":"charts","name":"Charts","description":"plots","tags":["viz"],"match_terms":["plot"]}]}`)
	}))

	skills, err := client.RouteSkills(context.Background(), RouteRequest{Message: "plot revenue", Limit: 3})
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "charts", skills[0].ID)
	assert.Equal(t, []string{"plot"}, skills[0].MatchTerms)
}

func TestRouteSkillsEmptyIsNotNil(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"skills":null}`)
	}))
	skills, err := client.RouteSkills(context.Background(), RouteRequest{Message: "x"})
	require.NoError(t, err)
	assert.NotNil(t, skills)
	assert.Empty(t, skills)
}

func TestCheckHealthStatusCodes(t *testing.T) {
	status := http.StatusOK
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system/health", r.URL.Path)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"status":"degraded","version":"1.0.0","features":{"skills":true}}`)
	}))

	health, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Degraded())
	assert.True(t, health.Features["skills"])

	status = http.StatusServiceUnavailable
	_, err = client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Unavailable, fault.KindOf(err))
}

func TestCheckHealthUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	client, err := New(Options{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Unavailable, fault.KindOf(err))
}

func TestCallerCancellationIsCancelled(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.RouteSkills(ctx, RouteRequest{Message: "slow"})
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestRequestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)
	client, err := New(Options{BaseURL: server.URL, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestListIngestionItems(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/knowledge/content", r.URL.Path)
		assert.Equal(t, "kb-main", r.URL.Query().Get("db_id"))
		_, _ = io.WriteString(w, `{"data":[{"id":"c1","name":"report.pdf","status":"processing"},{"id":"c2","name":"notes.md","status":"completed"}],"meta":{"page":1,"limit":100,"total_pages":1,"total_count":2}}`)
	}))

	items, err := client.ListIngestionItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].Status.Transient())
	assert.False(t, items[1].Status.Transient())
}

func TestListIngestionItemsRejectsMissingIDs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"name":"ghost","status":"pending"}]}`)
	}))
	_, err := client.ListIngestionItems(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
}

func TestMalformedJSONIsInvalid(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[`)
	}))
	_, err := client.ListIngestionItems(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
}

func TestUploadAndRetry(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/knowledge/content":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			data, _ := io.ReadAll(file)
			assert.Equal(t, "notes.md", header.Filename)
			assert.Equal(t, "# notes", string(data))
			assert.Equal(t, "kb-main", r.FormValue("db_id"))
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"id":"c9","name":"notes.md"}`)
		case "/knowledge/retry/c9":
			_, _ = io.WriteString(w, `{"message":"Retry initiated","content_id":"c9","current_status":"failed"}`)
		default:
			http.NotFound(w, r)
		}
	}))

	item, err := client.UploadContent(context.Background(), Upload{FileName: "notes.md", Data: []byte("# notes")})
	require.NoError(t, err)
	assert.Equal(t, "c9", item.ID)
	assert.Equal(t, StatusPending, item.Status)

	result, err := client.RetryIngestion(context.Background(), "c9")
	require.NoError(t, err)
	assert.Equal(t, "c9", result.ContentID)

	_, err = client.RetryIngestion(context.Background(), " ")
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
	_, err = client.UploadContent(context.Background(), Upload{Name: "empty"})
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
}

func TestKnowledgeStatsErrorField(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"total":0,"error":"db offline"}`)
	}))
	_, err := client.KnowledgeStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db offline")
}

func TestSendMessageStreams(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/web-agent/runs", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "hi", r.PostForm.Get("message"))
		assert.Equal(t, "true", r.PostForm.Get("stream"))
		assert.Equal(t, "s-1", r.PostForm.Get("session_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			`{"event":"RunStarted","run_id":"r1"}`,
			`{"event":"RunContent","run_id":"r1","content":"he"}`,
			`{"event":"RunContent","run_id":"r1","content":"llo"}`,
			`{"event":"RunCompleted","run_id":"r1"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))

	stream, err := client.SendMessage(context.Background(), RunRequest{AgentID: "web-agent", SessionID: "s-1", Message: "hi"})
	require.NoError(t, err)
	defer stream.Close()
	text := ""
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += chunk.Content
	}
	assert.Equal(t, "hello", text)
}

func TestSendMessageHTTPError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"agent not found"}`, http.StatusNotFound)
	}))
	_, err := client.SendMessage(context.Background(), RunRequest{AgentID: "ghost", Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
	assert.Contains(t, err.Error(), "agent not found")

	_, err = client.SendMessage(context.Background(), RunRequest{Message: "hi"})
	assert.Equal(t, fault.Invalid, fault.KindOf(err))
}
