package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentdesk/internal/agentos"
	"agentdesk/internal/fault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var testTarget = Target{AgentID: "web-agent", SessionID: "s-1"}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) notices() []Notice {
	var out []Notice
	for _, ev := range r.all() {
		if n, ok := ev.(Notice); ok {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) sessions() []StreamSession {
	var out []StreamSession
	for _, ev := range r.all() {
		if s, ok := ev.(StreamUpdated); ok {
			out = append(out, s.Session)
		}
	}
	return out
}

func (r *recorder) suggestions() []SuggestionSet {
	var out []SuggestionSet
	for _, ev := range r.all() {
		if s, ok := ev.(SuggestionsChanged); ok {
			out = append(out, s.Set)
		}
	}
	return out
}

type switchGate struct {
	mu     sync.Mutex
	active bool
}

func newSwitchGate(active bool) *switchGate {
	return &switchGate{active: active}
}

func (g *switchGate) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *switchGate) Set(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = active
}

// streamItem is one scripted Next result.
type streamItem struct {
	chunk agentos.Chunk
	err   error
}

// fakeStream replays items fed through feed and honours cancellation.
type fakeStream struct {
	ctx       context.Context
	feed      chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
	done      bool
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, feed: make(chan streamItem, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (agentos.Chunk, error) {
	if s.done {
		return agentos.Chunk{}, io.EOF
	}
	select {
	case item := <-s.feed:
		if item.chunk.Done {
			s.done = true
		}
		return item.chunk, item.err
	case <-s.ctx.Done():
		return agentos.Chunk{}, fault.New(fault.Cancelled, "fake stream", context.Cause(s.ctx))
	case <-s.closed:
		return agentos.Chunk{}, fault.New(fault.Cancelled, "fake stream", errors.New("closed"))
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(chunk agentos.Chunk) {
	s.feed <- streamItem{chunk: chunk}
}

func (s *fakeStream) fail(err error) {
	s.feed <- streamItem{err: err}
}

// fakeSender hands every SendMessage call to the test through calls.
type fakeSender struct {
	calls chan *senderCall
}

type senderCall struct {
	ctx    context.Context
	run    agentos.RunRequest
	stream *fakeStream
	reply  chan error
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan *senderCall, 8)}
}

func (f *fakeSender) SendMessage(ctx context.Context, run agentos.RunRequest) (agentos.Stream, error) {
	call := &senderCall{ctx: ctx, run: run, stream: newFakeStream(ctx), reply: make(chan error, 1)}
	f.calls <- call
	select {
	case err := <-call.reply:
		if err != nil {
			return nil, err
		}
		return call.stream, nil
	case <-ctx.Done():
		return nil, fault.New(fault.Cancelled, "fake send", context.Cause(ctx))
	}
}

func (f *fakeSender) next(t *testing.T) *senderCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(waitFor):
		t.Fatal("SendMessage was not called")
		return nil
	}
}

// routeCall is one RouteSkills invocation awaiting its scripted answer.
type routeCall struct {
	ctx   context.Context
	req   agentos.RouteRequest
	at    time.Time
	reply chan routeReply
}

type routeReply struct {
	skills []agentos.Skill
	err    error
}

type fakeRouter struct {
	now       func() time.Time
	ignoreCtx bool
	calls     chan *routeCall
}

func newFakeRouter(now func() time.Time) *fakeRouter {
	return &fakeRouter{now: now, calls: make(chan *routeCall, 16)}
}

func (f *fakeRouter) RouteSkills(ctx context.Context, req agentos.RouteRequest) ([]agentos.Skill, error) {
	call := &routeCall{ctx: ctx, req: req, at: f.now(), reply: make(chan routeReply, 1)}
	f.calls <- call
	if f.ignoreCtx {
		r := <-call.reply
		return r.skills, r.err
	}
	select {
	case r := <-call.reply:
		return r.skills, r.err
	case <-ctx.Done():
		return nil, fault.New(fault.Cancelled, "fake route", context.Cause(ctx))
	}
}

func (f *fakeRouter) next(t *testing.T) *routeCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(waitFor):
		t.Fatal("RouteSkills was not called")
		return nil
	}
}

func (f *fakeRouter) requireIdle(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case call := <-f.calls:
		t.Fatalf("unexpected RouteSkills(%q)", call.req.Message)
	case <-time.After(d):
	}
}

func skills(ids ...string) []agentos.Skill {
	out := make([]agentos.Skill, 0, len(ids))
	for _, id := range ids {
		out = append(out, agentos.Skill{ID: id, Name: id})
	}
	return out
}

// fakeHealth scripts CheckHealth outcomes.
type fakeHealth struct {
	mu    sync.Mutex
	err   error
	block bool
	calls int
}

func (f *fakeHealth) CheckHealth(ctx context.Context) (agentos.HealthStatus, error) {
	f.mu.Lock()
	f.calls++
	err, block := f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return agentos.HealthStatus{}, fault.New(fault.Cancelled, "fake health", context.Cause(ctx))
	}
	if err != nil {
		return agentos.HealthStatus{}, err
	}
	return agentos.HealthStatus{Status: "healthy", Version: "2.1.0"}, nil
}

func (f *fakeHealth) set(err error, block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.block = block
}

func (f *fakeHealth) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeKnowledge scripts ingestion listings, one entry per call; the last
// entry repeats.
type fakeKnowledge struct {
	mu       sync.Mutex
	pages    []listing
	calls    int
	uploads  []agentos.Upload
	retried  []string
	retryErr error
}

type listing struct {
	items []agentos.IngestionItem
	err   error
}

func (f *fakeKnowledge) ListIngestionItems(ctx context.Context) ([]agentos.IngestionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if len(f.pages) == 0 {
		return []agentos.IngestionItem{}, nil
	}
	if idx >= len(f.pages) {
		idx = len(f.pages) - 1
	}
	page := f.pages[idx]
	return page.items, page.err
}

func (f *fakeKnowledge) UploadContent(ctx context.Context, upload agentos.Upload) (agentos.IngestionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, upload)
	return agentos.IngestionItem{ID: "up-1", Name: upload.FileName, Status: agentos.StatusPending}, nil
}

func (f *fakeKnowledge) RetryIngestion(ctx context.Context, id string) (agentos.RetryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return agentos.RetryResult{}, f.retryErr
	}
	f.retried = append(f.retried, id)
	return agentos.RetryResult{ContentID: id, Message: "Retry initiated"}, nil
}

func (f *fakeKnowledge) setPages(pages ...listing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = pages
	f.calls = 0
}

func (f *fakeKnowledge) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func item(id string, status agentos.IngestionStatus) agentos.IngestionItem {
	return agentos.IngestionItem{ID: id, Name: id + ".md", Status: status}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msg)
}
