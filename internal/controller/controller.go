package controller

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentdesk/internal/agentos"
	"agentdesk/internal/fault"
	"agentdesk/internal/metrics"
)

type Option func(*Controller)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Snapshot is a consistent-enough view of every component for rendering a
// fresh screen. Each field is internally consistent; fields are read one
// after another.
type Snapshot struct {
	Target      Target
	Suggestions SuggestionSet
	Session     StreamSession
	HasSession  bool
	Connection  ConnectionState
	Items       []agentos.IngestionItem
}

// Controller wires the four components around one transport and one
// ConnectionState, with an explicit Run/Close lifecycle.
type Controller struct {
	cfg       Config
	transport Transport
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	pub        *publisher
	monitor    *Monitor
	coalescer  *Coalescer
	dispatcher *Dispatcher
	poller     *Poller

	targetMu sync.RWMutex
	target   Target

	running   atomic.Bool
	closeOnce sync.Once
}

func New(transport Transport, cfg Config, opts ...Option) (*Controller, error) {
	if transport == nil {
		return nil, fault.New(fault.Invalid, "new controller", errNilTransport)
	}
	c := &Controller{
		cfg:       cfg.withDefaults(),
		transport: transport,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pub = newPublisher(c.logger)
	c.target = c.cfg.Target

	c.monitor = NewMonitor(MonitorOptions{
		Checker:          transport,
		Interval:         c.cfg.HealthInterval,
		FailureThreshold: c.cfg.FailureThreshold,
		ReconnectInitial: c.cfg.ReconnectInitial,
		ReconnectMax:     c.cfg.ReconnectMax,
		Clock:            c.clock,
		Logger:           c.logger,
		Metrics:          c.metrics,
		Publish:          c.pub.Publish,
		OnActiveChange:   c.onActiveChange,
	})
	c.coalescer = NewCoalescer(c.ctx, CoalescerOptions{
		Router:   transport,
		Gate:     c.monitor,
		Target:   c.Target,
		Window:   c.cfg.Debounce,
		Limit:    c.cfg.SuggestionLimit,
		MinScore: c.cfg.MinScore,
		Clock:    c.clock,
		Logger:   c.logger,
		Metrics:  c.metrics,
		Publish:  c.pub.Publish,
	})
	c.dispatcher = NewDispatcher(DispatcherOptions{
		Sender:      transport,
		Gate:        c.monitor,
		Coalescer:   c.coalescer,
		IdleTimeout: c.cfg.StreamIdleTimeout,
		UserID:      c.cfg.UserID,
		Clock:       c.clock,
		Logger:      c.logger,
		Metrics:     c.metrics,
		Publish:     c.pub.Publish,
	})
	c.poller = NewPoller(PollerOptions{
		Source:   transport,
		Gate:     c.monitor,
		Interval: c.cfg.PollInterval,
		Clock:    c.clock,
		Logger:   c.logger,
		Metrics:  c.metrics,
		Publish:  c.pub.Publish,
	})
	return c, nil
}

// Run drives the connectivity monitor, the ingestion poller and event
// delivery to sink until ctx is done or Close is called. sink is called from
// a single goroutine in publish order.
func (c *Controller) Run(ctx context.Context, sink func(Event)) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.logger.Info("controller started",
		zap.String("target", c.Target().String()),
		zap.Duration("debounce", c.cfg.Debounce),
		zap.Duration("health_interval", c.cfg.HealthInterval),
		zap.Int("failure_threshold", c.cfg.FailureThreshold))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.pub.Run(gctx, sink) })
	g.Go(func() error { return c.monitor.Run(gctx) })
	g.Go(func() error { return c.poller.Run(gctx) })
	err := g.Wait()
	c.logger.Info("controller stopped")
	return err
}

func (c *Controller) OnInputChanged(text string) {
	c.coalescer.OnInputChanged(text)
}

// Submit sends message to the selected target and blocks until the response
// resolves. See Dispatcher.Submit.
func (c *Controller) Submit(ctx context.Context, message string) (StreamSession, error) {
	return c.dispatcher.Submit(ctx, c.Target(), message)
}

func (c *Controller) CancelStream() bool {
	return c.dispatcher.Cancel(c.Target())
}

func (c *Controller) Refresh(ctx context.Context) error {
	if !c.monitor.IsActive() {
		return fault.New(fault.Unavailable, "refresh knowledge", ErrDisconnected)
	}
	return c.poller.Refresh(ctx)
}

// Upload hands a file to the backend for ingestion and wakes the poller.
// The item list itself only changes on the next authoritative refresh.
func (c *Controller) Upload(ctx context.Context, upload agentos.Upload) (agentos.IngestionItem, error) {
	if !c.monitor.IsActive() {
		return agentos.IngestionItem{}, fault.New(fault.Unavailable, "upload", ErrDisconnected)
	}
	item, err := c.transport.UploadContent(ctx, upload)
	if err != nil {
		return agentos.IngestionItem{}, err
	}
	c.logger.Info("content uploaded", zap.String("id", item.ID), zap.String("name", item.Name))
	c.poller.Kick()
	return item, nil
}

func (c *Controller) Retry(ctx context.Context, id string) (agentos.RetryResult, error) {
	if !c.monitor.IsActive() {
		return agentos.RetryResult{}, fault.New(fault.Unavailable, "retry ingestion", ErrDisconnected)
	}
	result, err := c.transport.RetryIngestion(ctx, id)
	if err != nil {
		return agentos.RetryResult{}, err
	}
	c.logger.Info("ingestion retry requested", zap.String("id", id))
	c.poller.Kick()
	return result, nil
}

func (c *Controller) Reconnect() {
	c.monitor.Reconnect()
}

// SelectTarget switches the conversation. An empty sessionID starts a new
// session with agentID.
func (c *Controller) SelectTarget(agentID, sessionID string) Target {
	agentID = strings.TrimSpace(agentID)
	sessionID = strings.TrimSpace(sessionID)
	if agentID != "" && sessionID == "" {
		sessionID = uuid.NewString()
	}
	next := Target{AgentID: agentID, SessionID: sessionID}
	c.targetMu.Lock()
	prev := c.target
	c.target = next
	c.targetMu.Unlock()
	if prev != next {
		c.coalescer.Reset()
		c.logger.Info("target selected", zap.String("target", next.String()))
	}
	return next
}

// NewSession keeps the agent and starts a fresh session id.
func (c *Controller) NewSession() Target {
	return c.SelectTarget(c.Target().AgentID, "")
}

func (c *Controller) Target() Target {
	c.targetMu.RLock()
	defer c.targetMu.RUnlock()
	return c.target
}

func (c *Controller) Connection() ConnectionState {
	return c.monitor.State()
}

func (c *Controller) Snapshot() Snapshot {
	target := c.Target()
	session, ok := c.dispatcher.Session(target)
	return Snapshot{
		Target:      target,
		Suggestions: c.coalescer.Suggestions(),
		Session:     session,
		HasSession:  ok,
		Connection:  c.monitor.State(),
		Items:       c.poller.Items(),
	}
}

// Close stops Run, aborts every in-flight attempt and waits for background
// goroutines. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.coalescer.Close()
		c.dispatcher.Close()
		c.monitor.Close()
		c.poller.Close()
	})
}

func (c *Controller) onActiveChange(active bool) {
	if active {
		c.poller.Kick()
		return
	}
	c.coalescer.Reset()
}
