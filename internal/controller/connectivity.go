package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"agentdesk/internal/agentos"
	"agentdesk/internal/fault"
	"agentdesk/internal/metrics"
	"agentdesk/internal/task"
)

const healthSlot = "health"

type ConnStatus string

const (
	ConnUnknown      ConnStatus = "unknown"
	ConnConnected    ConnStatus = "connected"
	ConnDisconnected ConnStatus = "disconnected"
)

// ConnectionState is written only by the Monitor.
type ConnectionState struct {
	Status              ConnStatus
	IsActive            bool
	Probing             bool
	LastCheckedAt       time.Time
	ConsecutiveFailures int
	ReconnectAttempt    int
	NextProbeAt         time.Time
	ServerStatus        string
	ServerVersion       string
	LastError           error
}

type MonitorOptions struct {
	Checker          HealthChecker
	Interval         time.Duration
	FailureThreshold int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Clock            clockwork.Clock
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Publish          func(Event)
	// OnActiveChange runs when the gate opens or closes. It must not block.
	OnActiveChange func(active bool)
}

// Monitor probes backend health and gates dependent work. Unknown counts as
// active; only Disconnected holds work back.
type Monitor struct {
	checker   HealthChecker
	interval  time.Duration
	threshold int
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	publish   func(Event)
	onActive  func(bool)

	slot *task.Slot
	kick chan struct{}

	// Owned by the Run goroutine.
	backoff   *backoff.ExponentialBackOff
	lastDelay time.Duration

	mu    sync.RWMutex
	state ConnectionState
}

func NewMonitor(opts MonitorOptions) *Monitor {
	def := DefaultConfig()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publish == nil {
		opts.Publish = func(Event) {}
	}
	if opts.Interval <= 0 {
		opts.Interval = def.HealthInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = def.ReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectInitial
	b.MaxInterval = opts.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = clockAdapter{opts.Clock}
	b.Reset()

	return &Monitor{
		checker:   opts.Checker,
		interval:  opts.Interval,
		threshold: opts.FailureThreshold,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("monitor"),
		metrics:   opts.Metrics,
		publish:   opts.Publish,
		onActive:  opts.OnActiveChange,
		slot:      task.NewSlot(healthSlot, slotHooks(opts.Metrics)),
		kick:      make(chan struct{}, 1),
		backoff:   b,
		state:     ConnectionState{Status: ConnUnknown, IsActive: true},
	}
}

func (m *Monitor) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsActive
}

func (m *Monitor) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reconnect requests an immediate, visible probe.
func (m *Monitor) Reconnect() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run probes immediately, then on the healthy interval or the reconnect
// backoff, until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	visible := false
	delay := time.Duration(0)
	for {
		if delay > 0 {
			timer := m.clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-m.kick:
				timer.Stop()
				visible = true
			case <-timer.Chan():
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		timeout := m.interval
		if m.State().Status == ConnDisconnected && m.lastDelay > 0 {
			timeout = m.lastDelay
		}
		var ok bool
		delay, ok = m.probe(ctx, timeout, visible)
		if !ok {
			return nil
		}
		visible = false
	}
}

// probe runs one health check bounded by timeout and returns the delay until
// the next one. ok is false when ctx ended the probe.
func (m *Monitor) probe(ctx context.Context, timeout time.Duration, visible bool) (time.Duration, bool) {
	if visible || m.State().Status == ConnDisconnected {
		m.update(func(s *ConnectionState) { s.Probing = true })
	}

	h, err := m.slot.Begin(ctx)
	if err != nil {
		return 0, false
	}
	deadline := m.clock.AfterFunc(timeout, func() {
		h.CancelWithCause(ErrProbeTimeout)
	})
	var health agentos.HealthStatus
	_, err = task.Finish(m.slot, h, m.checker.CheckHealth, func(value agentos.HealthStatus, _ error) {
		health = value
	})
	deadline.Stop()

	switch {
	case errors.Is(h.Cause(), ErrProbeTimeout):
		err = fault.New(fault.Transient, "health probe", ErrProbeTimeout)
	case ctx.Err() != nil:
		return 0, false
	case fault.IsCancelled(err):
		// Slot closed underneath the probe.
		return 0, false
	}
	if err != nil {
		return m.recordFailure(err), true
	}
	return m.recordSuccess(health), true
}

func (m *Monitor) recordSuccess(health agentos.HealthStatus) time.Duration {
	m.backoff.Reset()
	m.lastDelay = 0
	now := m.clock.Now()
	state := m.update(func(s *ConnectionState) {
		if s.Status != ConnConnected {
			m.logger.Info("backend connected", zap.String("status", health.Status), zap.String("version", health.Version))
		}
		s.Status = ConnConnected
		s.IsActive = true
		s.Probing = false
		s.LastCheckedAt = now
		s.ConsecutiveFailures = 0
		s.ReconnectAttempt = 0
		s.NextProbeAt = now.Add(m.interval)
		s.ServerStatus = health.Status
		s.ServerVersion = health.Version
		s.LastError = nil
	})
	if health.Degraded() {
		m.logger.Warn("backend degraded", zap.String("version", state.ServerVersion))
	}
	return m.interval
}

func (m *Monitor) recordFailure(err error) time.Duration {
	m.metrics.ProbeFailed()
	now := m.clock.Now()
	delay := m.interval
	state := m.update(func(s *ConnectionState) {
		s.ConsecutiveFailures++
		s.LastCheckedAt = now
		s.LastError = err
		s.Probing = false
		if s.ConsecutiveFailures >= m.threshold {
			if s.Status != ConnDisconnected {
				m.logger.Warn("backend disconnected",
					zap.Int("failures", s.ConsecutiveFailures),
					zap.Error(err))
			}
			s.Status = ConnDisconnected
			s.IsActive = false
			s.ReconnectAttempt++
			delay = m.backoff.NextBackOff()
			if delay == backoff.Stop || delay <= 0 {
				delay = m.backoff.MaxInterval
			}
		}
		s.NextProbeAt = now.Add(delay)
	})
	m.lastDelay = delay
	m.logger.Debug("health probe failed",
		zap.Int("failures", state.ConsecutiveFailures),
		zap.Duration("next", delay),
		zap.Error(err))
	return delay
}

func (m *Monitor) update(mutate func(*ConnectionState)) ConnectionState {
	m.mu.Lock()
	wasActive := m.state.IsActive
	mutate(&m.state)
	state := m.state
	m.metrics.SetConnectionActive(state.IsActive)
	m.publish(ConnectionChanged{State: state})
	m.mu.Unlock()
	if wasActive != state.IsActive && m.onActive != nil {
		m.onActive(state.IsActive)
	}
	return state
}

func (m *Monitor) Close() {
	m.slot.Close()
}

// clockAdapter lets the backoff policy read the injected clock.
type clockAdapter struct {
	clock clockwork.Clock
}

func (c clockAdapter) Now() time.Time {
	return c.clock.Now()
}
