package controller

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"agentdesk/internal/agentos"
	"agentdesk/internal/fault"
	"agentdesk/internal/metrics"
	"agentdesk/internal/task"
)

const streamSlot = "stream"

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionStreaming SessionStatus = "streaming"
	SessionComplete  SessionStatus = "complete"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionComplete || s == SessionCancelled || s == SessionFailed
}

// StreamSession is one submitted message and the response streamed for it.
type StreamSession struct {
	ID         string
	Target     Target
	Message    string
	Status     SessionStatus
	Content    string
	RunID      string
	Err        error
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

type DispatcherOptions struct {
	Sender      StreamSender
	Gate        Gate
	Coalescer   interface{ Reset() }
	IdleTimeout time.Duration
	UserID      string
	Clock       clockwork.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Publish     func(Event)
}

// lane holds the current session of one target. session is guarded by the
// slot lock.
type lane struct {
	slot    *task.Slot
	session *StreamSession
}

// Dispatcher sends primary messages and consumes their response streams,
// one current session per target.
type Dispatcher struct {
	sender      StreamSender
	gate        Gate
	coalescer   interface{ Reset() }
	idleTimeout time.Duration
	userID      string
	clock       clockwork.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics
	publish     func(Event)

	mu     sync.Mutex
	lanes  map[Target]*lane
	closed bool
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publish == nil {
		opts.Publish = func(Event) {}
	}
	if opts.Gate == nil {
		opts.Gate = GateFunc(func() bool { return true })
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultConfig().StreamIdleTimeout
	}
	return &Dispatcher{
		sender:      opts.Sender,
		gate:        opts.Gate,
		coalescer:   opts.Coalescer,
		idleTimeout: opts.IdleTimeout,
		userID:      opts.UserID,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("dispatcher"),
		metrics:     opts.Metrics,
		publish:     opts.Publish,
		lanes:       make(map[Target]*lane),
	}
}

func (d *Dispatcher) lane(target Target) (*lane, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	l, ok := d.lanes[target]
	if !ok {
		l = &lane{slot: task.NewSlot(streamSlot, slotHooks(d.metrics))}
		d.lanes[target] = l
	}
	return l, nil
}

func (d *Dispatcher) existingLane(target Target) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lanes[target]
}

// Submit sends message to target and blocks until the response completes,
// fails or is cancelled. A cancelled session is not an error; a failed one
// is returned together with the partial content received.
func (d *Dispatcher) Submit(ctx context.Context, target Target, message string) (StreamSession, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return StreamSession{}, fault.New(fault.Invalid, "submit", ErrEmptyMessage)
	}
	if !target.Valid() {
		return StreamSession{}, fault.New(fault.Invalid, "submit", ErrNoTarget)
	}
	if !d.gate.IsActive() {
		return StreamSession{}, fault.New(fault.Unavailable, "submit", ErrDisconnected)
	}
	l, err := d.lane(target)
	if err != nil {
		return StreamSession{}, err
	}

	h, err := l.slot.BeginUnless(ctx, func() error {
		if l.session != nil && l.session.Status == SessionStreaming {
			return ErrStreamBusy
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStreamBusy) {
			return StreamSession{}, fault.New(fault.Invalid, "submit", ErrStreamBusy)
		}
		return StreamSession{}, err
	}

	now := d.clock.Now()
	session := &StreamSession{
		ID:        uuid.NewString(),
		Target:    target,
		Message:   message,
		Status:    SessionPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	installed := l.slot.Commit(h, func() {
		if prev := l.session; prev != nil && !prev.Status.Terminal() {
			prev.Status = SessionCancelled
			prev.UpdatedAt = now
			prev.FinishedAt = now
			d.publish(StreamUpdated{Session: *prev})
		}
		l.session = session
		d.publish(StreamUpdated{Session: *session})
	})
	if !installed {
		l.slot.Release(h)
		snapshot := *session
		snapshot.Status = SessionCancelled
		return snapshot, nil
	}
	if d.coalescer != nil {
		d.coalescer.Reset()
	}
	d.logger.Info("stream submitted",
		zap.String("session", session.ID),
		zap.String("target", target.String()),
		zap.Uint64("seq", h.Seq()))

	err = d.consume(h, l, session)
	return d.finish(h, l, session, err)
}

func (d *Dispatcher) consume(h *task.Handle, l *lane, session *StreamSession) error {
	ctx := h.Context()
	idle := d.clock.AfterFunc(d.idleTimeout, func() {
		h.CancelWithCause(ErrStreamIdle)
	})
	defer idle.Stop()

	stream, err := d.sender.SendMessage(ctx, agentos.RunRequest{
		AgentID:   session.Target.AgentID,
		SessionID: session.Target.SessionID,
		UserID:    d.userID,
		Message:   session.Message,
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	// Unblocks a read parked on a stalled body.
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	defer stop()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		idle.Reset(d.idleTimeout)
		if chunk.Content != "" {
			d.metrics.StreamChunk()
		}
		now := d.clock.Now()
		applied := l.slot.Commit(h, func() {
			if chunk.RunID != "" {
				session.RunID = chunk.RunID
			}
			session.Content += chunk.Content
			session.UpdatedAt = now
			if !chunk.Done {
				// Any chunk means the backend run exists.
				session.Status = SessionStreaming
				d.publish(StreamUpdated{Session: *session})
			}
		})
		if !applied {
			return fault.New(fault.Cancelled, "stream", task.ErrSuperseded)
		}
		if chunk.Done {
			return nil
		}
	}
}

func (d *Dispatcher) finish(h *task.Handle, l *lane, session *StreamSession, err error) (StreamSession, error) {
	defer l.slot.Release(h)

	cause := h.Cause()
	status := SessionComplete
	var outErr error
	switch {
	case err == nil:
	case errors.Is(cause, ErrStreamIdle):
		status = SessionFailed
		outErr = fault.New(fault.Transient, "stream", ErrStreamIdle)
	case cause != nil, fault.IsCancelled(err):
		status = SessionCancelled
	default:
		status = SessionFailed
		outErr = fault.Wrap("stream", err)
	}

	now := d.clock.Now()
	var snapshot StreamSession
	committed := l.slot.Commit(h, func() {
		session.Status = status
		session.Err = outErr
		session.UpdatedAt = now
		session.FinishedAt = now
		snapshot = *session
		d.publish(StreamUpdated{Session: snapshot})
	})
	if !committed {
		// Superseded: the newer submit already marked this session cancelled.
		snapshot = *session
		snapshot.Status = SessionCancelled
		return snapshot, nil
	}
	d.metrics.TaskOutcome(streamSlot, string(status))
	fields := []zap.Field{
		zap.String("session", session.ID),
		zap.String("status", string(status)),
		zap.Int("content_bytes", len(snapshot.Content)),
	}
	if outErr != nil {
		d.logger.Warn("stream finished", append(fields, zap.Error(outErr))...)
	} else {
		d.logger.Info("stream finished", fields...)
	}
	return snapshot, outErr
}

// Cancel aborts the current session of target. The session still reaches
// the cancelled state and is published. Idempotent.
func (d *Dispatcher) Cancel(target Target) bool {
	l := d.existingLane(target)
	if l == nil {
		return false
	}
	h := l.slot.Current()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

// Session returns the latest session of target, terminal or not.
func (d *Dispatcher) Session(target Target) (StreamSession, bool) {
	l := d.existingLane(target)
	if l == nil {
		return StreamSession{}, false
	}
	var out StreamSession
	ok := false
	l.slot.Read(func() {
		if l.session != nil {
			out = *l.session
			ok = true
		}
	})
	return out, ok
}

// Busy reports whether target has a session in the streaming state.
func (d *Dispatcher) Busy(target Target) bool {
	session, ok := d.Session(target)
	return ok && session.Status == SessionStreaming
}

func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
	}
	d.mu.Unlock()
	for _, l := range lanes {
		l.slot.Close()
	}
}
