package controller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"agentdesk/internal/agentos"
	"agentdesk/internal/fault"
	"agentdesk/internal/metrics"
	"agentdesk/internal/task"
)

const ingestionSlot = "ingestion"

type PollerOptions struct {
	Source   IngestionSource
	Gate     Gate
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Publish  func(Event)
}

// Poller keeps the knowledge item list fresh while any item is still being
// processed, and parks otherwise.
type Poller struct {
	source   IngestionSource
	gate     Gate
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	publish  func(Event)

	slot   *task.Slot
	kick   chan struct{}
	parked atomic.Bool

	// items and loaded are guarded by the slot lock.
	items  []agentos.IngestionItem
	loaded bool
}

func NewPoller(opts PollerOptions) *Poller {
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
	if opts.Interval <= 0 {
		opts.Interval = DefaultConfig().PollInterval
	}
	return &Poller{
		source:   opts.Source,
		gate:     opts.Gate,
		interval: opts.Interval,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("poller"),
		metrics:  opts.Metrics,
		publish:  opts.Publish,
		slot:     task.NewSlot(ingestionSlot, slotHooks(opts.Metrics)),
		kick:     make(chan struct{}, 1),
	}
}

// Refresh replaces the item list with the backend's. On failure the last
// good list is kept and a notice is published.
func (p *Poller) Refresh(ctx context.Context) error {
	_, err := task.Do(p.slot, ctx, p.source.ListIngestionItems, func(items []agentos.IngestionItem, err error) {
		if err != nil {
			if fault.IsCancelled(err) {
				return
			}
			p.logger.Warn("ingestion refresh failed", zap.Error(err))
			p.publish(Notice{Level: NoticeWarn, Source: ingestionSlot, Text: "knowledge status: " + fault.Notice(err), At: p.clock.Now()})
			p.metrics.TaskOutcome(ingestionSlot, "failed")
			return
		}
		p.items = cloneItems(items)
		p.loaded = true
		transient := countTransient(p.items)
		p.metrics.SetTransientItems(transient)
		if transient > 0 && p.parked.CompareAndSwap(true, false) {
			p.Kick()
		}
		p.metrics.TaskOutcome(ingestionSlot, "ok")
		p.publish(IngestionChanged{Items: cloneItems(p.items)})
		p.logger.Debug("ingestion refreshed", zap.Int("items", len(p.items)), zap.Int("transient", transient))
	})
	if fault.IsCancelled(err) {
		return nil
	}
	return err
}

// ShouldContinuePolling is true iff some item is pending or processing.
func (p *Poller) ShouldContinuePolling() bool {
	transient := 0
	p.slot.Read(func() {
		transient = countTransient(p.items)
	})
	return transient > 0
}

// Loaded reports whether a refresh has succeeded at least once.
func (p *Poller) Loaded() bool {
	loaded := false
	p.slot.Read(func() {
		loaded = p.loaded
	})
	return loaded
}

func (p *Poller) Items() []agentos.IngestionItem {
	var out []agentos.IngestionItem
	p.slot.Read(func() {
		out = cloneItems(p.items)
	})
	return out
}

// Kick wakes a parked loop for an immediate refresh.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run refreshes once, then every interval while items are transient. It
// parks when nothing is left to watch, until Kick or a refresh from any
// caller brings in a transient item. Refreshes are skipped while the gate
// is closed.
func (p *Poller) Run(ctx context.Context) error {
	defer p.parked.Store(false)
	p.tick(ctx)
	for {
		// Marked before the check so a refresh committing in between still
		// sees the loop as parked.
		p.parked.Store(true)
		if p.ShouldContinuePolling() {
			p.parked.Store(false)
			timer := p.clock.NewTimer(p.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-p.kick:
				timer.Stop()
			case <-timer.Chan():
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-p.kick:
			}
			p.parked.Store(false)
		}
		p.tick(ctx)
	}
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !p.gate.IsActive() {
		p.logger.Debug("ingestion refresh held while disconnected")
		return
	}
	_ = p.Refresh(ctx)
}

func (p *Poller) Close() {
	p.slot.Close()
}

func countTransient(items []agentos.IngestionItem) int {
	n := 0
	for _, item := range items {
		if item.Status.Transient() {
			n++
		}
	}
	return n
}

func cloneItems(items []agentos.IngestionItem) []agentos.IngestionItem {
	if items == nil {
		return nil
	}
	return append([]agentos.IngestionItem(nil), items...)
}
