package controller

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const maxQueuedEvents = 1024

// publisher decouples producers from the sink. Publish never blocks; Run
// delivers events to the sink in publish order.
type publisher struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []Event
	dropped int
	wake    chan struct{}
}

func newPublisher(logger *zap.Logger) *publisher {
	return &publisher{logger: logger, wake: make(chan struct{}, 1)}
}

func (p *publisher) Publish(ev Event) {
	if ev == nil {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, ev)
	if len(p.queue) > maxQueuedEvents {
		i := supersededIndex(p.queue)
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		p.dropped++
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *publisher) Run(ctx context.Context, sink func(Event)) error {
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		dropped := p.dropped
		p.dropped = 0
		p.mu.Unlock()

		if dropped > 0 {
			p.logger.Warn("event queue overflow", zap.Int("dropped", dropped))
		}
		for _, ev := range batch {
			if sink != nil {
				sink(ev)
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}

// supersededIndex picks the event to drop on overflow: the oldest one a
// later event of the same key replaces, else the oldest overall.
func supersededIndex(queue []Event) int {
	last := make(map[string]int, 8)
	for i, ev := range queue {
		if key := eventKey(ev); key != "" {
			last[key] = i
		}
	}
	for i, ev := range queue {
		if key := eventKey(ev); key != "" && last[key] > i {
			return i
		}
	}
	return 0
}

// eventKey groups events that carry the whole state of one thing. Notices
// stand alone and are never replaced.
func eventKey(ev Event) string {
	switch ev := ev.(type) {
	case SuggestionsChanged:
		return "suggestions"
	case StreamUpdated:
		return "stream/" + ev.Session.ID
	case ConnectionChanged:
		return "connection"
	case IngestionChanged:
		return "ingestion"
	}
	return ""
}

func (p *publisher) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
