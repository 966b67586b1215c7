package controller

import (
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"agentdesk/internal/agentos"
	"agentdesk/internal/fault"
	"agentdesk/internal/metrics"
	"agentdesk/internal/task"
)

const routingSlot = "routing"

// RoutingQuery is the input of one routing attempt.
type RoutingQuery struct {
	Text     string
	IssuedAt time.Time
}

// SuggestionSet is the answer to the most recently issued routing query, or
// empty. It is replaced wholesale, never merged.
type SuggestionSet struct {
	Query     string
	Skills    []agentos.Skill
	UpdatedAt time.Time
}

func (s SuggestionSet) Empty() bool {
	return len(s.Skills) == 0
}

func (s SuggestionSet) clone() SuggestionSet {
	out := s
	if s.Skills != nil {
		out.Skills = append([]agentos.Skill(nil), s.Skills...)
	}
	return out
}

type CoalescerOptions struct {
	Router   SkillRouter
	Gate     Gate
	Target   func() Target
	Window   time.Duration
	Limit    int
	MinScore float64
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Publish  func(Event)
}

// Coalescer turns a burst of input changes into at most one in-flight
// routing request.
type Coalescer struct {
	router   SkillRouter
	gate     Gate
	target   func() Target
	limit    int
	minScore float64
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	publish  func(Event)

	ctx      context.Context
	debounce *task.Debouncer
	slot     *task.Slot

	// set is guarded by the slot lock.
	set SuggestionSet
}

// NewCoalescer binds request lifetimes to ctx; cancelling it aborts the
// in-flight request.
func NewCoalescer(ctx context.Context, opts CoalescerOptions) *Coalescer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publish == nil {
		opts.Publish = func(Event) {}
	}
	if opts.Target == nil {
		opts.Target = func() Target { return Target{} }
	}
	if opts.Gate == nil {
		opts.Gate = GateFunc(func() bool { return true })
	}
	return &Coalescer{
		router:   opts.Router,
		gate:     opts.Gate,
		target:   opts.Target,
		limit:    opts.Limit,
		minScore: opts.MinScore,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("coalescer"),
		metrics:  opts.Metrics,
		publish:  opts.Publish,
		ctx:      ctx,
		debounce: task.NewDebouncer(opts.Clock, opts.Window),
		slot:     task.NewSlot(routingSlot, slotHooks(opts.Metrics)),
	}
}

// OnInputChanged never blocks and never fails.
func (c *Coalescer) OnInputChanged(text string) {
	query := strings.TrimSpace(text)
	if query == "" {
		c.Reset()
		return
	}
	if !c.allowed() {
		c.debounce.Cancel()
		return
	}
	c.debounce.Trigger(func() {
		c.fire(query)
	})
}

// Reset cancels the pending timer and the in-flight request and clears the
// suggestions.
func (c *Coalescer) Reset() {
	c.debounce.Cancel()
	c.slot.Clear(func() {
		if c.set.Empty() && c.set.Query == "" {
			return
		}
		c.set = SuggestionSet{}
		c.publish(SuggestionsChanged{Set: SuggestionSet{}})
	})
}

func (c *Coalescer) Suggestions() SuggestionSet {
	var out SuggestionSet
	c.slot.Read(func() {
		out = c.set.clone()
	})
	return out
}

// Pending reports whether a debounce window is open or a request is in flight.
func (c *Coalescer) Pending() bool {
	return c.debounce.Pending() || c.slot.Current() != nil
}

func (c *Coalescer) Close() {
	c.debounce.Cancel()
	c.slot.Close()
}

func (c *Coalescer) allowed() bool {
	return c.gate.IsActive() && c.target().Valid()
}

func (c *Coalescer) fire(text string) {
	if !c.allowed() {
		c.logger.Debug("routing suppressed at fire time", zap.String("query", text))
		return
	}
	query := RoutingQuery{Text: text, IssuedAt: c.clock.Now()}
	req := agentos.RouteRequest{Message: query.Text, Limit: c.limit, MinScore: c.minScore}
	h := task.Go(c.slot, c.ctx,
		func(ctx context.Context) ([]agentos.Skill, error) {
			return c.router.RouteSkills(ctx, req)
		},
		func(skills []agentos.Skill, err error) {
			c.commit(query, skills, err)
		},
	)
	if h != nil {
		c.logger.Debug("routing issued", zap.Uint64("seq", h.Seq()), zap.String("query", query.Text))
	}
}

// commit runs under the slot lock for the current handle only.
func (c *Coalescer) commit(query RoutingQuery, skills []agentos.Skill, err error) {
	switch {
	case err == nil:
		if skills == nil {
			skills = []agentos.Skill{}
		}
		c.set = SuggestionSet{Query: query.Text, Skills: skills, UpdatedAt: c.clock.Now()}
		c.publish(SuggestionsChanged{Set: c.set.clone()})
		c.metrics.TaskOutcome(routingSlot, "ok")
	case fault.IsCancelled(err):
		c.metrics.TaskOutcome(routingSlot, "cancelled")
	default:
		c.logger.Warn("routing failed", zap.String("query", query.Text), zap.Error(err))
		c.set = SuggestionSet{}
		c.publish(SuggestionsChanged{Set: SuggestionSet{}})
		c.publish(Notice{Level: NoticeWarn, Source: routingSlot, Text: "suggestions unavailable: " + fault.Notice(err), At: c.clock.Now()})
		c.metrics.TaskOutcome(routingSlot, "failed")
	}
}
