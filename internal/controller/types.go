// Package controller owns the client's asynchronous task lifecycle: routing
// suggestions while the user types, the primary agent run stream, backend
// connectivity and knowledge ingestion status. Every component publishes
// immutable snapshots and never blocks the caller that renders them.
package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentdesk/internal/agentos"
	"agentdesk/internal/metrics"
	"agentdesk/internal/task"
)

var (
	ErrStreamBusy   = errors.New("a response is still streaming for this conversation")
	ErrNoTarget     = errors.New("no conversation target selected")
	ErrEmptyMessage = errors.New("message is empty")
	ErrDisconnected = errors.New("backend is disconnected")
	ErrStreamIdle   = errors.New("stream idle timeout")
	ErrProbeTimeout = errors.New("health probe timed out")
	ErrClosed       = errors.New("controller closed")
	ErrRunning      = errors.New("controller already running")

	errNilTransport = errors.New("nil transport")
)

// Transport is the backend surface the controller drives. *agentos.Client
// implements it.
type Transport interface {
	SkillRouter
	StreamSender
	HealthChecker
	IngestionSource
}

type SkillRouter interface {
	RouteSkills(ctx context.Context, req agentos.RouteRequest) ([]agentos.Skill, error)
}

type StreamSender interface {
	SendMessage(ctx context.Context, run agentos.RunRequest) (agentos.Stream, error)
}

type HealthChecker interface {
	CheckHealth(ctx context.Context) (agentos.HealthStatus, error)
}

type IngestionSource interface {
	ListIngestionItems(ctx context.Context) ([]agentos.IngestionItem, error)
	UploadContent(ctx context.Context, upload agentos.Upload) (agentos.IngestionItem, error)
	RetryIngestion(ctx context.Context, id string) (agentos.RetryResult, error)
}

// Gate reports whether dependent work may fire.
type Gate interface {
	IsActive() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

func (f GateFunc) IsActive() bool {
	return f()
}

// Target identifies one conversation: an agent and a session with it.
type Target struct {
	AgentID   string
	SessionID string
}

func (t Target) Valid() bool {
	return strings.TrimSpace(t.AgentID) != "" && strings.TrimSpace(t.SessionID) != ""
}

func (t Target) String() string {
	if !t.Valid() {
		return "(none)"
	}
	return t.AgentID + "/" + t.SessionID
}

type Config struct {
	Debounce          time.Duration
	SuggestionLimit   int
	MinScore          float64
	HealthInterval    time.Duration
	FailureThreshold  int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	PollInterval      time.Duration
	StreamIdleTimeout time.Duration
	UserID            string
	Target            Target
}

func DefaultConfig() Config {
	return Config{
		Debounce:          400 * time.Millisecond,
		SuggestionLimit:   5,
		HealthInterval:    15 * time.Second,
		FailureThreshold:  2,
		ReconnectInitial:  time.Second,
		ReconnectMax:      8 * time.Second,
		PollInterval:      3 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

// withDefaults fills zero values and keeps the reconnect cap below the
// healthy cadence.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.SuggestionLimit <= 0 {
		c.SuggestionLimit = def.SuggestionLimit
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = def.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = def.ReconnectMax
	}
	if c.ReconnectMax > c.HealthInterval {
		c.ReconnectMax = c.HealthInterval
	}
	if c.ReconnectInitial > c.ReconnectMax {
		c.ReconnectInitial = c.ReconnectMax
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = def.StreamIdleTimeout
	}
	return c
}

func slotHooks(m *metrics.Metrics) task.Hooks {
	return task.Hooks{
		OnBegin:     m.TaskStarted,
		OnSupersede: m.TaskSuperseded,
		OnDiscard:   m.TaskDiscarded,
	}
}
