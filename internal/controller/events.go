package controller

import (
	"time"

	"agentdesk/internal/agentos"
)

// Event is an immutable snapshot published to the presentation layer.
type Event interface {
	event()
}

type SuggestionsChanged struct {
	Set SuggestionSet
}

type StreamUpdated struct {
	Session StreamSession
}

type ConnectionChanged struct {
	State ConnectionState
}

type IngestionChanged struct {
	Items []agentos.IngestionItem
}

type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarn
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarn:
		return "warn"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Notice is a transient, non-blocking message for the status line.
type Notice struct {
	Level  NoticeLevel
	Source string
	Text   string
	At     time.Time
}

func (SuggestionsChanged) event() {}
func (StreamUpdated) event()      {}
func (ConnectionChanged) event()  {}
func (IngestionChanged) event()   {}
func (Notice) event()             {}
