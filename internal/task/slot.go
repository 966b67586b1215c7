// Package task implements the cancellable, supersedable async task shared by
// every background loop in the client: a Slot holds at most one live Handle,
// beginning a new attempt cancels the previous one, and results are committed
// only while their handle is still the slot's current one.
package task

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSuperseded is the cancellation cause of a handle replaced by a newer
	// attempt in the same slot.
	ErrSuperseded = errors.New("task superseded")
	// ErrAborted is the cancellation cause of a handle cancelled explicitly.
	ErrAborted = errors.New("task aborted")
	// ErrSlotClosed is returned when beginning work on a closed slot.
	ErrSlotClosed = errors.New("task slot closed")
)

// Handle is the cancellation token of exactly one attempt.
type Handle struct {
	seq    uint64
	slot   string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (h *Handle) Seq() uint64 {
	return h.seq
}

func (h *Handle) Slot() string {
	return h.slot
}

func (h *Handle) Context() context.Context {
	return h.ctx
}

func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Cancel signals the attempt with ErrAborted. Repeated calls have no effect.
func (h *Handle) Cancel() {
	h.CancelWithCause(ErrAborted)
}

func (h *Handle) CancelWithCause(cause error) {
	if h == nil {
		return
	}
	h.cancel(cause)
}

// Cause reports why the attempt was cancelled, or nil while it is live.
func (h *Handle) Cause() error {
	return context.Cause(h.ctx)
}

// Hooks observe slot transitions. Every field is optional.
type Hooks struct {
	OnBegin     func(slot string)
	OnSupersede func(slot string)
	OnDiscard   func(slot string)
}

// Slot is one logical request lane ("current routing request", "current
// stream for a target", ...).
type Slot struct {
	name  string
	hooks Hooks

	mu      sync.Mutex
	seq     uint64
	current *Handle
	closed  bool
	wg      sync.WaitGroup
}

func NewSlot(name string, hooks Hooks) *Slot {
	return &Slot{name: name, hooks: hooks}
}

func (s *Slot) Name() string {
	return s.name
}

// Begin cancels the current attempt, if any, and installs a new handle
// derived from parent.
func (s *Slot) Begin(parent context.Context) (*Handle, error) {
	return s.BeginUnless(parent, nil)
}

// BeginUnless is Begin with a veto evaluated under the slot lock, so the
// check and the supersession are atomic with respect to Commit.
func (s *Slot) BeginUnless(parent context.Context, veto func() error) (*Handle, error) {
	return s.begin(parent, veto, false)
}

func (s *Slot) begin(parent context.Context, veto func() error, track bool) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSlotClosed
	}
	if veto != nil {
		if err := veto(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	prev := s.current
	s.seq++
	ctx, cancel := context.WithCancelCause(parent)
	h := &Handle{seq: s.seq, slot: s.name, ctx: ctx, cancel: cancel}
	s.current = h
	if track {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if prev != nil {
		prev.CancelWithCause(ErrSuperseded)
		if s.hooks.OnSupersede != nil {
			s.hooks.OnSupersede(s.name)
		}
	}
	if s.hooks.OnBegin != nil {
		s.hooks.OnBegin(s.name)
	}
	return h, nil
}

func (s *Slot) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Slot) IsCurrent(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h != nil && s.current == h
}

// Commit runs apply under the slot lock if h is still current and reports
// whether it did. A stale handle's result is dropped.
func (s *Slot) Commit(h *Handle, apply func()) bool {
	s.mu.Lock()
	if h == nil || s.current != h {
		s.mu.Unlock()
		if s.hooks.OnDiscard != nil {
			s.hooks.OnDiscard(s.name)
		}
		return false
	}
	if apply != nil {
		apply()
	}
	s.mu.Unlock()
	return true
}

// Read runs fn under the slot lock, for consistent reads of state that is
// only written through Commit.
func (s *Slot) Read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Release drops h as the current handle once its attempt reached a terminal
// state. The handle's context is cancelled to free its resources.
func (s *Slot) Release(h *Handle) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	released := s.current == h
	if released {
		s.current = nil
	}
	s.mu.Unlock()
	h.CancelWithCause(context.Canceled)
	return released
}

// Cancel aborts and clears the current attempt. Idempotent.
func (s *Slot) Cancel() {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Clear is Cancel followed by apply, both under the slot lock, so no stale
// attempt can commit between the abort and the reset of the guarded state.
func (s *Slot) Clear(apply func()) {
	s.mu.Lock()
	h := s.current
	s.current = nil
	if apply != nil {
		apply()
	}
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Close cancels the current attempt, refuses new ones and waits for every
// goroutine started through Go.
func (s *Slot) Close() {
	s.mu.Lock()
	s.closed = true
	h := s.current
	s.current = nil
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	s.wg.Wait()
}
