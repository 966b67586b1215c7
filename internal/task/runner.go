package task

import "context"

// Do begins a new attempt in s, runs call with the handle's context and hands
// the outcome to commit only while the handle is still current. It reports
// whether the outcome was committed and the raw error from call.
func Do[T any](s *Slot, parent context.Context, call func(context.Context) (T, error), commit func(T, error)) (bool, error) {
	h, err := s.Begin(parent)
	if err != nil {
		return false, err
	}
	return Finish(s, h, call, commit)
}

// Finish runs call for an already-begun handle. The handle is released
// afterwards whether or not its outcome was committed.
func Finish[T any](s *Slot, h *Handle, call func(context.Context) (T, error), commit func(T, error)) (bool, error) {
	value, err := call(h.Context())
	committed := s.Commit(h, func() {
		if commit != nil {
			commit(value, err)
		}
	})
	s.Release(h)
	return committed, err
}

// Go is Do on a goroutine owned by the slot. The returned handle identifies
// the attempt; nil means the slot is closed.
func Go[T any](s *Slot, parent context.Context, call func(context.Context) (T, error), commit func(T, error)) *Handle {
	h, err := s.begin(parent, nil, true)
	if err != nil {
		return nil
	}
	go func() {
		defer s.wg.Done()
		_, _ = Finish(s, h, call, commit)
	}()
	return h
}
