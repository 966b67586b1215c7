package task

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer runs the most recently triggered function once the input has been
// quiet for the window. Every Trigger restarts the window.
type Debouncer struct {
	clock  clockwork.Clock
	window time.Duration

	mu    sync.Mutex
	gen   uint64
	timer clockwork.Timer
}

func NewDebouncer(clock clockwork.Clock, window time.Duration) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{clock: clock, window: window}
}

func (d *Debouncer) Window() time.Duration {
	return d.window
}

func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		// A timer stopped too late still fires; only the newest generation runs.
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending trigger. Idempotent.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
