package tabaudio

import (
	"context"
	"log/slog"
	"time"
)

// LifecycleKind is the kind of host window/tab change.
type LifecycleKind int

const (
	TabOpened LifecycleKind = iota
	TabClosed
	WindowOpened
	WindowClosed
	TabNavigated
)

func (k LifecycleKind) String() string {
	switch k {
	case TabOpened:
		return "tab_opened"
	case TabClosed:
		return "tab_closed"
	case WindowOpened:
		return "window_opened"
	case WindowClosed:
		return "window_closed"
	case TabNavigated:
		return "tab_navigated"
	default:
		return "unknown"
	}
}

// LifecycleEvent is a window or tab change reported by the host.
type LifecycleEvent struct {
	Kind   LifecycleKind
	Window WindowRef
	Tab    TabRef
	URL    string
}

// DefaultDebounce is how long the pump waits for an event burst to settle.
const DefaultDebounce = 150 * time.Millisecond

// Pump refreshes the registry for every burst of lifecycle events until ctx
// is cancelled, events is closed or the registry shuts down. Events arriving
// within debounce of the first event of a burst share one refresh. A
// debounce of zero refreshes once per event.
func (r *Registry) Pump(ctx context.Context, events <-chan LifecycleEvent, debounce time.Duration) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending int
		last    LifecycleEvent
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	defer stopTimer()

	flush := func() bool {
		n := pending
		pending = 0
		if n == 0 {
			return true
		}
		if _, err := r.HandleEvent(ctx, last); err != nil {
			if HasCode(err, CodeRegistryClosed) {
				return false
			}
			slog.Warn("tabaudio event refresh failed", "events", n, "error", err)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				stopTimer()
				flush()
				return nil
			}
			pending++
			last = ev
			if debounce <= 0 {
				if !flush() {
					return nil
				}
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			}

		case <-timerC:
			timer, timerC = nil, nil
			if !flush() {
				return nil
			}
		}
	}
}
