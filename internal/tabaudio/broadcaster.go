package tabaudio

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/dgnsrekt/tabmix/internal/telemetry"
)

// Observer receives every snapshot the registry publishes. A returned error
// (or a panic) is logged and counted; it never stops delivery to the other
// observers or fails the operation that triggered the notification.
type Observer interface {
	TabsUpdated(snap *Snapshot) error
}

// ObserverFunc adapts a function to Observer. Use NewObserver so the
// registration identity is the returned pointer.
type ObserverFunc struct {
	fn func(*Snapshot) error
}

// NewObserver wraps fn as an Observer.
func NewObserver(fn func(*Snapshot) error) *ObserverFunc {
	return &ObserverFunc{fn: fn}
}

func (o *ObserverFunc) TabsUpdated(snap *Snapshot) error { return o.fn(snap) }

// broadcaster keeps the observer set and runs notification cycles, one per
// published snapshot, in publication order. A snapshot enqueued while a cycle
// is running, including one raised from inside an observer, is delivered by
// the goroutine already delivering once the current cycle ends. Snapshots are
// never merged, so every observer sees every version.
type broadcaster struct {
	mu         sync.Mutex
	observers  []Observer
	delivering bool
	queue      []*Snapshot

	metrics *telemetry.Metrics
}

func newBroadcaster(metrics *telemetry.Metrics) *broadcaster {
	return &broadcaster{metrics: metrics}
}

func (b *broadcaster) register(o Observer) error {
	if o == nil {
		return NewError(CodeValidation, "observer is nil", nil)
	}
	if !reflect.TypeOf(o).Comparable() {
		return NewError(CodeValidation, fmt.Sprintf("observer type %T is not comparable", o), nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.observers, o) {
		return nil
	}
	b.observers = append(b.observers, o)
	return nil
}

func (b *broadcaster) unregister(o Observer) {
	if o == nil || !reflect.TypeOf(o).Comparable() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.observers, o); i >= 0 {
		b.observers = slices.Delete(b.observers, i, i+1)
	}
}

func (b *broadcaster) clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.observers)
	b.observers = nil
	return n
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// enqueue schedules a cycle for snap. The registry calls it while holding its
// operation lock so the queue follows version order.
func (b *broadcaster) enqueue(snap *Snapshot) {
	b.mu.Lock()
	b.queue = append(b.queue, snap)
	b.mu.Unlock()
}

// drain delivers queued snapshots to every observer registered when each
// cycle starts, in registration order. It returns at once when another
// call is already draining; that call delivers what was queued.
func (b *broadcaster) drain() {
	b.mu.Lock()
	if b.delivering {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for len(b.queue) > 0 {
		snap := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		observers := slices.Clone(b.observers)
		b.mu.Unlock()

		b.deliver(observers, snap)

		b.mu.Lock()
	}
	b.queue = nil
	b.delivering = false
	b.mu.Unlock()
}

func (b *broadcaster) deliver(observers []Observer, snap *Snapshot) {
	ctx := context.Background()
	for i, o := range observers {
		if err := safeCall(o, snap); err != nil {
			b.metrics.RecordObserverFailure(ctx)
			slog.Warn("observer failure",
				"observer", fmt.Sprintf("%T", o),
				"position", i,
				"snapshot_version", snap.Version(),
				"error", err,
			)
		}
	}
	b.metrics.RecordBroadcast(ctx, len(observers))
	slog.Debug("tabaudio broadcast", "observers", len(observers), "tabs", snap.Len(), "snapshot_version", snap.Version())
}

func safeCall(o Observer, snap *Snapshot) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(CodeObserverFailure, fmt.Sprintf("observer panicked: %v", rec), nil)
		}
	}()
	if cbErr := o.TabsUpdated(snap); cbErr != nil {
		return NewError(CodeObserverFailure, "observer returned error", cbErr)
	}
	return nil
}
