package tabaudio

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/tabmix/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records registry activity on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer sets the tracer used for operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// Registry owns the authoritative tab-audio snapshot for one session.
//
// Operations are serialized by mu. The published snapshot is swapped
// atomically, so Snapshot never blocks and observers may call back into the
// registry from TabsUpdated. Every published snapshot is delivered to
// observers in version order. An operation returns once its snapshot has
// been delivered, unless another goroutine is delivering at the time; that
// goroutine then delivers it after the cycles queued before it.
type Registry struct {
	enum     Enumerator
	provider ControllerProvider

	mu      sync.Mutex
	handles map[TabRef]Controller
	version uint64
	closed  bool

	snap atomic.Pointer[Snapshot]
	b    *broadcaster

	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// NewRegistry builds a registry over the given host capabilities. Call
// Refresh to populate it and Shutdown to release it.
func NewRegistry(enum Enumerator, provider ControllerProvider, opts ...Option) *Registry {
	r := &Registry{
		enum:     enum,
		provider: provider,
		handles:  make(map[TabRef]Controller),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/dgnsrekt/tabmix/internal/tabaudio")
	}
	r.snap.Store(newSnapshot(0, nil))
	r.b = newBroadcaster(r.metrics)
	return r
}

// Snapshot returns the last published snapshot without refreshing.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// RegisterForUpdates adds o to the observer set. Registering the same
// observer twice keeps a single registration. Identity is interface
// equality, so two distinct value-typed observers with equal fields count as
// one; register pointers (such as the *ObserverFunc from NewObserver) to keep
// them apart.
func (r *Registry) RegisterForUpdates(o Observer) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return NewError(CodeRegistryClosed, "registry is shut down", nil)
	}
	return r.b.register(o)
}

// UnregisterForUpdates removes o. Unknown observers are ignored.
func (r *Registry) UnregisterForUpdates(o Observer) {
	r.b.unregister(o)
}

// Observers returns the number of registered observers.
func (r *Registry) Observers() int {
	return r.b.count()
}

// Refresh re-enumerates every tab, reads its audio state and publishes the
// result as a new snapshot. Tabs that vanish while being read are left out.
// When enumeration fails the previous snapshot stays published.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	ctx, span := r.tracer.Start(ctx, "tabaudio.Refresh")
	defer span.End()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, NewError(CodeRegistryClosed, "registry is shut down", nil)
	}

	entries, err := r.enum.Enumerate(ctx)
	if err != nil {
		r.mu.Unlock()
		r.metrics.RecordRefresh(ctx, false, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "enumerate failed")
		slog.Warn("tabaudio refresh failed", "error", err)
		var coded *CodedError
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, NewError(CodeHostUnavailable, "enumerate tabs failed", err)
	}

	records, handles := r.collectLocked(ctx, entries)

	for tab, h := range r.handles {
		if handles[tab] == h {
			continue
		}
		releaseHandle(tab, h)
	}
	r.handles = handles
	r.version++
	snap := newSnapshot(r.version, records)
	r.snap.Store(snap)
	r.b.enqueue(snap)
	r.mu.Unlock()

	r.metrics.RecordRefresh(ctx, true, snap.Len())
	span.SetAttributes(attribute.Int("tabmix.tabs", snap.Len()), attribute.Int("tabmix.enumerated", len(entries)))
	slog.Debug("tabaudio refresh", "enumerated", len(entries), "tabs", snap.Len(), "snapshot_version", snap.Version())

	r.b.drain()
	return snap, nil
}

func (r *Registry) collectLocked(ctx context.Context, entries []TabEntry) ([]Record, map[TabRef]Controller) {
	records := make([]Record, 0, len(entries))
	handles := make(map[TabRef]Controller, len(entries))

	for _, entry := range entries {
		if _, dup := handles[entry.Tab]; dup {
			slog.Debug("tabaudio duplicate tab skipped", "tab_id", entry.Tab, "window_id", entry.Window)
			continue
		}

		h, reused := r.handles[entry.Tab]
		if !reused {
			var err error
			h, err = r.provider.Controller(ctx, entry)
			if err != nil {
				r.dropEntry(ctx, entry, err)
				continue
			}
		}

		rec, err := readRecord(ctx, entry, h)
		if err != nil {
			r.dropEntry(ctx, entry, err)
			if !reused {
				releaseHandle(entry.Tab, h)
			}
			continue
		}
		records = append(records, rec)
		handles[entry.Tab] = h
	}
	return records, handles
}

func (r *Registry) dropEntry(ctx context.Context, entry TabEntry, err error) {
	if IsStale(err) {
		r.metrics.RecordStaleHandle(ctx)
		slog.Debug("tabaudio tab vanished during refresh", "tab_id", entry.Tab, "window_id", entry.Window)
		return
	}
	slog.Warn("tabaudio tab dropped", "tab_id", entry.Tab, "window_id", entry.Window, "error", err)
}

func readRecord(ctx context.Context, entry TabEntry, h Controller) (Record, error) {
	st, err := readState(ctx, h)
	if err != nil {
		return Record{}, err
	}
	if math.IsNaN(st.Volume) {
		slog.Warn("tabaudio controller reported NaN volume", "tab_id", entry.Tab, "window_id", entry.Window)
	}
	return Record{
		Window: entry.Window,
		Tab:    entry.Tab,
		Title:  entry.Title,
		URL:    entry.URL,
		Muted:  st.Muted,
		Volume: ClampVolume(st.Volume),
		Active: st.Active,
	}, nil
}

func readState(ctx context.Context, h Controller) (AudioState, error) {
	if sr, ok := h.(StateReader); ok {
		return sr.State(ctx)
	}
	var (
		st  AudioState
		err error
	)
	if st.Muted, err = h.Muted(ctx); err != nil {
		return AudioState{}, err
	}
	if st.Volume, err = h.Volume(ctx); err != nil {
		return AudioState{}, err
	}
	if st.Active, err = h.Active(ctx); err != nil {
		return AudioState{}, err
	}
	return st, nil
}

// SetMuted applies muted to tab. It fails with TAB_NOT_FOUND, leaving the
// snapshot untouched, when tab is not in the current snapshot.
func (r *Registry) SetMuted(ctx context.Context, tab TabRef, muted bool) (Record, error) {
	ctx, span := r.tracer.Start(ctx, "tabaudio.SetMuted", trace.WithAttributes(
		attribute.String("tabmix.tab_id", string(tab)),
		attribute.Bool("tabmix.muted", muted),
	))
	defer span.End()

	return r.mutate(ctx, span, "mute", tab, func(h Controller, rec Record) (Record, error) {
		if err := h.SetMuted(ctx, muted); err != nil {
			return Record{}, err
		}
		rec.Muted = muted
		return rec, nil
	})
}

// ToggleMuted flips the muted flag of tab.
func (r *Registry) ToggleMuted(ctx context.Context, tab TabRef) (Record, error) {
	ctx, span := r.tracer.Start(ctx, "tabaudio.ToggleMuted", trace.WithAttributes(
		attribute.String("tabmix.tab_id", string(tab)),
	))
	defer span.End()

	return r.mutate(ctx, span, "toggle_mute", tab, func(h Controller, rec Record) (Record, error) {
		if err := h.SetMuted(ctx, !rec.Muted); err != nil {
			return Record{}, err
		}
		rec.Muted = !rec.Muted
		return rec, nil
	})
}

// SetVolume clamps volume to [0, 1] and applies it to tab. The muted flag is
// left as is.
func (r *Registry) SetVolume(ctx context.Context, tab TabRef, volume float64) (Record, error) {
	ctx, span := r.tracer.Start(ctx, "tabaudio.SetVolume", trace.WithAttributes(
		attribute.String("tabmix.tab_id", string(tab)),
		attribute.Float64("tabmix.volume", volume),
	))
	defer span.End()

	if err := validateVolume(volume); err != nil {
		span.SetStatus(codes.Error, "invalid volume")
		return Record{}, err
	}
	v := ClampVolume(volume)
	return r.mutate(ctx, span, "volume", tab, func(h Controller, rec Record) (Record, error) {
		if err := h.SetVolume(ctx, v); err != nil {
			return Record{}, err
		}
		rec.Volume = v
		return rec, nil
	})
}

func (r *Registry) mutate(ctx context.Context, span trace.Span, kind string, tab TabRef, apply func(Controller, Record) (Record, error)) (Record, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Record{}, NewError(CodeRegistryClosed, "registry is shut down", nil)
	}

	cur := r.snap.Load()
	rec, inSnapshot := cur.Lookup(tab)
	h, ok := r.handles[tab]
	if !ok || !inSnapshot {
		r.mu.Unlock()
		r.metrics.RecordMutation(ctx, kind, false)
		span.SetStatus(codes.Error, "tab not found")
		return Record{}, NewError(CodeTabNotFound, "tab not found: "+string(tab), nil)
	}

	updated, err := apply(h, rec)
	if err != nil {
		r.metrics.RecordMutation(ctx, kind, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind+" failed")
		if !IsStale(err) {
			r.mu.Unlock()
			return Record{}, err
		}

		delete(r.handles, tab)
		releaseHandle(tab, h)
		r.version++
		reduced := cur.without(r.version, tab)
		r.snap.Store(reduced)
		r.b.enqueue(reduced)
		r.mu.Unlock()

		r.metrics.RecordStaleHandle(ctx)
		slog.Info("tabaudio tab closed during mutation", "tab_id", tab, "kind", kind)
		r.b.drain()
		return Record{}, NewError(CodeTabNotFound, "tab closed: "+string(tab), err)
	}

	r.version++
	next := cur.with(r.version, tab, func(Record) Record { return updated })
	r.snap.Store(next)
	r.b.enqueue(next)
	out, _ := next.Lookup(tab)
	r.mu.Unlock()

	r.metrics.RecordMutation(ctx, kind, true)
	slog.Debug("tabaudio mutation applied", "tab_id", tab, "kind", kind, "muted", out.Muted, "volume", out.Volume)
	r.b.drain()
	return out, nil
}

// HandleEvent reacts to a host lifecycle event by refreshing the registry.
func (r *Registry) HandleEvent(ctx context.Context, ev LifecycleEvent) (*Snapshot, error) {
	slog.Debug("tabaudio lifecycle event", "kind", ev.Kind.String(), "tab_id", ev.Tab, "window_id", ev.Window)
	return r.Refresh(ctx)
}

// Shutdown unregisters every observer and releases every controller handle
// without touching audio state. Later operations fail with REGISTRY_CLOSED.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	observers := r.b.clear()

	var errs []error
	for tab, h := range handles {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
			slog.Debug("tabaudio handle release failed", "tab_id", tab, "error", err)
		}
	}
	slog.Info("tabaudio registry shut down", "observers", observers, "handles", len(handles))
	return errors.Join(errs...)
}

func releaseHandle(tab TabRef, h Controller) {
	if err := h.Release(); err != nil {
		slog.Debug("tabaudio handle release failed", "tab_id", tab, "error", err)
	}
}
