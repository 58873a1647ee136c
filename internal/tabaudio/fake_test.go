package tabaudio

import (
	"context"
	"errors"
	"sync"
)

type fakeTab struct {
	entry  TabEntry
	muted  bool
	volume float64
	active bool

	closed   bool // omitted by Enumerate
	vanished bool // still enumerated but every controller call is stale

	setVolumes []float64
	setMuted   []bool
	released   int
}

type fakeHost struct {
	mu        sync.Mutex
	tabs      []*fakeTab
	enumErr   error
	provided  map[TabRef]int
	mutations int
}

func newFakeHost(tabs ...*fakeTab) *fakeHost {
	return &fakeHost{tabs: tabs, provided: make(map[TabRef]int)}
}

func tab(window, id string, active, muted bool, volume float64) *fakeTab {
	return &fakeTab{
		entry:  TabEntry{Window: WindowRef(window), Tab: TabRef(id), Title: id, URL: "https://example.com/" + id},
		active: active,
		muted:  muted,
		volume: volume,
	}
}

func (h *fakeHost) find(id TabRef) *fakeTab {
	for _, t := range h.tabs {
		if t.entry.Tab == id {
			return t
		}
	}
	return nil
}

func (h *fakeHost) Enumerate(context.Context) ([]TabEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enumErr != nil {
		return nil, h.enumErr
	}
	out := make([]TabEntry, 0, len(h.tabs))
	for _, t := range h.tabs {
		if t.closed {
			continue
		}
		out = append(out, t.entry)
	}
	return out, nil
}

func (h *fakeHost) Controller(_ context.Context, entry TabEntry) (Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.find(entry.Tab)
	if t == nil {
		return nil, NewError(CodeStaleHandle, "no such tab", nil)
	}
	h.provided[entry.Tab]++
	return &fakeController{host: h, tab: t}, nil
}

type fakeController struct {
	host *fakeHost
	tab  *fakeTab
}

var errGone = errors.New("target closed")

func (c *fakeController) stale() error {
	if c.tab.closed || c.tab.vanished {
		return NewError(CodeStaleHandle, "tab gone", errGone)
	}
	return nil
}

func (c *fakeController) Muted(context.Context) (bool, error) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if err := c.stale(); err != nil {
		return false, err
	}
	return c.tab.muted, nil
}

func (c *fakeController) SetMuted(_ context.Context, muted bool) error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if err := c.stale(); err != nil {
		return err
	}
	c.host.mutations++
	c.tab.muted = muted
	c.tab.setMuted = append(c.tab.setMuted, muted)
	return nil
}

func (c *fakeController) Volume(context.Context) (float64, error) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if err := c.stale(); err != nil {
		return 0, err
	}
	return c.tab.volume, nil
}

func (c *fakeController) SetVolume(_ context.Context, volume float64) error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if err := c.stale(); err != nil {
		return err
	}
	c.host.mutations++
	c.tab.volume = volume
	c.tab.setVolumes = append(c.tab.setVolumes, volume)
	return nil
}

func (c *fakeController) Active(context.Context) (bool, error) {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	if err := c.stale(); err != nil {
		return false, err
	}
	return c.tab.active, nil
}

func (c *fakeController) Release() error {
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	c.tab.released++
	return nil
}

// recorder is an Observer that keeps every snapshot it receives.
type recorder struct {
	mu    sync.Mutex
	snaps []*Snapshot
}

func (r *recorder) TabsUpdated(s *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}
