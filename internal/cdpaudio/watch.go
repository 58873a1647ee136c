package cdpaudio

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

type targetEventKind int

const (
	targetCreated targetEventKind = iota
	targetDestroyed
	targetInfoChanged
)

type targetInfo struct {
	TargetID target.ID `json:"targetId"`
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
}

type targetEvent struct {
	kind targetEventKind
	info targetInfo
}

type pageState struct {
	window    browser.WindowID
	hasWindow bool
	url       string
}

// watcher turns raw target events into lifecycle events. It is owned by a
// single goroutine.
type watcher struct {
	cdp   *rawCDP
	pages map[target.ID]pageState
}

// WatchLifecycle subscribes to target discovery and streams lifecycle events
// until ctx is done or the connection drops; the channel is closed then.
// Existing tabs are reported as TabOpened right after subscribing.
func (c *Client) WatchLifecycle(ctx context.Context) (<-chan tabaudio.LifecycleEvent, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	raw := make(chan targetEvent, 128)
	push := func(ev targetEvent) {
		select {
		case raw <- ev:
		default:
			slog.Debug("cdpaudio target event dropped", "target_id", ev.info.TargetID)
		}
	}
	decodeInfo := func(kind targetEventKind) func(string, json.RawMessage) {
		return func(_ string, params json.RawMessage) {
			var p struct {
				TargetInfo targetInfo `json:"targetInfo"`
			}
			if json.Unmarshal(params, &p) != nil || p.TargetInfo.TargetID == "" {
				return
			}
			push(targetEvent{kind: kind, info: p.TargetInfo})
		}
	}
	decodeID := func(_ string, params json.RawMessage) {
		var p struct {
			TargetID target.ID `json:"targetId"`
		}
		if json.Unmarshal(params, &p) != nil || p.TargetID == "" {
			return
		}
		push(targetEvent{kind: targetDestroyed, info: targetInfo{TargetID: p.TargetID}})
	}

	unregister := []func(){
		cdp.registerEventHandler("Target.targetCreated", decodeInfo(targetCreated)),
		cdp.registerEventHandler("Target.targetInfoChanged", decodeInfo(targetInfoChanged)),
		cdp.registerEventHandler("Target.targetDestroyed", decodeID),
		cdp.registerEventHandler("Target.targetCrashed", decodeID),
	}
	stop := func() {
		for _, fn := range unregister {
			fn()
		}
	}

	if err := cdp.setDiscoverTargets(ctx, true); err != nil {
		stop()
		return nil, tabaudio.NewError(tabaudio.CodeHostUnavailable, "enable target discovery failed", err)
	}
	slog.Info("cdpaudio lifecycle watch started")

	w := &watcher{cdp: cdp, pages: make(map[target.ID]pageState)}
	out := make(chan tabaudio.LifecycleEvent, 32)
	go func() {
		defer close(out)
		defer stop()
		done := cdp.closed()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				slog.Warn("cdpaudio lifecycle watch ended: connection closed")
				return
			case ev := <-raw:
				for _, le := range w.translate(ctx, ev) {
					select {
					case out <- le:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (w *watcher) translate(ctx context.Context, ev targetEvent) []tabaudio.LifecycleEvent {
	id := ev.info.TargetID
	switch ev.kind {
	case targetCreated:
		if ev.info.Type != "page" {
			return nil
		}
		return w.opened(ctx, ev.info)

	case targetInfoChanged:
		if ev.info.Type != "page" {
			return nil
		}
		st, ok := w.pages[id]
		if !ok {
			return w.opened(ctx, ev.info)
		}
		if st.url == ev.info.URL {
			return nil
		}
		st.url = ev.info.URL
		w.pages[id] = st
		return []tabaudio.LifecycleEvent{{
			Kind:   tabaudio.TabNavigated,
			Window: w.windowRef(st),
			Tab:    tabaudio.TabRef(id),
			URL:    ev.info.URL,
		}}

	case targetDestroyed:
		st, ok := w.pages[id]
		if !ok {
			return nil
		}
		delete(w.pages, id)
		events := []tabaudio.LifecycleEvent{{
			Kind:   tabaudio.TabClosed,
			Window: w.windowRef(st),
			Tab:    tabaudio.TabRef(id),
			URL:    st.url,
		}}
		if st.hasWindow && !w.windowInUse(st.window) {
			events = append(events, tabaudio.LifecycleEvent{
				Kind:   tabaudio.WindowClosed,
				Window: WindowRef(st.window),
			})
		}
		return events
	}
	return nil
}

func (w *watcher) opened(ctx context.Context, info targetInfo) []tabaudio.LifecycleEvent {
	st := pageState{url: info.URL}
	var events []tabaudio.LifecycleEvent
	wid, err := w.cdp.windowForTarget(ctx, info.TargetID)
	if err != nil {
		slog.Debug("cdpaudio window lookup failed", "target_id", info.TargetID, "error", err)
	} else {
		st.window, st.hasWindow = wid, true
		if !w.windowInUse(wid) {
			events = append(events, tabaudio.LifecycleEvent{
				Kind:   tabaudio.WindowOpened,
				Window: WindowRef(wid),
			})
		}
	}
	w.pages[info.TargetID] = st
	return append(events, tabaudio.LifecycleEvent{
		Kind:   tabaudio.TabOpened,
		Window: w.windowRef(st),
		Tab:    tabaudio.TabRef(info.TargetID),
		URL:    info.URL,
	})
}

func (w *watcher) windowInUse(id browser.WindowID) bool {
	for _, st := range w.pages {
		if st.hasWindow && st.window == id {
			return true
		}
	}
	return false
}

func (w *watcher) windowRef(st pageState) tabaudio.WindowRef {
	if !st.hasWindow {
		return ""
	}
	return WindowRef(st.window)
}
