package cdpaudio

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

func newTestClient(t *testing.T, fb *fakeBrowser, filter string) *Client {
	t.Helper()
	c := NewClient(fb.URL(), filter, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func threeTabs() []*fakeTarget {
	return []*fakeTarget{
		{id: "T1", kind: "page", url: "https://music.example/a", title: "A", window: 2, volume: 1, active: true},
		{id: "T2", kind: "page", url: "https://video.example/b", title: "B", window: 1, volume: 0.5},
		{id: "SW", kind: "service_worker", url: "https://music.example/sw.js", window: 1},
		{id: "T3", kind: "page", url: "https://music.example/c", title: "C", window: 2, volume: 0.8, muted: true},
		{id: "T4", kind: "page", url: "devtools://devtools/bundled", noWindow: true},
	}
}

func tabIDs(entries []tabaudio.TabEntry) string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, string(e.Tab))
	}
	return strings.Join(ids, ",")
}

func TestEnumerateOrdersByWindowThenFirstSeen(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "")

	entries, err := c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if got := tabIDs(entries); got != "T2,T1,T3" {
		t.Fatalf("Enumerate() order = %s; want T2,T1,T3", got)
	}
	if entries[0].Window != "1" || entries[1].Window != "2" {
		t.Fatalf("windows = %s,%s; want 1,2", entries[0].Window, entries[1].Window)
	}
	if entries[1].URL != "https://music.example/a" || entries[1].Title != "A" {
		t.Fatalf("entry = %+v; want url and title of T1", entries[1])
	}

	// A later tab in an existing window lands after the tabs seen before it.
	fb.update(func(fb *fakeBrowser) {
		fb.targets = append([]*fakeTarget{{id: "T5", kind: "page", url: "https://x.example", window: 1}}, fb.targets...)
	})
	entries, err = c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if got := tabIDs(entries); got != "T2,T5,T1,T3" {
		t.Fatalf("Enumerate() order = %s; want T2,T5,T1,T3", got)
	}
}

func TestEnumerateAppliesURLFilter(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "  MUSIC.example ")

	entries, err := c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if got := tabIDs(entries); got != "T1,T3" {
		t.Fatalf("Enumerate() = %s; want T1,T3", got)
	}
}

func TestEnumerateListFailureIsHostUnavailable(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "")
	fb.update(func(fb *fakeBrowser) { fb.listStatus = http.StatusInternalServerError })

	_, err := c.Enumerate(context.Background())
	if !tabaudio.HasCode(err, tabaudio.CodeHostUnavailable) {
		t.Fatalf("Enumerate() error = %v; want %s", err, tabaudio.CodeHostUnavailable)
	}
	var coded *tabaudio.CodedError
	if !errors.As(err, &coded) || !strings.Contains(coded.Message, "failed to list targets") {
		t.Fatalf("error = %v; want message about listing targets", err)
	}
}

func TestConnectWithoutURL(t *testing.T) {
	c := NewClient("", "", time.Second)
	err := c.Connect(context.Background())
	if !tabaudio.HasCode(err, tabaudio.CodeHostUnavailable) {
		t.Fatalf("Connect() error = %v; want %s", err, tabaudio.CodeHostUnavailable)
	}
}

func TestControllerReadsAndWritesAudioState(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "")
	ctx := context.Background()

	h, err := c.Controller(ctx, tabaudio.TabEntry{Window: "2", Tab: "T3"})
	if err != nil {
		t.Fatalf("Controller() error = %v", err)
	}
	sr := h.(tabaudio.StateReader)
	st, err := sr.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !st.Muted || st.Volume != 0.8 || st.Active {
		t.Fatalf("State() = %+v; want muted, 0.8, inactive", st)
	}

	if err := h.SetMuted(ctx, false); err != nil {
		t.Fatalf("SetMuted() error = %v", err)
	}
	if err := h.SetVolume(ctx, 0.25); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	got := fb.state("T3")
	if got.muted || got.volume != 0.25 {
		t.Fatalf("browser state = muted %v volume %v; want false 0.25", got.muted, got.volume)
	}

	muted, err := h.Muted(ctx)
	if err != nil || muted {
		t.Fatalf("Muted() = %v, %v; want false, nil", muted, err)
	}
	vol, err := h.Volume(ctx)
	if err != nil || vol != 0.25 {
		t.Fatalf("Volume() = %v, %v; want 0.25, nil", vol, err)
	}
}

func TestControllerStaleAfterTabCloses(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "")
	ctx := context.Background()

	h, _ := c.Controller(ctx, tabaudio.TabEntry{Tab: "T1"})
	if _, err := h.Active(ctx); err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	fb.update(func(fb *fakeBrowser) { fb.target("T1").gone = true })

	if _, err := h.Active(ctx); !tabaudio.IsStale(err) {
		t.Fatalf("Active() after close error = %v; want %s", err, tabaudio.CodeStaleHandle)
	}
	// The session was reset, so the next call fails at attach time.
	if err := h.SetMuted(ctx, true); !tabaudio.IsStale(err) {
		t.Fatalf("SetMuted() after close error = %v; want %s", err, tabaudio.CodeStaleHandle)
	}
}

func TestControllerRejectsEmptyTab(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	if _, err := c.Controller(context.Background(), tabaudio.TabEntry{}); !tabaudio.HasCode(err, tabaudio.CodeValidation) {
		t.Fatalf("Controller() error = %v; want %s", err, tabaudio.CodeValidation)
	}
}

func TestReleaseDetachesSession(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "")
	ctx := context.Background()

	h, _ := c.Controller(ctx, tabaudio.TabEntry{Tab: "T2"})
	if _, err := h.Muted(ctx); err != nil {
		t.Fatalf("Muted() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	fb.update(func(fb *fakeBrowser) {
		if len(fb.detached) != 1 || !strings.HasPrefix(fb.detached[0], "S-T2-") {
			t.Errorf("detached = %v; want one T2 session", fb.detached)
		}
	})
	if err := h.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestRegistryOverCDP(t *testing.T) {
	fb := newFakeBrowser(t, threeTabs()...)
	c := newTestClient(t, fb, "")
	ctx := context.Background()

	reg := tabaudio.NewRegistry(c, c)
	t.Cleanup(func() { _ = reg.Shutdown() })

	snap, err := reg.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("Refresh() len = %d; want 3", snap.Len())
	}
	first := snap.At(0)
	if first.Tab != "T2" || first.Volume != 0.5 || first.Muted {
		t.Fatalf("At(0) = %+v; want T2 unmuted at 0.5", first)
	}

	rec, err := reg.SetVolume(ctx, "T1", 1.7)
	if err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	if rec.Volume != 1 || fb.state("T1").volume != 1 {
		t.Fatalf("SetVolume(1.7) = %v, browser %v; want 1", rec.Volume, fb.state("T1").volume)
	}

	fb.update(func(fb *fakeBrowser) { fb.target("T3").gone = true })
	if _, err := reg.SetMuted(ctx, "T3", false); !tabaudio.HasCode(err, tabaudio.CodeTabNotFound) {
		t.Fatalf("SetMuted() on closed tab error = %v; want %s", err, tabaudio.CodeTabNotFound)
	}
	if _, ok := reg.Snapshot().Lookup("T3"); ok {
		t.Fatal("closed tab still in snapshot")
	}
}

func TestIsStaleCause(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rawcdp: Runtime.evaluate: Session with given id not found."), true},
		{&protocolError{Method: "Browser.getWindowForTarget", Message: "No target with given id found"}, true},
		{errors.New("rawcdp: connection closed"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := isStaleCause(tt.err); got != tt.want {
			t.Fatalf("isStaleCause(%v) = %v; want %v", tt.err, got, tt.want)
		}
	}
}

func TestWindowRef(t *testing.T) {
	if got := WindowRef(browser.WindowID(42)); got != "42" {
		t.Fatalf("WindowRef(42) = %q; want %q", got, "42")
	}
}

func TestAudioScripts(t *testing.T) {
	js := jsSetVolume(0.35)
	if !strings.Contains(js, "tm.volume = 0.35;") {
		t.Fatalf("jsSetVolume() missing assignment: %s", js)
	}
	if !strings.Contains(jsSetMuted(true), "tm.muted = true;") {
		t.Fatal("jsSetMuted(true) missing assignment")
	}
	for name, src := range map[string]string{"read": jsReadState(), "mute": jsSetMuted(false), "volume": js} {
		if !strings.HasPrefix(src, "(function(){") || !strings.HasSuffix(src, "})()") {
			t.Fatalf("%s script is not an IIFE", name)
		}
		if !strings.Contains(src, `error_code:"EVAL_FAILURE"`) {
			t.Fatalf("%s script missing error envelope", name)
		}
	}
}
