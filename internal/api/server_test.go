package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dgnsrekt/tabmix/internal/stream"
	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

type memTab struct {
	mu     sync.Mutex
	muted  bool
	volume float64
	closed bool
}

func (m *memTab) check() error {
	if m.closed {
		return tabaudio.NewError(tabaudio.CodeStaleHandle, "closed", nil)
	}
	return nil
}

func (m *memTab) Muted(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted, m.check()
}

func (m *memTab) SetMuted(_ context.Context, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.muted = v
	return nil
}

func (m *memTab) Volume(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume, m.check()
}

func (m *memTab) SetVolume(_ context.Context, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.volume = v
	return nil
}

func (m *memTab) Active(context.Context) (bool, error) { return false, nil }
func (m *memTab) Release() error { return nil }

type memHost struct {
	order []string
	tabs  map[string]*memTab
}

func (h *memHost) Enumerate(context.Context) ([]tabaudio.TabEntry, error) {
	out := make([]tabaudio.TabEntry, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, tabaudio.TabEntry{Window: "1", Tab: tabaudio.TabRef(id), URL: "https://" + id + ".example"})
	}
	return out, nil
}

func (h *memHost) Controller(_ context.Context, e tabaudio.TabEntry) (tabaudio.Controller, error) {
	return h.tabs[string(e.Tab)], nil
}

type stubService struct {
	*tabaudio.Registry
	host       *memHost
	refreshErr error
}

func (s *stubService) Refresh(ctx context.Context) (*tabaudio.Snapshot, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.Registry.Refresh(ctx)
}

func newStubService() *stubService {
	host := &memHost{
		order: []string{"a", "b"},
		tabs: map[string]*memTab{
			"a": {volume: 1},
			"b": {volume: 0.4, muted: true},
		},
	}
	return &stubService{Registry: tabaudio.NewRegistry(host, host), host: host}
}

func newRefreshedService(t *testing.T) *stubService {
	t.Helper()
	svc := newStubService()
	t.Cleanup(func() { _ = svc.Shutdown() })
	if _, err := svc.Registry.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return svc
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestListTabs(t *testing.T) {
	svc := newRefreshedService(t)
	h := NewServer(svc, stream.NewBroker())

	w := doJSON(t, h, http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	got := decodeBody[TabsView](t, w)
	if got.Version != 1 || len(got.Tabs) != 2 {
		t.Fatalf("tabs = %+v; want version 1 with 2 tabs", got)
	}
	b := got.Tabs[1]
	if b.TabID != "b" || b.Label != "Tab: 2- URL: https://b.example" || !b.Muted || b.VolumePercent != 40 {
		t.Fatalf("tab b = %+v", b)
	}
}

func TestRefreshTabs(t *testing.T) {
	svc := newStubService()
	t.Cleanup(func() { _ = svc.Shutdown() })
	h := NewServer(svc, nil)

	w := doJSON(t, h, http.MethodPost, "/api/v1/tabs/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := decodeBody[TabsView](t, w); len(got.Tabs) != 2 {
		t.Fatalf("tabs = %d; want 2", len(got.Tabs))
	}

	svc.refreshErr = tabaudio.NewError(tabaudio.CodeHostUnavailable, "browser gone", errors.New("dial"))
	w = doJSON(t, h, http.MethodPost, "/api/v1/tabs/refresh", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestSetMutedAndToggle(t *testing.T) {
	svc := newRefreshedService(t)
	h := NewServer(svc, nil)

	w := doJSON(t, h, http.MethodPut, "/api/v1/tabs/a/muted", `{"muted":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := decodeBody[TabView](t, w); !got.Muted || got.TabID != "a" {
		t.Fatalf("tab = %+v; want a muted", got)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/tabs/a/toggle-mute", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := decodeBody[TabView](t, w); got.Muted {
		t.Fatalf("toggle-mute = %+v; want unmuted", got)
	}
	if svc.host.tabs["a"].muted {
		t.Fatal("host tab still muted after toggle")
	}
}

func TestSetVolume(t *testing.T) {
	svc := newRefreshedService(t)
	h := NewServer(svc, nil)

	tests := []struct {
		name   string
		body   string
		status int
		want   float64
	}{
		{"unit scale", `{"volume":0.3}`, http.StatusOK, 0.3},
		{"percent scale", `{"percent":65}`, http.StatusOK, 0.65},
		{"clamped high", `{"volume":1.7}`, http.StatusOK, 1},
		{"clamped low", `{"percent":-20}`, http.StatusOK, 0},
		{"missing", `{}`, http.StatusBadRequest, 0},
		{"both", `{"volume":0.1,"percent":10}`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPut, "/api/v1/tabs/b/volume", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			if got := decodeBody[TabView](t, w); got.Volume != tt.want || !got.Muted {
				t.Fatalf("volume = %v muted = %v; want %v and muted kept", got.Volume, got.Muted, tt.want)
			}
		})
	}
}

func TestMutationErrorsMapToStatus(t *testing.T) {
	svc := newRefreshedService(t)
	h := NewServer(svc, nil)

	w := doJSON(t, h, http.MethodPut, "/api/v1/tabs/nope/muted", `{"muted":true}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown tab status = %d, want %d", w.Code, http.StatusNotFound)
	}

	svc.host.tabs["a"].closed = true
	w = doJSON(t, h, http.MethodPut, "/api/v1/tabs/a/volume", `{"volume":0.5}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("closed tab status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if svc.Snapshot().Len() != 1 {
		t.Fatalf("snapshot len = %d; want closed tab dropped", svc.Snapshot().Len())
	}

	_ = svc.Shutdown()
	w = doJSON(t, h, http.MethodPost, "/api/v1/tabs/b/toggle-mute", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("after shutdown status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealth(t *testing.T) {
	svc := newRefreshedService(t)
	broker := stream.NewBroker()
	if err := svc.RegisterForUpdates(stream.NewPublisher(broker)); err != nil {
		t.Fatalf("RegisterForUpdates() error = %v", err)
	}
	h := NewServer(svc, broker)

	w := doJSON(t, h, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	got := decodeBody[struct {
		Status    string `json:"status"`
		Tabs      int    `json:"tabs"`
		Observers int    `json:"observers"`
	}](t, w)
	if got.Status != "ok" || got.Tabs != 2 || got.Observers != 1 {
		t.Fatalf("health = %+v", got)
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{tabaudio.NewError(tabaudio.CodeValidation, "bad", nil), http.StatusBadRequest},
		{tabaudio.NewError(tabaudio.CodeTabNotFound, "gone", nil), http.StatusNotFound},
		{tabaudio.NewError(tabaudio.CodeRegistryClosed, "closed", nil), http.StatusServiceUnavailable},
		{tabaudio.NewError(tabaudio.CodeHostUnavailable, "down", nil), http.StatusBadGateway},
		{tabaudio.NewError(tabaudio.CodeObserverFailure, "boom", nil), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var se interface{ GetStatus() int }
		if !errors.As(mapErr(tt.err), &se) {
			t.Fatalf("mapErr(%v) is not a status error", tt.err)
		}
		if se.GetStatus() != tt.want {
			t.Fatalf("mapErr(%v) status = %d; want %d", tt.err, se.GetStatus(), tt.want)
		}
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
}
