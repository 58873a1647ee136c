package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabmix/internal/stream"
	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

// Service is the registry surface the API drives.
type Service interface {
	Snapshot() *tabaudio.Snapshot
	Refresh(ctx context.Context) (*tabaudio.Snapshot, error)
	SetMuted(ctx context.Context, tab tabaudio.TabRef, muted bool) (tabaudio.Record, error)
	ToggleMuted(ctx context.Context, tab tabaudio.TabRef) (tabaudio.Record, error)
	SetVolume(ctx context.Context, tab tabaudio.TabRef, volume float64) (tabaudio.Record, error)
	Observers() int
}

// TabView is one tab as rendered to clients.
type TabView struct {
	Index         int     `json:"index" doc:"0-based position in the snapshot"`
	Label         string  `json:"label" example:"Tab: 1- URL: https://example.com"`
	WindowID      string  `json:"window_id"`
	TabID         string  `json:"tab_id"`
	Title         string  `json:"title,omitempty"`
	URL           string  `json:"url"`
	Muted         bool    `json:"muted"`
	Volume        float64 `json:"volume" minimum:"0" maximum:"1"`
	VolumePercent int     `json:"volume_percent" minimum:"0" maximum:"100"`
	Active        bool    `json:"active" doc:"True while the tab is producing sound"`
}

// TabsView is a snapshot as rendered to clients.
type TabsView struct {
	Version uint64    `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Tabs    []TabView `json:"tabs"`
}

func tabView(r tabaudio.Record) TabView {
	return TabView{
		Index:         r.Index,
		Label:         r.Label(),
		WindowID:      string(r.Window),
		TabID:         string(r.Tab),
		Title:         r.Title,
		URL:           r.URL,
		Muted:         r.Muted,
		Volume:        r.Volume,
		VolumePercent: r.VolumePercent(),
		Active:        r.Active,
	}
}

func tabsView(s *tabaudio.Snapshot) TabsView {
	out := TabsView{Version: s.Version(), TakenAt: s.TakenAt(), Tabs: make([]TabView, 0, s.Len())}
	for i := 0; i < s.Len(); i++ {
		out.Tabs = append(out.Tabs, tabView(s.At(i)))
	}
	return out
}

type tabsOutput struct {
	Body TabsView
}

type tabOutput struct {
	Body TabView
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"Tab id as reported in the snapshot"`
}

type setMutedInput struct {
	TabID string `path:"tab_id"`
	Body  struct {
		Muted bool `json:"muted"`
	}
}

type setVolumeInput struct {
	TabID string `path:"tab_id"`
	Body  struct {
		Volume  *float64 `json:"volume,omitempty" doc:"Volume in [0, 1]; out of range values are clamped"`
		Percent *float64 `json:"percent,omitempty" doc:"Volume in [0, 100]; out of range values are clamped"`
	}
}

// requestedVolume resolves the volume body to the [0, 1] scale.
func (in *setVolumeInput) requestedVolume() (float64, error) {
	switch {
	case in.Body.Volume != nil && in.Body.Percent != nil:
		return 0, tabaudio.NewError(tabaudio.CodeValidation, "set either volume or percent, not both", nil)
	case in.Body.Volume != nil:
		return *in.Body.Volume, nil
	case in.Body.Percent != nil:
		return *in.Body.Percent / 100, nil
	default:
		return 0, tabaudio.NewError(tabaudio.CodeValidation, "volume or percent is required", nil)
	}
}

func NewServer(svc Service, broker *stream.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabmix API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", stream.SSEHandler(broker, svc.Snapshot))
	}

	registerTabHandlers(api, svc)
	registerHealthHandlers(api, svc, broker)

	return router
}

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "Current tab snapshot", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			return &tabsOutput{Body: tabsView(svc.Snapshot())}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "refresh-tabs", Method: http.MethodPost, Path: "/api/v1/tabs/refresh", Summary: "Re-enumerate tabs and publish a new snapshot", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			snap, err := svc.Refresh(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabsOutput{Body: tabsView(snap)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-tab-muted", Method: http.MethodPut, Path: "/api/v1/tabs/{tab_id}/muted", Summary: "Mute or unmute a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *setMutedInput) (*tabOutput, error) {
			rec, err := svc.SetMuted(ctx, tabaudio.TabRef(input.TabID), input.Body.Muted)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tabView(rec)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "toggle-tab-muted", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/toggle-mute", Summary: "Flip the muted flag of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabOutput, error) {
			rec, err := svc.ToggleMuted(ctx, tabaudio.TabRef(input.TabID))
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tabView(rec)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-tab-volume", Method: http.MethodPut, Path: "/api/v1/tabs/{tab_id}/volume", Summary: "Set the volume of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *setVolumeInput) (*tabOutput, error) {
			v, err := input.requestedVolume()
			if err != nil {
				return nil, mapErr(err)
			}
			rec, err := svc.SetVolume(ctx, tabaudio.TabRef(input.TabID), v)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: tabView(rec)}, nil
		})
}

func registerHealthHandlers(api huma.API, svc Service, broker *stream.Broker) {
	type healthOutput struct {
		Body struct {
			Status    string `json:"status"`
			Version   uint64 `json:"version"`
			Tabs      int    `json:"tabs"`
			Observers int    `json:"observers"`
			Streams   int    `json:"streams"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			snap := svc.Snapshot()
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Version = snap.Version()
			out.Body.Tabs = snap.Len()
			out.Body.Observers = svc.Observers()
			if broker != nil {
				out.Body.Streams = broker.ClientCount()
			}
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *tabaudio.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case tabaudio.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case tabaudio.CodeTabNotFound, tabaudio.CodeStaleHandle:
			return huma.Error404NotFound(coded.Message)
		case tabaudio.CodeRegistryClosed:
			return huma.Error503ServiceUnavailable(coded.Message)
		case tabaudio.CodeHostUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
