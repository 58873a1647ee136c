package stream

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

// SnapshotSource returns the current registry snapshot.
type SnapshotSource func() *tabaudio.Snapshot

// SSEHandler streams snapshots as server-sent events. A client receives the
// current snapshot right after connecting, then every published one.
func SSEHandler(broker *Broker, current SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)
		slog.Debug("stream client connected", "client_id", id, "remote", r.RemoteAddr)
		defer slog.Debug("stream client disconnected", "client_id", id)

		var last uint64
		if current != nil {
			if snap := current(); snap != nil {
				evt, err := snapshotEvent(snap)
				if err != nil {
					slog.Warn("stream initial snapshot failed", "client_id", id, "error", err)
				} else {
					writeEvent(w, evt)
					last = evt.Version
				}
			}
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				// The initial snapshot may already cover a queued event.
				if evt.Version != 0 && evt.Version <= last {
					continue
				}
				writeEvent(w, evt)
				last = evt.Version
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt Event) {
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", evt.Name, evt.Version, evt.Payload)
}
