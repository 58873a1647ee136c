package journal

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

// Entry is one journal line.
type Entry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Version uint64    `json:"version"`
	tabaudio.Change
}

// Recorder is a tabaudio.Observer that journals the difference between
// consecutive snapshots. The first snapshot it sees is journaled as added
// tabs.
type Recorder struct {
	w *Writer

	mu   sync.Mutex
	prev *tabaudio.Snapshot
}

// NewRecorder journals to w.
func NewRecorder(w *Writer) *Recorder {
	return &Recorder{w: w}
}

func (r *Recorder) TabsUpdated(snap *tabaudio.Snapshot) error {
	r.mu.Lock()
	changes := tabaudio.Diff(r.prev, snap)
	r.prev = snap
	r.mu.Unlock()

	for _, c := range changes {
		id, err := ulid.New(ulid.Timestamp(snap.TakenAt()), rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate ULID: %w", err)
		}
		entry := Entry{ID: id.String(), Time: snap.TakenAt().UTC(), Version: snap.Version(), Change: c}
		if err := r.w.Write(entry); err != nil {
			return err
		}
	}
	return nil
}
