package tabaudio

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the audio state of one tab as of the snapshot it belongs to.
type Record struct {
	Window WindowRef `json:"window_id"`
	Tab    TabRef    `json:"tab_id"`
	Title  string    `json:"title,omitempty"`
	URL    string    `json:"url"`
	Muted  bool      `json:"muted"`
	Volume float64   `json:"volume"`
	Active bool      `json:"active"`
	// Index is the display position in the enumeration, not an identity.
	Index int `json:"index"`
}

// Label renders the record the way the mixer panel captions a tab.
func (r Record) Label() string {
	return fmt.Sprintf("Tab: %d- URL: %s", r.Index+1, r.URL)
}

// VolumePercent returns the volume on the 0-100 slider scale.
func (r Record) VolumePercent() int {
	return int(r.Volume*100 + 0.5)
}

// Snapshot is an immutable, ordered view of every known tab. All observers
// notified in one cycle receive the same *Snapshot.
type Snapshot struct {
	version uint64
	takenAt time.Time
	records []Record
}

func newSnapshot(version uint64, records []Record) *Snapshot {
	for i := range records {
		records[i].Index = i
	}
	return &Snapshot{version: version, takenAt: time.Now(), records: records}
}

// Version increases with every snapshot a registry publishes.
func (s *Snapshot) Version() uint64 { return s.version }

// TakenAt is when the snapshot was built.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.records) }

// At returns the i-th record in enumeration order.
func (s *Snapshot) At(i int) Record { return s.records[i] }

// Records returns a copy of the records.
func (s *Snapshot) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Lookup finds the record for tab.
func (s *Snapshot) Lookup(tab TabRef) (Record, bool) {
	for _, r := range s.records {
		if r.Tab == tab {
			return r, true
		}
	}
	return Record{}, false
}

// with returns a new snapshot where the record for tab is replaced by fn's result.
func (s *Snapshot) with(version uint64, tab TabRef, fn func(Record) Record) *Snapshot {
	records := make([]Record, len(s.records))
	for i, r := range s.records {
		if r.Tab == tab {
			r = fn(r)
		}
		records[i] = r
	}
	return newSnapshot(version, records)
}

// without returns a new snapshot that omits tab.
func (s *Snapshot) without(version uint64, tab TabRef) *Snapshot {
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Tab != tab {
			records = append(records, r)
		}
	}
	return newSnapshot(version, records)
}

type snapshotJSON struct {
	Version uint64    `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Tabs    []Record  `json:"tabs"`
}

// MarshalJSON encodes the snapshot with its records under "tabs".
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	tabs := s.records
	if tabs == nil {
		tabs = []Record{}
	}
	return json.Marshal(snapshotJSON{Version: s.version, TakenAt: s.takenAt, Tabs: tabs})
}
