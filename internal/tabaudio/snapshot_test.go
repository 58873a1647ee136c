package tabaudio

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func nanValue() float64 { return math.NaN() }

func TestClampVolume(t *testing.T) {
	cases := map[float64]float64{-1: 0, -0.3: 0, 0: 0, 0.42: 0.42, 1: 1, 1.7: 1, math.Inf(1): 1, math.Inf(-1): 0}
	if got := ClampVolume(math.NaN()); got != 0 {
		t.Fatalf("ClampVolume(NaN) = %v; want 0", got)
	}
	for in, want := range cases {
		if got := ClampVolume(in); got != want {
			t.Fatalf("ClampVolume(%v) = %v; want %v", in, got, want)
		}
	}
}

func TestRecordLabelAndPercent(t *testing.T) {
	r := Record{URL: "https://radio.example/live", Index: 2, Volume: 0.456}
	if got, want := r.Label(), "Tab: 3- URL: https://radio.example/live"; got != want {
		t.Fatalf("Label() = %q; want %q", got, want)
	}
	if got := r.VolumePercent(); got != 46 {
		t.Fatalf("VolumePercent() = %d; want 46", got)
	}
}

func TestSnapshotRecordsIsACopy(t *testing.T) {
	s := newSnapshot(1, []Record{{Tab: "a", Volume: 0.5}})
	recs := s.Records()
	recs[0].Volume = 0.9
	if s.At(0).Volume != 0.5 {
		t.Fatal("mutating Records() changed the snapshot")
	}
}

func TestSnapshotMarshalJSON(t *testing.T) {
	empty, err := json.Marshal(newSnapshot(4, nil))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !strings.Contains(string(empty), `"tabs":[]`) || !strings.Contains(string(empty), `"version":4`) {
		t.Fatalf("json = %s; want empty tabs array and version 4", empty)
	}

	full, err := json.Marshal(newSnapshot(5, []Record{{Window: "1", Tab: "abc", URL: "u", Muted: true, Volume: 0.25}}))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	for _, want := range []string{`"tab_id":"abc"`, `"window_id":"1"`, `"muted":true`, `"volume":0.25`, `"index":0`} {
		if !strings.Contains(string(full), want) {
			t.Fatalf("json = %s; want to contain %s", full, want)
		}
	}
}
