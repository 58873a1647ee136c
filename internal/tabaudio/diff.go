package tabaudio

// ChangeKind classifies one difference between two snapshots.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeRemoved   ChangeKind = "removed"
	ChangeNavigated ChangeKind = "navigated"
	ChangeStarted   ChangeKind = "started"
	ChangeStopped   ChangeKind = "stopped"
	ChangeMuted     ChangeKind = "muted"
	ChangeUnmuted   ChangeKind = "unmuted"
	ChangeVolume    ChangeKind = "volume"
)

// Change is one per-tab difference. Previous is nil for added tabs.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Tab      Record     `json:"tab"`
	Previous *Record    `json:"previous,omitempty"`
}

// Diff lists what changed from prev to next, in next's order followed by
// removed tabs in prev's order. A nil prev counts as empty. Index shifts
// alone are not changes.
func Diff(prev, next *Snapshot) []Change {
	before := make(map[TabRef]Record)
	if prev != nil {
		for _, r := range prev.records {
			before[r.Tab] = r
		}
	}

	var out []Change
	seen := make(map[TabRef]bool)
	if next != nil {
		for _, cur := range next.records {
			seen[cur.Tab] = true
			old, ok := before[cur.Tab]
			if !ok {
				out = append(out, Change{Kind: ChangeAdded, Tab: cur})
				if cur.Active {
					out = append(out, Change{Kind: ChangeStarted, Tab: cur})
				}
				continue
			}
			out = appendChanges(out, old, cur)
		}
	}

	if prev != nil {
		for _, r := range prev.records {
			if !seen[r.Tab] {
				old := r
				out = append(out, Change{Kind: ChangeRemoved, Tab: r, Previous: &old})
			}
		}
	}
	return out
}

func appendChanges(out []Change, old, cur Record) []Change {
	add := func(kind ChangeKind) {
		prev := old
		out = append(out, Change{Kind: kind, Tab: cur, Previous: &prev})
	}
	if old.URL != cur.URL {
		add(ChangeNavigated)
	}
	if !old.Active && cur.Active {
		add(ChangeStarted)
	}
	if old.Active && !cur.Active {
		add(ChangeStopped)
	}
	if !old.Muted && cur.Muted {
		add(ChangeMuted)
	}
	if old.Muted && !cur.Muted {
		add(ChangeUnmuted)
	}
	if old.Volume != cur.Volume {
		add(ChangeVolume)
	}
	return out
}
