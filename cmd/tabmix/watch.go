package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the tab list every time it changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.reg.RegisterForUpdates(newPrinter(cmd.OutOrStdout())); err != nil {
			return err
		}
		if _, err := s.reg.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to list tabs: %w", err)
		}

		err = followLifecycle(ctx, s, cfg.RefreshDebounce())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// printer is an observer writing each snapshot as a block of lines: what
// changed since the previous snapshot, then the full tab list.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	prev      *tabaudio.Snapshot
	startedAt map[tabaudio.TabRef]time.Time
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, startedAt: make(map[tabaudio.TabRef]time.Time)}
}

func (p *printer) TabsUpdated(snap *tabaudio.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	changes := tabaudio.Diff(p.prev, snap)
	p.prev = snap
	if _, err := fmt.Fprintf(p.w, "-- %s (v%d)\n", snap.TakenAt().Format(time.TimeOnly), snap.Version()); err != nil {
		return err
	}
	for _, c := range changes {
		fmt.Fprintf(p.w, "   %s %s\n", c.Tab.Label(), p.describe(c, snap.TakenAt()))
	}
	printSnapshot(p.w, snap, false)
	return nil
}

func (p *printer) describe(c tabaudio.Change, at time.Time) string {
	switch c.Kind {
	case tabaudio.ChangeStarted:
		p.startedAt[c.Tab.Tab] = at
		return "started playing"
	case tabaudio.ChangeStopped, tabaudio.ChangeRemoved:
		start, ok := p.startedAt[c.Tab.Tab]
		delete(p.startedAt, c.Tab.Tab)
		verb := "stopped playing"
		if c.Kind == tabaudio.ChangeRemoved {
			verb = "closed"
		}
		if !ok || at.Sub(start) < time.Second {
			return verb
		}
		return fmt.Sprintf("%s after %s", verb, strings.TrimSpace(humanize.RelTime(start, at, "", "")))
	case tabaudio.ChangeVolume:
		return fmt.Sprintf("volume %d%% -> %d%%", c.Previous.VolumePercent(), c.Tab.VolumePercent())
	case tabaudio.ChangeNavigated:
		return "navigated from " + c.Previous.URL
	default:
		return string(c.Kind)
	}
}

const rewatchDelay = 2 * time.Second

// followLifecycle pumps browser lifecycle events into the registry. A dropped
// connection is retried after rewatchDelay until ctx is done.
func followLifecycle(ctx context.Context, s *session, debounce time.Duration) error {
	for {
		events, err := s.client.WatchLifecycle(ctx)
		if err != nil {
			slog.Warn("lifecycle watch failed", "error", err, "retry_in", rewatchDelay)
		} else {
			if err := s.reg.Pump(ctx, events, debounce); err != nil {
				return err
			}
			slog.Info("lifecycle stream ended, reconnecting", "retry_in", rewatchDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rewatchDelay):
		}
		// Tabs may have changed while the stream was down.
		if _, err := s.reg.Refresh(ctx); err != nil {
			if tabaudio.HasCode(err, tabaudio.CodeRegistryClosed) {
				return nil
			}
			slog.Warn("refresh after reconnect failed", "error", err)
		}
	}
}
