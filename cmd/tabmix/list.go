package main

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tabs with their audio state",
	Long: `List every tab of every open window, one line per tab.

Tabs are numbered from 1 in window order; the number or the tab id can be
passed to mute, unmute and volume.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := s.reg.Refresh(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list tabs: %w", err)
		}
		printSnapshot(cmd.OutOrStdout(), snap, flagShowIDs)
		return nil
	},
}

var flagShowIDs bool

func init() {
	listCmd.Flags().BoolVar(&flagShowIDs, "ids", false, "include window and tab ids")
	rootCmd.AddCommand(listCmd)
}

func printSnapshot(w io.Writer, snap *tabaudio.Snapshot, ids bool) {
	if snap.Len() == 0 {
		fmt.Fprintln(w, "no tabs")
		return
	}
	for _, rec := range snap.Records() {
		fmt.Fprintln(w, formatRecord(rec, ids))
	}
}

func formatRecord(rec tabaudio.Record, ids bool) string {
	var b strings.Builder
	b.WriteString(rec.Label())
	fmt.Fprintf(&b, "  volume=%d%%", rec.VolumePercent())
	if rec.Muted {
		b.WriteString(" muted")
	}
	if rec.Active {
		b.WriteString(" playing")
	}
	if ids {
		fmt.Fprintf(&b, "  [window=%s tab=%s]", rec.Window, rec.Tab)
	}
	return b.String()
}

// resolveTab accepts a tab id or a 1-based tab number.
func resolveTab(snap *tabaudio.Snapshot, arg string) (tabaudio.TabRef, error) {
	if rec, ok := snap.Lookup(tabaudio.TabRef(arg)); ok {
		return rec.Tab, nil
	}
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= snap.Len() {
		return snap.At(n - 1).Tab, nil
	}
	return "", tabaudio.NewError(tabaudio.CodeTabNotFound, "no tab "+strconv.Quote(arg), nil)
}

// parsePercent converts a 0-100 volume argument to the [0, 1] scale.
// Out of range values are clamped later by the registry.
func parsePercent(arg string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(arg), "%"), 64)
	if err != nil || math.IsNaN(v) {
		return 0, tabaudio.NewError(tabaudio.CodeValidation, "volume must be a number between 0 and 100", err)
	}
	return v / 100, nil
}
