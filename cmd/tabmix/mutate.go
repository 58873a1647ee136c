package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

func newMuteCmd(use, short string, muted bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <tab>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTab(cmd, args[0], func(s *session, tab tabaudio.TabRef) (tabaudio.Record, error) {
				return s.reg.SetMuted(cmd.Context(), tab, muted)
			})
		},
	}
}

var volumeCmd = &cobra.Command{
	Use:   "volume <tab> <0-100>",
	Short: "Set the volume of a tab",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parsePercent(args[1])
		if err != nil {
			return err
		}
		return mutateTab(cmd, args[0], func(s *session, tab tabaudio.TabRef) (tabaudio.Record, error) {
			return s.reg.SetVolume(cmd.Context(), tab, v)
		})
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <tab>",
	Short: "Flip the muted flag of a tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateTab(cmd, args[0], func(s *session, tab tabaudio.TabRef) (tabaudio.Record, error) {
			return s.reg.ToggleMuted(cmd.Context(), tab)
		})
	},
}

func init() {
	rootCmd.AddCommand(
		newMuteCmd("mute", "Mute a tab", true),
		newMuteCmd("unmute", "Unmute a tab", false),
		toggleCmd,
		volumeCmd,
	)
}

// mutateTab refreshes once, resolves the tab argument and applies fn.
func mutateTab(cmd *cobra.Command, arg string, fn func(*session, tabaudio.TabRef) (tabaudio.Record, error)) error {
	s, err := openSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.reg.Refresh(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tabs: %w", err)
	}
	tab, err := resolveTab(snap, arg)
	if err != nil {
		return err
	}
	rec, err := fn(s, tab)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatRecord(rec, false))
	return nil
}
