package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func overflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overflow",
		Short: "Audit overflow queue",
	}
	cmd.AddCommand(overflowStatusCmd(), overflowReplayCmd())
	return cmd
}

func overflowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show entries waiting in the overflow queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Overflow.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending\n", a.Overflow.Path(), n)
			return nil
		},
	}
}

func overflowReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay diverted entries into the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Audit.Replay(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d entries\n", n)
			return err
		},
	}
}
