package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func partitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Partition registry lookups",
	}
	cmd.AddCommand(partitionResolveCmd())
	return cmd
}

func partitionResolveCmd() *cobra.Command {
	var invalidate bool
	cmd := &cobra.Command{
		Use:   "resolve <tenant-id>",
		Short: "Show the partition a tenant resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if invalidate {
				if err := a.Partitions.Invalidate(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			start := time.Now()
			entry, err := a.Partitions.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			handle, err := entry.Handle()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant:    %s\n", entry.TenantID)
			fmt.Fprintf(cmd.OutOrStdout(), "Partition: %s\n", handle.Name())
			fmt.Fprintf(cmd.OutOrStdout(), "Active:    %t\n", entry.Active)
			fmt.Fprintf(cmd.OutOrStdout(), "Lookup:    %s\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&invalidate, "invalidate", false, "Drop cached entries before resolving")
	return cmd
}
