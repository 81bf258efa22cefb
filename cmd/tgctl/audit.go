package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tenantguard/internal/audit"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Review the isolation audit log",
	}
	cmd.AddCommand(auditViolationsCmd())
	return cmd
}

func auditViolationsCmd() *cobra.Command {
	var (
		tenantID string
		identity string
		since    time.Duration
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List denials and privileged cross-tenant overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			filter := audit.Filter{TenantID: tenantID, IdentityID: identity, Limit: limit}
			if since > 0 {
				filter.From = time.Now().Add(-since)
			}
			entries, err := a.Audit.Violations(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tIDENTITY\tROLE\tHOME\tTARGET\tOP\tENTITY\tALLOWED\tSOURCE\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.IdentityID, e.Role, e.HomeTenantID, e.TargetTenantID,
					e.Operation, e.EntityKind, e.Allowed, e.Source, e.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Home or target tenant")
	cmd.Flags().StringVar(&identity, "identity-id", "", "Acting identity")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Look back window (0 for all)")
	cmd.Flags().IntVar(&limit, "limit", audit.DefaultQueryLimit, "Maximum entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
