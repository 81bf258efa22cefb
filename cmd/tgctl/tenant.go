package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tenantguard/internal/app"
	"tenantguard/internal/tenant/models"
	tenantservice "tenantguard/internal/tenant/service"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant lifecycle",
	}
	cmd.AddCommand(
		tenantProvisionCmd(),
		tenantRenameCmd(),
		tenantStatusCmd("deactivate", "Deactivate a tenant", func(ctx context.Context, a *app.App, id string) (*models.Tenant, error) {
			actor, err := operator()
			if err != nil {
				return nil, err
			}
			return a.Tenants.Deactivate(ctx, actor, id)
		}),
		tenantStatusCmd("reactivate", "Reactivate a tenant", func(ctx context.Context, a *app.App, id string) (*models.Tenant, error) {
			actor, err := operator()
			if err != nil {
				return nil, err
			}
			return a.Tenants.Reactivate(ctx, actor, id)
		}),
		tenantListCmd(),
	)
	return cmd
}

func tenantProvisionCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "provision <slug>",
		Short: "Create a tenant and freeze its partition name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := operator()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.Tenants.Provision(cmd.Context(), actor, tenantservice.ProvisionRequest{ID: id, Slug: args[0]})
			if err != nil {
				return err
			}
			printTenants(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Tenant id (generated when empty)")
	return cmd
}

func tenantRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <tenant-id> <slug>",
		Short: "Change a tenant's slug; the partition name is kept",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := operator()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.Tenants.RenameSlug(cmd.Context(), actor, args[0], args[1])
			if err != nil {
				return err
			}
			printTenants(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func tenantStatusCmd(use, short string, apply func(ctx context.Context, a *app.App, id string) (*models.Tenant, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <tenant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := apply(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			printTenants(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			tenants, err := a.Tenants.List(cmd.Context())
			if err != nil {
				return err
			}
			printTenants(cmd.OutOrStdout(), tenants...)
			return nil
		},
	}
}

func printTenants(out io.Writer, tenants ...*models.Tenant) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tPARTITION\tSTATUS")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Slug, t.Partition, t.Status)
	}
	w.Flush()
}
