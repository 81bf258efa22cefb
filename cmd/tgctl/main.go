// Command tgctl is the operator CLI for tenant lifecycle, partition lookups,
// audit overflow and violation review.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tenantguard/internal/app"
	"tenantguard/internal/platform/config"
	"tenantguard/internal/platform/logger"
	"tenantguard/internal/tenant/resolver"
)

var (
	configPath string
	identityID string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tgctl",
		Short:         "tenantguard operator CLI",
		Long:          "Manage tenants, inspect partitions and review the isolation audit log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TENANTGUARD_CONFIG"), "Config file")
	rootCmd.PersistentFlags().StringVar(&identityID, "identity", os.Getenv("USER"), "Operator identity recorded in the audit log")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")

	rootCmd.AddCommand(
		migrateCmd(),
		tenantCmd(),
		partitionCmd(),
		overflowCmd(),
		auditCmd(),
	)
	return rootCmd
}

// openApp builds the components a command runs against. Swappable so the
// commands can run on in-process stores.
var openApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger.New(logLevel, "text"))
}

// operator is the actor for lifecycle commands. The CLI acts as a
// privileged operator with no home tenant.
func operator() (resolver.TenantContext, error) {
	return resolver.NewTenantContext(identityID, resolver.RolePrivilegedOperator, "", "")
}
