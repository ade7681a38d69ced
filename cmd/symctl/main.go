package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, a := newRootCommand()
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "symctl",
		Short:         "Mirror vendor OS artifacts and publish their debug symbols",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to the settings file (default symmirror.yaml when present)")
	cmd.PersistentFlags().StringVar(&a.storeURI, "store", "", "Store URI such as s3://bucket/prefix (overrides the settings file)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log verbosity: debug, info, warn or error")

	cmd.AddCommand(newSyncCommand(a))
	cmd.AddCommand(newMirrorCommand(a))
	cmd.AddCommand(newSimulatorCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	cmd.AddCommand(newQueryCommand(a))
	return cmd, a
}
