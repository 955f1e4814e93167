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
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags every subcommand bootstraps from.
type rootOptions struct {
	configFile string
	envPrefix  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "ledgerlens",
		Short:         "Resolve ledger record content and discover records by predicate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "LEDGERLENS", "environment variable prefix")

	root.AddCommand(
		newServeCommand(opts),
		newResolveCommand(opts),
		newDiscoverCommand(opts),
		newInvalidateCommand(opts),
	)
	return root
}
