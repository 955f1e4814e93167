package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/discovery"
)

var errContentUnavailable = errors.New("content unavailable")

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "resolve <identifier>",
		Short: "Resolve an off-chain content identifier through the gateway chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			payload := a.svc.ResolveContent(cmd.Context(), args[0], content.Payload{})
			if err := writeOutput(cmd.OutOrStdout(), output, payload); err != nil {
				return err
			}
			if payload.Fallback {
				return fmt.Errorf("resolve %s: %w", args[0], errContentUnavailable)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	return cmd
}

type discoverOutput struct {
	discovery.Result `yaml:",inline"`
	Stats            discovery.Stats `json:"stats" yaml:"stats"`
}

func newDiscoverCommand(opts *rootOptions) *cobra.Command {
	var (
		query   discovery.Query
		refresh bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the ledger for records matching a predicate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.svc.Discover(cmd.Context(), query, discovery.Options{ForceRefresh: refresh})
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), output, discoverOutput{Result: result, Stats: result.Stats()}); err != nil {
				return err
			}
			return result.Err()
		},
	}
	cmd.Flags().StringVar(&query.Predicate, "predicate", "", "boolean CEL expression over index and record")
	cmd.Flags().StringVar(&query.Stat, "stat", "", "numeric CEL expression summarised across matches")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore a cached result and rescan")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	_ = cmd.MarkFlagRequired("predicate")
	return cmd
}

func newInvalidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <scope>",
		Short: "Drop cached entries from a durable cache backing",
		Long: strings.TrimSpace(`
Drop cached entries. Scope is one of:
  all            every cached entry
  discovery      cached discovery results
  records        cached record states, the remembered ledger bound and
                 every discovery result built from them
  contents       cached content payloads
  record:<n>     one cached record state
  content:<id>   one content identifier`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.svc.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
			return nil
		},
	}
}
