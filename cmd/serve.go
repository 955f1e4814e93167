package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/l0p7/ledgerlens/internal/config"
	"github.com/l0p7/ledgerlens/internal/server"
)

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the content, discovery and invalidation API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, logOut io.Writer) error {
	a, err := bootstrap(ctx, opts, logOut)
	if err != nil {
		return err
	}
	defer a.close()

	a.store.StartSweeper(a.cfg.Cache.SweepInterval)

	if a.cfg.Gateways.File != "" {
		watcher, err := a.loader.WatchGateways(ctx, a.cfg, func(bundle config.GatewayBundle) {
			if err := a.svc.UpdateGateways(bundle); err != nil {
				a.logger.Error("gateway reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				a.logger.Error("gateways watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			a.logger.Error("gateways watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(a.svc, a.logger, a.recorder.Handler())
	srv, err := newHTTPServer(a.cfg, a.logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	a.logger.Info("server shutdown complete")
	return nil
}
