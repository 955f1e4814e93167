package main

import (
	"context"

	"github.com/l0p7/ledgerlens/internal/config"
)

// configLoader is the part of config.Loader the commands depend on. Tests
// swap it through newConfigLoader.
type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchGateways(ctx context.Context, cfg config.Config, onChange func(config.GatewayBundle), onError func(error)) (gatewayWatcher, error)
}

type gatewayWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}
