// Package main is the entrypoint for the Google Chat relay.
// The relay holds a single long-polling channel against the Chat
// backend, decodes the event stream, and fans deliveries out through
// per-conversation queues.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/averla/gchatstream/internal/config"
	"github.com/averla/gchatstream/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:               "relay",
		PortFromConfig:     func(cfg *config.Config) int { return cfg.Server.HTTPPort },
		GRPCPortFromConfig: func(cfg *config.Config) int { return cfg.Server.GRPCPort },
		Setup:              setup,
	}, server.Listeners{})
}
