package node

import (
	"context"
	"fmt"

	"github.com/dyluth/sidenode/internal/bus"
	"github.com/dyluth/sidenode/internal/config"
	"github.com/dyluth/sidenode/internal/docker"
	"github.com/dyluth/sidenode/internal/instance"
	"github.com/dyluth/sidenode/internal/plugin"
	"github.com/dyluth/sidenode/internal/supervisor"
)

// NewSpawner returns the spawner for the configured runtime mode and a
// function releasing its connections.
//
// In local mode subsystems run as goroutines of this process. In docker mode
// each runs in a container of runtime.image and exchanges messages through
// Redis lists.
func NewSpawner(ctx context.Context, cfg *config.NodeConfig, registry plugin.Registry) (supervisor.Spawner, func() error, error) {
	switch cfg.Runtime.Mode {
	case config.RuntimeLocal, "":
		return supervisor.NewLocalSpawner(registry), func() error { return nil }, nil

	case config.RuntimeDocker:
		client, err := bus.Dial(cfg.Storage.RedisURL, cfg.Instance)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Storage.RedisURL, err)
		}

		cli, err := docker.NewClient(ctx)
		if err != nil {
			client.Close()
			return nil, nil, err
		}

		taken, err := instance.CheckNameCollision(ctx, cli, cfg.Instance)
		if err == nil && taken {
			err = fmt.Errorf("instance %s already has running plugin containers", cfg.Instance)
		}
		if err != nil {
			cli.Close()
			client.Close()
			return nil, nil, err
		}

		launcher := supervisor.NewDockerLauncher(cli, cfg.Instance, cfg.Runtime.Image, cfg.Runtime.Network, cfg.Storage.RedisURL)
		cleanup := func() error {
			cli.Close()
			return client.Close()
		}
		return supervisor.NewRemoteSpawner(client, launcher), cleanup, nil
	}
	return nil, nil, fmt.Errorf("invalid runtime.mode: %s", cfg.Runtime.Mode)
}
