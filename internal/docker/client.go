// Package docker wraps the Docker daemon connection used by the docker
// runtime, and the labels that tie subsystem containers to an instance.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// NewClient connects to the daemon configured by the DOCKER_* environment,
// adjusted by opts, and pings it. A missing daemon fails at startup rather
// than on first spawn.
func NewClient(ctx context.Context, opts ...client.Opt) (*client.Client, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

runtime.mode "docker" needs a running daemon. Start it, or set
runtime.mode: local in sidenode.yml`, err)
	}

	return cli, nil
}
