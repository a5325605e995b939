package docker

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/docker/client"

	"github.com/splax/launchpad/internal/domain"
)

// DialFunc opens a raw connection to the engine socket, typically tunnelled
// through the SSH session to the managed host.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a Docker client. When dial is nil the environment defaults
// (DOCKER_HOST) are used.
func New(dial DialFunc) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dial != nil {
		opts = append(opts,
			client.WithHost("http://docker"),
			client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx)
			}),
		)
	} else {
		opts = append(opts, client.FromEnv)
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping checks that the managed host's engine answers through the tunnel.
// Failures are remote execution errors: the SSH session or the daemon is down.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return domain.E(domain.KindConfiguration, "", "container engine client not initialised", nil)
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return domain.E(domain.KindRemoteExec, "", "container engine unreachable", err)
	}
	if ping.APIVersion == "" {
		return domain.E(domain.KindRemoteExec, "", "container engine returned no API version", nil)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
