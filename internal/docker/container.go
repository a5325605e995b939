package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/splax/launchpad/internal/domain"
)

// RunSpec describes a container launch.
type RunSpec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
}

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// State is the observed state of a container.
type State struct {
	Running bool
	Status  string
}

// RunContainer creates and starts a container publishing one port, restarted
// by the engine unless explicitly stopped.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	internal, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container port: %w", err)
	}
	ports := nat.PortMap{
		internal: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
	}

	config := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{internal: struct{}{}},
		Labels:       map[string]string{"launchpad.managed": "true"},
	}
	hostCfg := &container.HostConfig{
		PortBindings: ports,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(context.WithoutCancel(ctx), r.ID, container.RemoveOptions{Force: true})
		if IsPortConflict(err.Error()) {
			return ContainerInfo{}, fmt.Errorf("container start: %w: %v", ErrPortInUse, err)
		}
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}
	return ContainerInfo{ID: r.ID, PortBinding: ports}, nil
}

// Inspect returns the state of a container by name or id.
func (c *Client) Inspect(ctx context.Context, name string) (State, error) {
	var inspect types.ContainerJSON
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return State{}, nil
	}
	return State{Running: inspect.State.Running, Status: inspect.State.Status}, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RemoveImage deletes an image reference if present.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

// Logs returns the last tail lines of combined stdout and stderr.
func (c *Client) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	if tail <= 0 {
		tail = 100
	}
	rc, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	lines := make([]string, 0, tail)
	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("split container logs: %w", err)
	}
	return lines, nil
}

// StatusLine returns the engine's human readable status ("Up 3 minutes").
func (c *Client) StatusLine(ctx context.Context, name string) (string, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return "", fmt.Errorf("container list: %w", err)
	}
	if len(list) == 0 {
		return "", ErrNotFound
	}
	return list[0].Status, nil
}

// SystemStats summarises engine disk usage for administrators.
func (c *Client) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	usage, err := c.inner.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		return domain.SystemStats{}, fmt.Errorf("docker disk usage: %w", err)
	}
	stats := domain.SystemStats{
		Containers:  len(usage.Containers),
		Images:      len(usage.Images),
		CollectedAt: time.Now().UTC(),
	}
	for _, ctr := range usage.Containers {
		if ctr != nil && ctr.State == "running" {
			stats.RunningContainers++
		}
	}
	for _, img := range usage.Images {
		if img != nil {
			stats.ImagesSizeBytes += img.Size
		}
	}
	for _, vol := range usage.Volumes {
		if vol != nil && vol.UsageData != nil && vol.UsageData.Size > 0 {
			stats.VolumesSizeBytes += vol.UsageData.Size
		}
	}
	return stats, nil
}
