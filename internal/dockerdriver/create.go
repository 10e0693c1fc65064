package dockerdriver

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pkglat/lightd/internal/models"
)

// Create builds a Docker container from spec: the volume root is always
// bind-mounted at /home/container, the scratch root at /app/data (spec.md
// §4.4/§6). Platform selection is left to the daemon's native architecture
// (nil *v1.Platform) — the image-spec type is named explicitly here so a
// future per-record platform override has a typed home.
func (c *Client) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateTimeout)
	defer cancel()

	if err := c.pullImageIfNotPresent(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("failed to pull image %q: %w", spec.Image, err)
	}

	exposed, bindings, err := translatePorts(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("failed to translate port bindings: %w", err)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		ExposedPorts: exposed,
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: spec.VolumeHostDir, Target: "/home/container", ReadOnly: false},
		{Type: mount.TypeBind, Source: spec.ScratchHostDir, Target: "/app/data", ReadOnly: false},
	}

	hostConfig := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: int64(spec.Limits.CPUCores * 1e9),
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}

	var networkingConfig *network.NetworkingConfig
	if spec.Network != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	var platform *v1.Platform

	resp, err := c.sdk.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, platform, spec.ContainerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container %q: %w", spec.ContainerName, err)
	}

	c.logger.Info("container created", "container_id", shortID(resp.ID), "name", spec.ContainerName)
	return resp.ID, nil
}

// translatePorts converts models.PortBinding entries into the SDK's
// nat.PortSet/nat.PortMap pair via docker/go-connections/nat, the same
// helper the Engine CLI itself uses for -p flag parsing.
func translatePorts(bindings []models.PortBinding) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet, len(bindings))
	portMap := make(nat.PortMap, len(bindings))

	for _, binding := range bindings {
		port, err := nat.NewPort(protoString(binding.Protocol), fmt.Sprintf("%d", binding.Port))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port binding %d/%s: %w", binding.Port, binding.Protocol, err)
		}
		exposed[port] = struct{}{}
		portMap[port] = []nat.PortBinding{{HostIP: binding.IP, HostPort: fmt.Sprintf("%d", binding.Port)}}
	}
	return exposed, portMap, nil
}

func protoString(p models.Protocol) string {
	switch p {
	case models.ProtoUDP:
		return "udp"
	default:
		return "tcp"
	}
}

// pullImageIfNotPresent pulls ref unconditionally and drains the progress
// stream; the Docker daemon itself is responsible for skipping layers it
// already has cached. The stream must be fully consumed before
// ContainerCreate is safe to call, matching the teacher's docker package
// convention.
func (c *Client) pullImageIfNotPresent(ctx context.Context, ref string) error {
	reader, err := c.sdk.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read image pull stream for %q: %w", ref, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
