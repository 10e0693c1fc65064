package dockerdriver

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Remove force-removes dockerID (spec.md §4.4: "force-remove"). Removing an
// already-gone container is treated as success, matching the teacher's
// StopAndRemoveContainer "desired state already satisfied" convention.
func (c *Client) Remove(ctx context.Context, dockerID string) error {
	ctx, cancel := context.WithTimeout(ctx, RemoveTimeout)
	defer cancel()

	err := c.sdk.ContainerRemove(ctx, dockerID, container.RemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove container %q: %w", shortID(dockerID), err)
	}
	return nil
}

// Start transitions a created or stopped container into running.
func (c *Client) Start(ctx context.Context, dockerID string) error {
	ctx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()

	if err := c.sdk.ContainerStart(ctx, dockerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %q: %w", shortID(dockerID), err)
	}
	return nil
}

// Kill sends SIGKILL to dockerID (spec.md §4.4 default signal).
func (c *Client) Kill(ctx context.Context, dockerID string) error {
	ctx, cancel := context.WithTimeout(ctx, KillTimeout)
	defer cancel()

	if err := c.sdk.ContainerKill(ctx, dockerID, "SIGKILL"); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to kill container %q: %w", shortID(dockerID), err)
	}
	return nil
}

// Restart is a SIGKILL followed by a start, in one call (spec.md §4.6:
// "restart(internal_id): kill then start"). RuntimeSupervisor.Restart does
// not use it: it runs its own kill and start steps so it can publish the
// intermediate state events between them.
func (c *Client) Restart(ctx context.Context, dockerID string) error {
	ctx, cancel := context.WithTimeout(ctx, RestartTimeout)
	defer cancel()

	if err := c.sdk.ContainerKill(ctx, dockerID, "SIGKILL"); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to kill container %q during restart: %w", shortID(dockerID), err)
	}
	if err := c.sdk.ContainerStart(ctx, dockerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %q during restart: %w", shortID(dockerID), err)
	}
	return nil
}

// IsRunning reports whether dockerID's current state is "running", used by
// RuntimeSupervisor.start when no start_pattern is configured (spec.md §4.6:
// "publishes running immediately on Docker's own running report").
func (c *Client) IsRunning(ctx context.Context, dockerID string) (bool, error) {
	inspect, err := c.sdk.ContainerInspect(ctx, dockerID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %q: %w", shortID(dockerID), err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ExecScript runs scriptPath (already written into the container via
// WriteFile) as a one-shot exec, capturing combined stdout/stderr and
// returning the process's exit code (spec.md §4.4/§4.5 step 5).
func (c *Client) ExecScript(ctx context.Context, dockerID, scriptPath string, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCreate, err := c.sdk.ContainerExecCreate(ctx, dockerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", scriptPath},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, nil, fmt.Errorf("failed to create exec for %q: %w", scriptPath, err)
	}

	attach, err := c.sdk.ContainerExecAttach(ctx, execCreate.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, nil, fmt.Errorf("failed to attach exec for %q: %w", scriptPath, err)
	}
	defer attach.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attach.Reader); err != nil {
		return -1, output.Bytes(), fmt.Errorf("failed to read exec output for %q: %w", scriptPath, err)
	}

	inspect, err := c.sdk.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return -1, output.Bytes(), fmt.Errorf("failed to inspect exec result for %q: %w", scriptPath, err)
	}

	return inspect.ExitCode, output.Bytes(), nil
}

func isNotFound(err error) bool {
	return err != nil && (bytes.Contains([]byte(err.Error()), []byte("No such container")) ||
		bytes.Contains([]byte(err.Error()), []byte("not found")))
}
