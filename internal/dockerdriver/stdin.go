package dockerdriver

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
)

// SendInput writes data to dockerID's stdin stream via a short-lived
// attach, the transport `send_command` (spec.md §4.6) rides on. A fresh
// attach per call is simpler than keeping one long-lived writer pinned
// for the container's lifetime and is cheap relative to the command
// frequency this endpoint sees in practice.
func (c *Client) SendInput(ctx context.Context, dockerID string, data []byte) error {
	attach, err := c.sdk.ContainerAttach(ctx, dockerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach stdin for container %q: %w", shortID(dockerID), err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(data); err != nil {
		return fmt.Errorf("failed to write stdin for container %q: %w", shortID(dockerID), err)
	}
	return nil
}
