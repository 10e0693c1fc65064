package dockerdriver

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/docker/docker/api/types/container"
)

// WriteFile writes content into dockerID at path, with the given file
// mode, via Docker's CopyToContainer API. Used to provision entrypoint.sh
// and install.sh into a freshly created container's /app/data (spec.md
// §4.5 step 4: "via file-copy API"). CopyToContainer takes a tar stream
// rather than a single file, so a one-entry archive is built in memory.
func (c *Client) WriteFile(ctx context.Context, dockerID, filePath string, mode int64, content []byte) error {
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: path.Base(filePath),
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := writer.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %q: %w", filePath, err)
	}
	if _, err := writer.Write(content); err != nil {
		return fmt.Errorf("failed to write tar body for %q: %w", filePath, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close tar archive for %q: %w", filePath, err)
	}

	err := c.sdk.CopyToContainer(ctx, dockerID, path.Dir(filePath), &buf, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy %q into container %q: %w", filePath, shortID(dockerID), err)
	}
	return nil
}
