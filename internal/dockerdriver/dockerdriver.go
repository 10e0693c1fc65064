// Package dockerdriver wraps the Docker Engine SDK behind the capability
// interface spec.md §4.4 and §9 describe ("abstract behind a capability
// interface... tests substitute an in-memory fake"). It generalizes the
// teacher's docker/client.go, docker/builder.go, and docker/nginx.go: one
// Docker SDK client wrapped with a logger, used to create/start/kill/
// remove containers and to stream their logs and stats, instead of the
// teacher's single nginx-serving-container shape.
package dockerdriver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	dockersdk "github.com/docker/docker/client"

	"github.com/pkglat/lightd/internal/models"
)

// Timeouts spec.md §4.4 assigns to each operation. ExecScript's is
// configurable (config.InstallScriptTimeoutSeconds); AttachLogs/AttachStats
// are long-lived streams with no fixed deadline, canceled via their own
// context instead.
const (
	CreateTimeout  = 60 * time.Second
	RemoveTimeout  = 30 * time.Second
	StartTimeout   = 30 * time.Second
	KillTimeout    = 10 * time.Second
	RestartTimeout = 30 * time.Second
)

// CreateSpec is everything Create needs to translate a models.ContainerRecord
// into a Docker container. The spec always mounts the volume root at
// /home/container and provisions /app/data for entrypoint.sh (spec.md §4.4).
type CreateSpec struct {
	ContainerName  string
	Image          string
	Ports          []models.PortBinding
	Limits         models.Limits
	VolumeHostDir  string
	ScratchHostDir string
	Network        string
}

// StatsSample is one sampled reading from AttachStats, translated from the
// Docker SDK's raw stats JSON into the fields eventbus.StatsPayload needs.
type StatsSample struct {
	CPUUsage    float32
	MemoryUsage uint64
	MemoryLimit uint64
	NetworkRx   uint64
	NetworkTx   uint64
	BlockRead   uint64
	BlockWrite  uint64
}

// Driver is the capability interface every higher-level package
// (installpipeline, runtimesupervisor) depends on. The real *Client and the
// in-memory *Fake both satisfy it.
type Driver interface {
	Create(ctx context.Context, spec CreateSpec) (dockerID string, err error)
	Remove(ctx context.Context, dockerID string) error
	Start(ctx context.Context, dockerID string) error
	Kill(ctx context.Context, dockerID string) error
	Restart(ctx context.Context, dockerID string) error
	WriteFile(ctx context.Context, dockerID, path string, mode int64, content []byte) error
	ExecScript(ctx context.Context, dockerID, scriptPath string, timeout time.Duration) (exitCode int, output []byte, err error)
	AttachLogs(ctx context.Context, dockerID string) (<-chan string, error)
	AttachStats(ctx context.Context, dockerID string) (<-chan StatsSample, error)
	IsRunning(ctx context.Context, dockerID string) (bool, error)
	// SendInput writes data to dockerID's stdin, the transport for
	// RuntimeSupervisor.send_command (spec.md §4.6).
	SendInput(ctx context.Context, dockerID string, data []byte) error
}

// Client wraps the Docker SDK client with a logger. All Docker SDK calls
// are isolated to this package, matching the teacher's docker package
// comment: "if the Docker interaction strategy changes, only this package
// changes."
type Client struct {
	sdk    *dockersdk.Client
	logger *slog.Logger
}

// NewClient connects to the Docker daemon (respecting $DOCKER_HOST when
// set, the local Unix socket otherwise) and pings it to verify the
// connection before returning. A failure here should be treated as fatal
// by the caller — the daemon cannot function without Docker.
func NewClient(dockerHost string, logger *slog.Logger) (*Client, error) {
	opts := []dockersdk.Opt{dockersdk.FromEnv, dockersdk.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, dockersdk.WithHost(dockerHost))
	}

	sdk, err := dockersdk.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker sdk client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sdk.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping docker daemon: %w", err)
	}

	return &Client{sdk: sdk, logger: logger}, nil
}

// Close releases the underlying SDK client's connection.
func (c *Client) Close() error {
	return c.sdk.Close()
}

var _ io.Closer = (*Client)(nil)
