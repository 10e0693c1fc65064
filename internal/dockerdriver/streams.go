package dockerdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// AttachLogs streams dockerID's stdout/stderr as individual chunks. It is
// the only producer of console events for a container (spec.md §4.4). The
// returned channel is closed when the stream ends, whether from ctx
// cancellation, the container exiting, or a read error — the caller
// (runtimesupervisor) is responsible for deciding whether and how to
// reconnect, per spec.md §4.4's "callers are responsible for rate-limiting
// reconnects ... exponential backoff".
func (c *Client) AttachLogs(ctx context.Context, dockerID string) (<-chan string, error) {
	reader, err := c.sdk.ContainerLogs(ctx, dockerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach logs for container %q: %w", shortID(dockerID), err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer reader.Close()

		pr, pw := io.Pipe()
		go func() {
			_, copyErr := stdcopy.StdCopy(pw, pw, reader)
			pw.CloseWithError(copyErr)
		}()

		buf := make([]byte, 4096)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- string(chunk):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return out, nil
}

// dockerStatsRead mirrors the subset of the Docker Engine API's stats JSON
// response this driver needs, avoiding a dependency on the SDK's full (and
// much larger) container.StatsResponse decode path for fields we discard.
type dockerStatsRead struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
	BlkioStats struct {
		IoServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
}

// AttachStats streams sampled stats at Docker's native ~1 Hz cadence
// (spec.md §4.4). It is the only producer of stats events for a container.
// Channel lifecycle mirrors AttachLogs.
func (c *Client) AttachStats(ctx context.Context, dockerID string) (<-chan StatsSample, error) {
	resp, err := c.sdk.ContainerStats(ctx, dockerID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to attach stats for container %q: %w", shortID(dockerID), err)
	}

	out := make(chan StatsSample, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var raw dockerStatsRead
			if err := decoder.Decode(&raw); err != nil {
				return
			}

			sample := StatsSample{
				MemoryUsage: raw.MemoryStats.Usage,
				MemoryLimit: raw.MemoryStats.Limit,
				CPUUsage:    cpuPercent(raw),
			}
			for _, net := range raw.Networks {
				sample.NetworkRx += net.RxBytes
				sample.NetworkTx += net.TxBytes
			}
			for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
				switch entry.Op {
				case "read", "Read":
					sample.BlockRead += entry.Value
				case "write", "Write":
					sample.BlockWrite += entry.Value
				}
			}

			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// cpuPercent computes the delta in container CPU ticks over the delta in
// system CPU ticks, times 100. Unlike the Docker CLI's formula it is not
// multiplied by the online-CPU count, so the result is the container's
// share of total host CPU time (0-100).
func cpuPercent(raw dockerStatsRead) float32 {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemCPUUsage) - float64(raw.PreCPUStats.SystemCPUUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	return float32(cpuDelta / systemDelta * 100.0)
}
