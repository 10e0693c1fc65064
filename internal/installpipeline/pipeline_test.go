package installpipeline_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/installpipeline"
	"github.com/pkglat/lightd/internal/iptables"
	"github.com/pkglat/lightd/internal/keyedmutex"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
	"github.com/pkglat/lightd/internal/store"
)

type fakeLogSink struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newFakeLogSink() *fakeLogSink {
	return &fakeLogSink{lines: make(map[string][]string)}
}

func (f *fakeLogSink) AppendInstallLog(internalID, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[internalID] = append(f.lines[internalID], line)
	return nil
}

func newTestPipeline(t *testing.T) (*installpipeline.Pipeline, *containerstore.Store, *portpool.Pool, *dockerdriver.Fake) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backing, err := store.Open(filepath.Join(t.TempDir(), "db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	containers := containerstore.New(backing, logger)
	pool := portpool.New(backing, iptables.NewFake(), logger)
	driver := dockerdriver.NewFake()
	hubs := eventbus.NewRegistry(64, 16)
	logs := newFakeLogSink()

	base := t.TempDir()
	pipeline := installpipeline.New(containers, pool, driver, hubs, logs, 5*time.Second, "lightd-net",
		filepath.Join(base, "volumes"), filepath.Join(base, "scratch"), keyedmutex.New())

	return pipeline, containers, pool, driver
}

func TestInstallHappyPath(t *testing.T) {
	pipeline, containers, pool, driver := newTestPipeline(t)

	_, err := pool.Add("10.0.0.5", 25565, models.ProtoTCP)
	require.NoError(t, err)

	record := &models.ContainerRecord{
		InternalID:     "container-1",
		Image:          "alpine:3.19",
		StartupCommand: "java -jar server.jar",
		Ports: []models.PortBinding{
			{IP: "10.0.0.5", Port: 25565, Protocol: models.ProtoTCP},
		},
		InstallState: models.InstallInstalling,
	}
	require.NoError(t, containers.Put(record))

	require.NoError(t, pipeline.Install(context.Background(), "container-1"))

	got, err := containers.Get("container-1")
	require.NoError(t, err)
	require.Equal(t, models.InstallReady, got.InstallState)
	require.NotEmpty(t, got.DockerID)

	running, err := driver.IsRunning(context.Background(), got.DockerID)
	require.NoError(t, err)
	require.False(t, running)
}

func TestInstallFailsWhenPortUnavailable(t *testing.T) {
	pipeline, containers, _, _ := newTestPipeline(t)

	record := &models.ContainerRecord{
		InternalID: "container-2",
		Image:      "alpine:3.19",
		Ports: []models.PortBinding{
			{IP: "10.0.0.5", Port: 9999, Protocol: models.ProtoTCP},
		},
		InstallState: models.InstallInstalling,
	}
	require.NoError(t, containers.Put(record))

	err := pipeline.Install(context.Background(), "container-2")
	require.Error(t, err)

	got, err := containers.Get("container-2")
	require.NoError(t, err)
	require.Equal(t, models.InstallFailed, got.InstallState)
}

// TestConcurrentInstallAndReinstallSerialize exercises SPEC_FULL.md §5's
// invariant that at most one install_state transition runs at a time for a
// given internal_id: a Reinstall fired while Install is still in flight must
// wait its turn rather than racing it.
func TestConcurrentInstallAndReinstallSerialize(t *testing.T) {
	pipeline, containers, pool, _ := newTestPipeline(t)

	_, err := pool.Add("10.0.0.6", 25566, models.ProtoTCP)
	require.NoError(t, err)

	record := &models.ContainerRecord{
		InternalID:     "container-3",
		Image:          "alpine:3.19",
		StartupCommand: "java -jar server.jar",
		Ports: []models.PortBinding{
			{IP: "10.0.0.6", Port: 25566, Protocol: models.ProtoTCP},
		},
		InstallState: models.InstallInstalling,
	}
	require.NoError(t, containers.Put(record))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- pipeline.Install(context.Background(), "container-3")
	}()
	go func() {
		defer wg.Done()
		errs <- pipeline.Reinstall(context.Background(), "container-3", nil, nil)
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := containers.Get("container-3")
	require.NoError(t, err)
	require.Equal(t, models.InstallReady, got.InstallState)
	require.NotEmpty(t, got.DockerID)
}
