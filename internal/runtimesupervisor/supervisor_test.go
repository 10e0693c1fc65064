package runtimesupervisor_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/iptables"
	"github.com/pkglat/lightd/internal/keyedmutex"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
	"github.com/pkglat/lightd/internal/runtimesupervisor"
	"github.com/pkglat/lightd/internal/store"
)

func newTestSupervisor(t *testing.T) (*runtimesupervisor.Supervisor, *containerstore.Store, *portpool.Pool, *dockerdriver.Fake, *eventbus.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backing, err := store.Open(filepath.Join(t.TempDir(), "db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	containers := containerstore.New(backing, logger)
	pool := portpool.New(backing, iptables.NewFake(), logger)
	driver := dockerdriver.NewFake()
	hubs := eventbus.NewRegistry(64, 16)

	supervisor := runtimesupervisor.New(containers, pool, driver, hubs, keyedmutex.New(), 4, logger)
	t.Cleanup(supervisor.Stop)

	return supervisor, containers, pool, driver, hubs
}

func readyRecord(t *testing.T, containers *containerstore.Store, driver *dockerdriver.Fake, internalID string) *models.ContainerRecord {
	t.Helper()
	dockerID, err := driver.Create(context.Background(), dockerdriver.CreateSpec{Image: "alpine:3.19"})
	require.NoError(t, err)

	record := &models.ContainerRecord{
		InternalID:   internalID,
		DockerID:     dockerID,
		Image:        "alpine:3.19",
		InstallState: models.InstallReady,
		RuntimeState: models.RuntimeStopped,
	}
	require.NoError(t, containers.Put(record))
	return record
}

func TestStartWithoutPatternPublishesRunning(t *testing.T) {
	supervisor, containers, _, driver, hubs := newTestSupervisor(t)
	record := readyRecord(t, containers, driver, "c1")

	stream, unsubscribe := hubs.HubFor("c1").Subscribe()
	defer unsubscribe()

	require.NoError(t, supervisor.Start(context.Background(), "c1"))

	waitForStateLabel(t, stream, eventbus.StateStarting)
	waitForStateLabel(t, stream, eventbus.StateRunning)

	got, err := containers.Get(record.InternalID)
	require.NoError(t, err)
	require.Equal(t, models.RuntimeRunning, got.RuntimeState)
}

func TestStartIsIdempotentWhenAlreadyRunning(t *testing.T) {
	supervisor, containers, _, driver, _ := newTestSupervisor(t)
	readyRecord(t, containers, driver, "c2")

	require.NoError(t, supervisor.Start(context.Background(), "c2"))
	waitUntilRunning(t, containers, "c2")

	require.NoError(t, supervisor.Start(context.Background(), "c2"))
}

func TestStartRejectsWhenInstallNotReady(t *testing.T) {
	supervisor, containers, _, driver, _ := newTestSupervisor(t)
	dockerID, err := driver.Create(context.Background(), dockerdriver.CreateSpec{Image: "alpine:3.19"})
	require.NoError(t, err)

	require.NoError(t, containers.Put(&models.ContainerRecord{
		InternalID:   "c3",
		DockerID:     dockerID,
		InstallState: models.InstallInstalling,
		RuntimeState: models.RuntimeStopped,
	}))

	err = supervisor.Start(context.Background(), "c3")
	require.Error(t, err)
}

func TestKillTransitionsThroughStoppingToExit(t *testing.T) {
	supervisor, containers, _, driver, hubs := newTestSupervisor(t)
	readyRecord(t, containers, driver, "c4")

	require.NoError(t, supervisor.Start(context.Background(), "c4"))
	waitUntilRunning(t, containers, "c4")

	stream, unsubscribe := hubs.HubFor("c4").Subscribe()
	defer unsubscribe()

	require.NoError(t, supervisor.Kill(context.Background(), "c4"))

	waitForStateLabel(t, stream, eventbus.StateStopping)
	waitForStateLabel(t, stream, eventbus.StateExit)

	got, err := containers.Get("c4")
	require.NoError(t, err)
	require.Equal(t, models.RuntimeExited, got.RuntimeState)
}

func TestSendCommandRequiresRunning(t *testing.T) {
	supervisor, containers, _, driver, _ := newTestSupervisor(t)
	readyRecord(t, containers, driver, "c5")

	err := supervisor.SendCommand(context.Background(), "c5", []byte("stop\n"))
	require.Error(t, err)

	require.NoError(t, supervisor.Start(context.Background(), "c5"))
	waitUntilRunning(t, containers, "c5")

	require.NoError(t, supervisor.SendCommand(context.Background(), "c5", []byte("stop\n")))

	got, err := containers.Get("c5")
	require.NoError(t, err)
	history := driver.StdinHistory(got.DockerID)
	require.Len(t, history, 1)
	require.Equal(t, "stop\n", string(history[0]))
}

func TestRebindRejectedWhileInstalling(t *testing.T) {
	supervisor, containers, _, driver, _ := newTestSupervisor(t)
	dockerID, err := driver.Create(context.Background(), dockerdriver.CreateSpec{Image: "alpine:3.19"})
	require.NoError(t, err)

	require.NoError(t, containers.Put(&models.ContainerRecord{
		InternalID:   "c6",
		DockerID:     dockerID,
		InstallState: models.InstallInstalling,
		RuntimeState: models.RuntimeStopped,
	}))

	err = supervisor.Rebind(context.Background(), "c6", nil, runtimesupervisor.RebindDeps{})
	require.Error(t, err)
}

func TestRebindReplacesPortsAndRecreatesContainer(t *testing.T) {
	supervisor, containers, pool, driver, _ := newTestSupervisor(t)
	record := readyRecord(t, containers, driver, "c7")

	_, err := pool.Add("10.0.0.5", 1000, models.ProtoTCP)
	require.NoError(t, err)
	_, err = pool.Add("10.0.0.5", 2000, models.ProtoTCP)
	require.NoError(t, err)
	_, err = pool.Reserve("10.0.0.5", 1000, models.ProtoTCP)
	require.NoError(t, err)

	require.NoError(t, containers.Mutate(record.InternalID, func(r *models.ContainerRecord) error {
		r.Ports = []models.PortBinding{{IP: "10.0.0.5", Port: 1000, Protocol: models.ProtoTCP}}
		return nil
	}))

	newPorts := []models.PortBinding{{IP: "10.0.0.5", Port: 2000, Protocol: models.ProtoTCP}}
	err = supervisor.Rebind(context.Background(), record.InternalID, newPorts, runtimesupervisor.RebindDeps{
		VolumeHostDir:  t.TempDir(),
		ScratchHostDir: t.TempDir(),
	})
	require.NoError(t, err)

	got, err := containers.Get(record.InternalID)
	require.NoError(t, err)
	require.Equal(t, newPorts, got.Ports)
	require.NotEmpty(t, got.DockerID)
	require.NotEqual(t, record.DockerID, got.DockerID)
	require.False(t, got.Rebinding)

	entries, err := pool.List()
	require.NoError(t, err)
	for _, e := range entries {
		if e.Port == 1000 {
			require.False(t, e.InUse)
		}
		if e.Port == 2000 {
			require.True(t, e.InUse)
		}
	}
}

func waitForStateLabel(t *testing.T, stream <-chan eventbus.Event, want eventbus.StateLabel) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-stream:
			if event.Kind != eventbus.KindEvent {
				continue
			}
			var label string
			_ = jsonUnmarshalString(event.Data, &label)
			if eventbus.StateLabel(label) == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func waitUntilRunning(t *testing.T, containers *containerstore.Store, internalID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		record, err := containers.Get(internalID)
		require.NoError(t, err)
		if record.RuntimeState == models.RuntimeRunning {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %q to become running", internalID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func jsonUnmarshalString(data []byte, out *string) error {
	// event.Data is always a JSON string for the event kind; trims quotes
	// directly to avoid importing encoding/json into the test for this
	// single call site.
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		*out = string(data[1 : len(data)-1])
		return nil
	}
	*out = string(data)
	return nil
}
