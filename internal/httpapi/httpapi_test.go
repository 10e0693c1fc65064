package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkglat/lightd/internal/auth"
	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/httpapi"
	"github.com/pkglat/lightd/internal/installpipeline"
	"github.com/pkglat/lightd/internal/iptables"
	"github.com/pkglat/lightd/internal/keyedmutex"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
	"github.com/pkglat/lightd/internal/runtimesupervisor"
	"github.com/pkglat/lightd/internal/store"
	"github.com/pkglat/lightd/internal/wsgateway"
)

const (
	testToken  = "lightd_s3cret"
	testAccept = "Application/vnd.pkglatv1+json"
)

type noopRuntime struct{}

func (noopRuntime) SendCommand(internalID string, data []byte) error { return nil }
func (noopRuntime) Power(internalID, action string) error            { return nil }

func newTestRouter(t *testing.T) (http.Handler, *containerstore.Store, *portpool.Pool, *dockerdriver.Fake) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backing, err := store.Open(filepath.Join(t.TempDir(), "db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	containers := containerstore.New(backing, logger)
	pool := portpool.New(backing, iptables.NewFake(), logger)
	driver := dockerdriver.NewFake()
	hubs := eventbus.NewRegistry(64, 16)
	logs := installpipeline.NewFileLogSink(t.TempDir())
	t.Cleanup(func() { logs.Close() })

	locks := keyedmutex.New()
	pipeline := installpipeline.New(containers, pool, driver, hubs, logs, 10*time.Second, "lightd-test", t.TempDir(), t.TempDir(), locks)
	supervisor := runtimesupervisor.New(containers, pool, driver, hubs, locks, 4, logger)
	t.Cleanup(supervisor.Stop)

	validator := auth.New("s3cret", testAccept)
	gateway := wsgateway.New(hubs, validator, noopRuntime{}, logger)

	router := httpapi.New(httpapi.Dependencies{
		Containers: containers,
		Ports:      pool,
		Pipeline:   pipeline,
		Supervisor: supervisor,
		Driver:     driver,
		Hubs:       hubs,
		Gateway:    gateway,
		Validator:  validator,
		Logger:     logger,
	})
	return router, containers, pool, driver
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Accept", testAccept)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthRequiresNoAuth(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListContainersRejectsMissingToken(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/containers", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListContainersRejectsMissingVendorHeader(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/containers", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateContainerStartsInstallAndListsIt(t *testing.T) {
	router, containers, _, _ := newTestRouter(t)

	body, err := json.Marshal(map[string]any{
		"internal_id":     "web1",
		"image":           "alpine:3.19",
		"volume_id":       "vol1",
		"startup_command": "java -jar server.jar",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/containers", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		record, err := containers.Get("web1")
		return err == nil && record.InstallState == models.InstallReady
	}, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/containers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var records []*models.ContainerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
}

func TestCreateContainerRejectsDuplicateInternalID(t *testing.T) {
	router, containers, _, _ := newTestRouter(t)
	require.NoError(t, containers.Put(&models.ContainerRecord{
		InternalID:   "dup",
		InstallState: models.InstallReady,
		RuntimeState: models.RuntimeStopped,
	}))

	body, _ := json.Marshal(map[string]any{"internal_id": "dup", "image": "alpine:3.19"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/containers", body))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownContainerReturns404(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/containers/ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartThenKillLifecycle(t *testing.T) {
	router, containers, _, driver := newTestRouter(t)

	dockerID, err := driver.Create(context.Background(), dockerdriver.CreateSpec{Image: "alpine:3.19"})
	require.NoError(t, err)
	require.NoError(t, containers.Put(&models.ContainerRecord{
		InternalID:   "svc",
		DockerID:     dockerID,
		InstallState: models.InstallReady,
		RuntimeState: models.RuntimeStopped,
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/containers/svc/start", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		record, err := containers.Get("svc")
		return err == nil && record.RuntimeState == models.RuntimeRunning
	}, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/containers/svc/kill", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := containers.Get("svc")
	require.NoError(t, err)
	require.Equal(t, models.RuntimeExited, record.RuntimeState)
}

func TestDeleteContainerReleasesPorts(t *testing.T) {
	router, containers, pool, driver := newTestRouter(t)

	dockerID, err := driver.Create(context.Background(), dockerdriver.CreateSpec{Image: "alpine:3.19"})
	require.NoError(t, err)
	_, err = pool.Add("10.0.0.1", 4000, models.ProtoTCP)
	require.NoError(t, err)
	_, err = pool.Reserve("10.0.0.1", 4000, models.ProtoTCP)
	require.NoError(t, err)

	require.NoError(t, containers.Put(&models.ContainerRecord{
		InternalID:   "todelete",
		DockerID:     dockerID,
		InstallState: models.InstallReady,
		RuntimeState: models.RuntimeStopped,
		Ports:        []models.PortBinding{{IP: "10.0.0.1", Port: 4000, Protocol: models.ProtoTCP}},
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodDelete, "/containers/todelete", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = containers.Get("todelete")
	require.Error(t, err)

	entries, err := pool.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].InUse)

	// The fake driver forgets a container's id once Remove is called;
	// Start on it afterward fails with "unknown container", which is the
	// only externally observable signal that Remove actually ran.
	require.Error(t, driver.Start(context.Background(), dockerID))
}

func TestHistoryEndpointReturnsTransitions(t *testing.T) {
	router, containers, _, _ := newTestRouter(t)
	require.NoError(t, containers.Put(&models.ContainerRecord{
		InternalID:   "tracked",
		InstallState: models.InstallInstalling,
		RuntimeState: models.RuntimeStopped,
	}))
	require.NoError(t, containers.Mutate("tracked", func(r *models.ContainerRecord) error {
		r.InstallState = models.InstallReady
		return nil
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/containers/tracked/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []containerstore.Transition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
}

func TestNetworkPortsAddListAndBulkDelete(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{"ip": "10.0.0.2", "port": 5000, "protocol": "tcp"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/network/ports", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/network/ports", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.PortPoolEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)

	bulkBody, _ := json.Marshal(map[string]any{
		"targets": []map[string]any{{"ip": "10.0.0.2", "port": 5000, "protocol": "tcp"}},
	})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/network/ports/bulk-delete", bulkBody))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/network/ports", nil))
	var after []models.PortPoolEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	require.Len(t, after, 0)
}
