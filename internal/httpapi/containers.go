package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/installpipeline"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
	"github.com/pkglat/lightd/internal/runtimesupervisor"
)

type containerHandler struct {
	containers *containerstore.Store
	pipeline   *installpipeline.Pipeline
	supervisor *runtimesupervisor.Supervisor
	driver     dockerdriver.Driver
	ports      *portpool.Pool
	hubs       *eventbus.Registry
	rebind     runtimesupervisor.RebindDeps
	logger     *slog.Logger
}

// createContainerRequest is the shape spec.md §6 assigns to POST
// /containers.
type createContainerRequest struct {
	InternalID     string               `json:"internal_id"`
	Image          string               `json:"image"`
	VolumeID       string               `json:"volume_id"`
	StartupCommand string               `json:"startup_command"`
	StartPattern   string               `json:"start_pattern,omitempty"`
	Ports          []models.PortBinding `json:"ports"`
	Limits         models.Limits        `json:"limits,omitempty"`
	Mounts         map[string]string    `json:"mount,omitempty"`
	InstallScript  string               `json:"install_script,omitempty"`
}

// Create handles POST /containers: it persists a new record in the
// installing state and kicks off InstallPipeline asynchronously, matching
// spec.md §6's "202-style response" — the caller gets internal_id back
// immediately and watches install progress over the WebSocket.
func (h *containerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed request body"), h.logger)
		return
	}
	if req.InternalID == "" || req.Image == "" {
		writeError(w, apierr.New(apierr.BadRequest, "internal_id and image are required"), h.logger)
		return
	}
	for path := range req.Mounts {
		if err := validateVolumePath(path); err != nil {
			writeError(w, err, h.logger)
			return
		}
	}

	if _, err := h.containers.Get(req.InternalID); err == nil {
		writeError(w, apierr.New(apierr.Conflict, "internal_id already exists"), h.logger)
		return
	}

	record := &models.ContainerRecord{
		InternalID:     req.InternalID,
		Image:          req.Image,
		VolumeID:       req.VolumeID,
		StartupCommand: req.StartupCommand,
		StartPattern:   req.StartPattern,
		Ports:          req.Ports,
		Limits:         req.Limits,
		Mounts:         req.Mounts,
		InstallScript:  req.InstallScript,
		InstallState:   models.InstallInstalling,
		RuntimeState:   models.RuntimeStopped,
	}
	if err := h.containers.Put(record); err != nil {
		writeError(w, err, h.logger)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := h.pipeline.Install(ctx, record.InternalID); err != nil {
			h.logger.Error("install pipeline failed", "internal_id", record.InternalID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":     "install started",
		"internal_id": record.InternalID,
		"state":       string(models.InstallInstalling),
	})
}

// List handles GET /containers.
func (h *containerHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.containers.List()
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []*models.ContainerRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Get handles GET /containers/:id.
func (h *containerHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.containers.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Delete handles DELETE /containers/:id: removes the Docker container,
// releases every port the record holds, then drops the record.
func (h *containerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "id")
	record, err := h.containers.Get(internalID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	if record.RuntimeState == models.RuntimeRunning || record.RuntimeState == models.RuntimeStarting {
		if err := h.supervisor.Kill(r.Context(), internalID); err != nil {
			writeError(w, err, h.logger)
			return
		}
	}

	if record.DockerID != "" {
		if err := h.driver.Remove(r.Context(), record.DockerID); err != nil {
			writeError(w, apierr.Wrap(apierr.DockerError, "failed to remove container", err), h.logger)
			return
		}
	}

	for _, port := range record.Ports {
		_ = h.ports.Release(port.IP, port.Port, port.Protocol)
	}

	if err := h.containers.Delete(internalID); err != nil {
		writeError(w, err, h.logger)
		return
	}
	h.hubs.Drop(internalID)
	h.supervisor.DropPattern(internalID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted", "internal_id": internalID})
}

// History handles GET /containers/:id/history (SPEC_FULL.md §5).
func (h *containerHandler) History(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "id")
	if _, err := h.containers.Get(internalID); err != nil {
		writeError(w, err, h.logger)
		return
	}
	entries, err := h.containers.History(internalID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Start handles POST /containers/:id/start.
func (h *containerHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.runtimeAction(w, r, h.supervisor.Start)
}

// Kill handles POST /containers/:id/kill.
func (h *containerHandler) Kill(w http.ResponseWriter, r *http.Request) {
	h.runtimeAction(w, r, h.supervisor.Kill)
}

// Restart handles POST /containers/:id/restart.
func (h *containerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.runtimeAction(w, r, h.supervisor.Restart)
}

func (h *containerHandler) runtimeAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	internalID := chi.URLParam(r, "id")
	if err := action(r.Context(), internalID); err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok", "internal_id": internalID})
}

type reinstallRequest struct {
	Image         *string `json:"image,omitempty"`
	InstallScript *string `json:"install_script,omitempty"`
}

// Reinstall handles POST /containers/:id/reinstall.
func (h *containerHandler) Reinstall(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "id")
	var req reinstallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.BadRequest, "malformed request body"), h.logger)
			return
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := h.pipeline.Reinstall(ctx, internalID, req.Image, req.InstallScript); err != nil {
			h.logger.Error("reinstall failed", "internal_id", internalID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":     "reinstall started",
		"internal_id": internalID,
	})
}

type rebindNetworkRequest struct {
	Ports []models.PortBinding `json:"ports"`
}

// RebindNetwork handles POST /containers/:id/rebind-network.
func (h *containerHandler) RebindNetwork(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "id")
	var req rebindNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed request body"), h.logger)
		return
	}

	if err := h.supervisor.Rebind(r.Context(), internalID, req.Ports, h.rebind); err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "rebind complete", "internal_id": internalID})
}
