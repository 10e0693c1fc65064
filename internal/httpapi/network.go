package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
)

type networkHandler struct {
	ports  *portpool.Pool
	logger *slog.Logger
}

type portRequest struct {
	IP       string          `json:"ip"`
	Port     int             `json:"port"`
	Protocol models.Protocol `json:"protocol"`
}

// Add handles POST /network/ports.
func (h *networkHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed request body"), h.logger)
		return
	}
	entry, err := h.ports.Add(req.IP, req.Port, req.Protocol)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// List handles GET /network/ports.
func (h *networkHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ports.List()
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if entries == nil {
		entries = []models.PortPoolEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Random handles GET /network/ports/random?protocol=tcp.
func (h *networkHandler) Random(w http.ResponseWriter, r *http.Request) {
	proto := models.Protocol(r.URL.Query().Get("protocol"))
	entry, err := h.ports.PickRandomFree(proto)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Use handles PUT /network/ports/use: reserves a specific (ip, port,
// protocol) triple.
func (h *networkHandler) Use(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed request body"), h.logger)
		return
	}
	entry, err := h.ports.Reserve(req.IP, req.Port, req.Protocol)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Delete handles DELETE /network/ports: removes one registered entry,
// identified by query parameters since a body on a DELETE request is not
// universally supported by HTTP clients.
func (h *networkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "port must be an integer"), h.logger)
		return
	}
	proto := models.Protocol(r.URL.Query().Get("protocol"))

	result, err := h.ports.BulkDelete([]struct {
		IP       string
		Port     int
		Protocol models.Protocol
	}{{IP: ip, Port: port, Protocol: proto}})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if len(result.Conflicts) > 0 {
		writeError(w, apierr.ErrPortInUse, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

type bulkDeleteRequest struct {
	Targets []portRequest `json:"targets"`
}

// BulkDelete handles POST /network/ports/bulk-delete.
func (h *networkHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed request body"), h.logger)
		return
	}

	targets := make([]struct {
		IP       string
		Port     int
		Protocol models.Protocol
	}, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = struct {
			IP       string
			Port     int
			Protocol models.Protocol
		}{IP: t.IP, Port: t.Port, Protocol: t.Protocol}
	}

	result, err := h.ports.BulkDelete(targets)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
