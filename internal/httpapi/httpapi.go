// Package httpapi implements spec.md §6's HTTP surface: container
// lifecycle, the network port pool, and the per-container history
// endpoint SPEC_FULL.md §5 adds. It is a thin translation layer — every
// real decision lives in containerstore, portpool, installpipeline, and
// runtimesupervisor; handlers here only decode requests, call one of
// those, and shape the response.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/installpipeline"
	"github.com/pkglat/lightd/internal/portpool"
	"github.com/pkglat/lightd/internal/runtimesupervisor"
	"github.com/pkglat/lightd/internal/wsgateway"
)

// Dependencies groups everything the router and its handlers need, so
// adding a new dependency never changes New's signature.
type Dependencies struct {
	Containers *containerstore.Store
	Ports      *portpool.Pool
	Pipeline   *installpipeline.Pipeline
	Supervisor *runtimesupervisor.Supervisor
	Driver     dockerdriver.Driver
	Hubs       *eventbus.Registry
	Gateway    *wsgateway.Gateway
	Validator  wsgateway.TokenValidator
	RebindDeps runtimesupervisor.RebindDeps
	Logger     *slog.Logger
}

// New constructs the full router: middleware, every handler, every route.
func New(deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(deps.Logger))

	health := &healthHandler{logger: deps.Logger}
	router.Get("/health", health.Health)

	containers := &containerHandler{
		containers: deps.Containers,
		pipeline:   deps.Pipeline,
		supervisor: deps.Supervisor,
		driver:     deps.Driver,
		ports:      deps.Ports,
		hubs:       deps.Hubs,
		rebind:     deps.RebindDeps,
		logger:     deps.Logger,
	}
	network := &networkHandler{ports: deps.Ports, logger: deps.Logger}

	router.Route("/containers", func(r chi.Router) {
		r.Use(authMiddleware(deps.Validator, deps.Logger))
		r.Post("/", containers.Create)
		r.Get("/", containers.List)
		r.Get("/{id}", containers.Get)
		r.Delete("/{id}", containers.Delete)
		r.Get("/{id}/history", containers.History)
		r.Post("/{id}/start", containers.Start)
		r.Post("/{id}/kill", containers.Kill)
		r.Post("/{id}/restart", containers.Restart)
		r.Post("/{id}/reinstall", containers.Reinstall)
		r.Post("/{id}/rebind-network", containers.RebindNetwork)
	})

	router.Route("/network/ports", func(r chi.Router) {
		r.Use(authMiddleware(deps.Validator, deps.Logger))
		r.Post("/", network.Add)
		r.Get("/", network.List)
		r.Get("/random", network.Random)
		r.Put("/use", network.Use)
		r.Delete("/", network.Delete)
		r.Post("/bulk-delete", network.BulkDelete)
	})

	router.Get("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		deps.Gateway.ServeWS(w, r, chi.URLParam(r, "id"))
	})

	return router
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

type healthHandler struct {
	logger *slog.Logger
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
