package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkglat/lightd/internal/auth"
	"github.com/pkglat/lightd/internal/config"
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
	runtimeWorkerPoolSize  = 32
	iptablesWorkerPoolSize = 4
	iptablesBinary         = "iptables"
	shutdownGrace          = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the lightd daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger()

	if cfg.TokenSecret == "changeme-dev-secret" {
		logger.Warn("TOKEN_SECRET is unset; using the insecure development default")
	}

	backing, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backing.Close()

	containers := containerstore.New(backing, logger)

	var applier portpool.IptablesApplier
	if cfg.IptablesEnabled {
		ipt := iptables.New(iptablesBinary, iptablesWorkerPoolSize, logger)
		defer ipt.Stop()
		applier = ipt
	}
	ports := portpool.New(backing, applier, logger)

	driver, err := dockerdriver.NewClient(cfg.DockerHost, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Docker: %w", err)
	}
	defer driver.Close()

	hubs := eventbus.NewRegistry(cfg.EventRingSize, cfg.SubscriberBacklogSize)

	logSink := installpipeline.NewFileLogSink(cfg.LogRoot)
	defer logSink.Close()

	// locks serializes install and runtime transitions for the same
	// internal_id across InstallPipeline and RuntimeSupervisor (SPEC_FULL.md
	// §5 invariant 4): both components share this single map.
	locks := keyedmutex.New()

	scriptTimeout := time.Duration(cfg.InstallScriptTimeoutSeconds) * time.Second
	pipeline := installpipeline.New(containers, ports, driver, hubs, logSink, scriptTimeout, cfg.IsolationNetwork, cfg.VolumeRoot, cfg.ScratchRoot, locks)

	supervisor := runtimesupervisor.New(containers, ports, driver, hubs, locks, runtimeWorkerPoolSize, logger)
	defer supervisor.Stop()

	reconciled, err := containers.ReconcileOrphanedInstalls(func(record *models.ContainerRecord) bool {
		if record.DockerID == "" {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := driver.IsRunning(ctx, record.DockerID)
		return err == nil
	})
	if err != nil {
		logger.Error("boot-time install reconciliation failed", "error", err)
	} else if reconciled > 0 {
		logger.Info("reconciled orphaned installs at boot", "count", reconciled)
	}

	removedRules, err := ports.ReconcileIptables()
	if err != nil {
		logger.Error("boot-time iptables reconciliation failed", "error", err)
	} else if removedRules > 0 {
		logger.Info("removed orphaned iptables rules at boot", "count", removedRules)
	}

	validator := auth.New(cfg.TokenSecret, cfg.VendorAcceptHeader)
	runtime := &supervisorRuntime{supervisor: supervisor}
	gateway := wsgateway.New(hubs, validator, runtime, logger)

	router := httpapi.New(httpapi.Dependencies{
		Containers: containers,
		Ports:      ports,
		Pipeline:   pipeline,
		Supervisor: supervisor,
		Driver:     driver,
		Hubs:       hubs,
		Gateway:    gateway,
		Validator:  validator,
		RebindDeps: runtimesupervisor.RebindDeps{
			VolumeHostDir:    cfg.VolumeRoot,
			ScratchHostDir:   cfg.ScratchRoot,
			IsolationNetwork: cfg.IsolationNetwork,
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("lightd listening", "port", cfg.Port)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}

	return nil
}

// supervisorRuntime adapts runtimesupervisor.Supervisor's context-taking
// methods to wsgateway.Runtime's context-free interface: a WebSocket
// session has no per-request context of its own to thread through, so
// every dispatched action gets a fresh background context instead.
type supervisorRuntime struct {
	supervisor *runtimesupervisor.Supervisor
}

func (r *supervisorRuntime) SendCommand(internalID string, data []byte) error {
	return r.supervisor.SendCommand(context.Background(), internalID, data)
}

func (r *supervisorRuntime) Power(internalID, action string) error {
	ctx := context.Background()
	switch action {
	case "start":
		return r.supervisor.Start(ctx, internalID)
	case "kill":
		return r.supervisor.Kill(ctx, internalID)
	case "restart":
		return r.supervisor.Restart(ctx, internalID)
	default:
		return fmt.Errorf("unrecognized power action %q", action)
	}
}
