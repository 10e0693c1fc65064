// Package installpipeline drives a ContainerRecord from installing to
// ready (or failed), per spec.md §4.5's install algorithm: reserve ports,
// create the Docker container, provision entrypoint.sh (and optionally
// run install.sh), then flip install_state. Grounded on the teacher's
// build2.DeployerPipeline — one pipeline, one log file, step-by-step named
// phases, with a dual-sink logger (structured + per-container log file)
// mirroring build2/pipeline_logger.go.
package installpipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/keyedmutex"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
)

// entrypointTemplate is the shape spec.md §4.5 step 4 names verbatim: a
// bash script (shebang line plus two commands) that cds into the volume mount and execs the shell-quoted
// startup command.
const entrypointTemplate = "#!/bin/bash\ncd /home/container\nexec %s\n"

// Pipeline is the InstallPipeline component.
type Pipeline struct {
	containers       *containerstore.Store
	ports            *portpool.Pool
	driver           dockerdriver.Driver
	hubs             *eventbus.Registry
	logs             LogSink
	scriptTimeout    time.Duration
	isolationNetwork string
	volumeRoot       string
	scratchRoot      string
	locks            *keyedmutex.Map
}

// LogSink mirrors install-pipeline output to a durable per-container
// install.log file (SPEC_FULL.md §5 "container log-file mirroring"),
// independent of the in-memory EventBus ring. Console output is not
// written to it.
type LogSink interface {
	AppendInstallLog(internalID string, line string) error
}

// New constructs a Pipeline. volumeRoot and scratchRoot are the base
// directories under which this container's /home/container and /app/data
// bind-mount sources are created, keyed by internal_id. locks is shared
// with RuntimeSupervisor so install and runtime transitions for the same
// internal_id serialize through the same mutex (SPEC_FULL.md §5).
func New(containers *containerstore.Store, ports *portpool.Pool, driver dockerdriver.Driver, hubs *eventbus.Registry, logs LogSink, scriptTimeout time.Duration, isolationNetwork, volumeRoot, scratchRoot string, locks *keyedmutex.Map) *Pipeline {
	return &Pipeline{
		containers:       containers,
		ports:            ports,
		driver:           driver,
		hubs:             hubs,
		logs:             logs,
		scriptTimeout:    scriptTimeout,
		isolationNetwork: isolationNetwork,
		volumeRoot:       volumeRoot,
		scratchRoot:      scratchRoot,
		locks:            locks,
	}
}

// hostDirs returns (and creates) the per-container bind-mount source
// directories for internalID.
func (p *Pipeline) hostDirs(internalID string) (volumeDir, scratchDir string, err error) {
	volumeDir = filepath.Join(p.volumeRoot, internalID)
	scratchDir = filepath.Join(p.scratchRoot, internalID)
	if err := os.MkdirAll(volumeDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create volume directory %q: %w", volumeDir, err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create scratch directory %q: %w", scratchDir, err)
	}
	return volumeDir, scratchDir, nil
}

// pipelineLogger writes simultaneously to the record's EventBus hub (as
// daemon_message events) and its durable install.log file, mirroring the
// teacher's deployerPipelineLogger dual-sink shape.
type pipelineLogger struct {
	pipeline *Pipeline
	hub      *eventbus.Hub
	internalID string
}

func (l *pipelineLogger) logf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	l.hub.PublishDaemonMessage(message)
	if l.pipeline.logs != nil {
		_ = l.pipeline.logs.AppendInstallLog(l.internalID, line)
	}
}

// Install runs the full algorithm of spec.md §4.5 against an already
// persisted record whose install_state is "installing". It serializes with
// any other install/runtime action in flight for internalID (SPEC_FULL.md
// §5 invariant 4): a second Install or Reinstall call for the same
// internal_id blocks until the first finishes rather than racing it.
func (p *Pipeline) Install(ctx context.Context, internalID string) error {
	unlock := p.locks.Lock(internalID)
	defer unlock()
	return p.install(ctx, internalID, true)
}

// install runs the algorithm for internalID. reserve is false on reinstall,
// where the record's ports are still held from the original install.
func (p *Pipeline) install(ctx context.Context, internalID string, reserve bool) error {
	record, err := p.containers.Get(internalID)
	if err != nil {
		return err
	}

	hub := p.hubs.HubFor(internalID)
	logger := &pipelineLogger{pipeline: p, hub: hub, internalID: internalID}

	hub.PublishState(eventbus.StateInstalling)

	var reserved []models.PortBinding
	if reserve {
		reserved, err = p.reservePorts(record.Ports)
		if err != nil {
			logger.logf("port reservation failed: %v", err)
			p.failRecord(internalID, hub, "port reservation failed")
			return err
		}
	}

	volumeDir, scratchDir, err := p.hostDirs(internalID)
	if err != nil {
		logger.logf("failed to prepare host directories: %v", err)
		p.releasePorts(reserved)
		p.failRecord(internalID, hub, "failed to prepare host directories")
		return err
	}

	dockerID, err := p.driver.Create(ctx, dockerdriver.CreateSpec{
		ContainerName:  "lightd-" + internalID,
		Image:          record.Image,
		Ports:          record.Ports,
		Limits:         record.Limits,
		VolumeHostDir:  volumeDir,
		ScratchHostDir: scratchDir,
		Network:        p.isolationNetwork,
	})
	if err != nil {
		logger.logf("docker create failed: %v", err)
		p.releasePorts(reserved)
		p.failRecord(internalID, hub, "docker create failed")
		return apierr.Wrap(apierr.DockerError, "failed to create container", err)
	}

	entrypoint := fmt.Sprintf(entrypointTemplate, shellquote.Join(splitCommand(record.StartupCommand)...))
	if err := p.driver.WriteFile(ctx, dockerID, "/app/data/entrypoint.sh", 0o755, []byte(entrypoint)); err != nil {
		logger.logf("writing entrypoint.sh failed: %v", err)
		p.failRecord(internalID, hub, "failed to write entrypoint.sh")
		return apierr.Wrap(apierr.DockerError, "failed to write entrypoint.sh", err)
	}

	if record.InstallScript != "" {
		if err := p.runInstallScript(ctx, dockerID, record.InstallScript, logger); err != nil {
			p.failRecord(internalID, hub, "install script failed")
			return err
		}
	}

	err = p.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.DockerID = dockerID
		r.InstallState = models.InstallReady
		return nil
	})
	if err != nil {
		return err
	}

	hub.PublishState(eventbus.StateInstalled)
	logger.logf("install complete")
	return nil
}

// Reinstall removes the existing Docker container (if any), clears
// docker_id, then re-runs the install algorithm. Ports are not released
// across reinstall (spec.md §4.5: "Ports are not released across
// reinstall"). Runs under the same per-internal_id lock as Install so it
// can't interleave with a concurrent Install/Start/Kill/Rebind call.
func (p *Pipeline) Reinstall(ctx context.Context, internalID string, newImage, newScript *string) error {
	unlock := p.locks.Lock(internalID)
	defer unlock()

	record, err := p.containers.Get(internalID)
	if err != nil {
		return err
	}

	if record.DockerID != "" {
		if err := p.driver.Remove(ctx, record.DockerID); err != nil {
			return apierr.Wrap(apierr.DockerError, "failed to remove container for reinstall", err)
		}
	}

	err = p.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.DockerID = ""
		r.InstallState = models.InstallInstalling
		if newImage != nil {
			r.Image = *newImage
		}
		if newScript != nil {
			r.InstallScript = *newScript
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.install(ctx, internalID, false)
}

func (p *Pipeline) runInstallScript(ctx context.Context, dockerID, script string, logger *pipelineLogger) error {
	if err := p.driver.WriteFile(ctx, dockerID, "/app/data/install.sh", 0o755, []byte(script)); err != nil {
		logger.logf("writing install.sh failed: %v", err)
		return apierr.Wrap(apierr.DockerError, "failed to write install.sh", err)
	}

	exitCode, output, err := p.driver.ExecScript(ctx, dockerID, "/app/data/install.sh", p.scriptTimeout)
	logger.logf("install.sh output:\n%s", string(output))
	if err != nil {
		return apierr.Wrap(apierr.DockerError, "failed to exec install.sh", err)
	}
	if exitCode != 0 {
		logger.logf("install.sh exited %d", exitCode)
		return apierr.New(apierr.Internal, fmt.Sprintf("install script exited %d", exitCode))
	}
	return nil
}

// reservePorts reserves every port in ports, rolling back (releasing)
// whatever was already reserved in reverse order on the first failure
// (spec.md §4.5 step 2).
func (p *Pipeline) reservePorts(ports []models.PortBinding) ([]models.PortBinding, error) {
	reserved := make([]models.PortBinding, 0, len(ports))
	for _, port := range ports {
		if _, err := p.ports.Reserve(port.IP, port.Port, port.Protocol); err != nil {
			p.releasePorts(reserved)
			return nil, err
		}
		reserved = append(reserved, port)
	}
	return reserved, nil
}

func (p *Pipeline) releasePorts(ports []models.PortBinding) {
	for i := len(ports) - 1; i >= 0; i-- {
		_ = p.ports.Release(ports[i].IP, ports[i].Port, ports[i].Protocol)
	}
}

func (p *Pipeline) failRecord(internalID string, hub *eventbus.Hub, reason string) {
	_ = p.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.InstallState = models.InstallFailed
		return nil
	})
	hub.PublishState(eventbus.StateFailed)
	hub.PublishDaemonMessage(reason)
}

// splitCommand is a minimal shell-word splitter for the startup command,
// which is stored as a single string but needs to be re-quoted safely for
// entrypoint.sh. Fields separated by whitespace are treated as independent
// words; this mirrors the common case of `java -jar server.jar` style
// commands without pulling in a full shell parser for the forward split.
func splitCommand(command string) []string {
	var words []string
	var current []rune
	inQuote := rune(0)

	for _, r := range command {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			} else {
				current = append(current, r)
			}
		case r == '"' || r == '\'':
			inQuote = r
		case r == ' ' || r == '\t':
			if len(current) > 0 {
				words = append(words, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}
	if len(current) > 0 {
		words = append(words, string(current))
	}
	return words
}
