// Package runtimesupervisor owns per-container runtime state transitions
// (spec.md §4.6) and the network-rebind sequence (spec.md §4.7, same
// package per SPEC_FULL.md §3 since rebind is just another runtime
// transition acting on the same in-memory state).
package runtimesupervisor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"github.com/patrickmn/go-cache"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/containerstore"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/keyedmutex"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
)

// backoffBase and backoffCap are the reconnect bounds spec.md §4.4 requires
// for attach_logs/attach_stats: "exponential backoff (base 500ms, cap 10s)".
const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// streamHandle tracks the cancellation of a container's live log/stats
// goroutines so Kill and Rebind can stop them deterministically (spec.md
// §4.7 step 2: "stop log/stat streams for the record").
type streamHandle struct {
	cancel context.CancelFunc
}

// Supervisor is the RuntimeSupervisor component.
type Supervisor struct {
	containers *containerstore.Store
	ports      *portpool.Pool
	driver     dockerdriver.Driver
	hubs       *eventbus.Registry
	pool       *workerpool.WorkerPool
	patterns   *cache.Cache
	locks      *keyedmutex.Map
	logger     *slog.Logger

	mu      sync.Mutex
	streams map[string]*streamHandle
}

// New constructs a Supervisor. The pattern cache never expires entries on
// its own: go-cache is constructed with NoExpiration and a fixed 10-minute
// janitor interval, and entries are removed only through DropPattern. locks is
// shared with InstallPipeline so install and runtime transitions for the
// same internal_id serialize through the same mutex (SPEC_FULL.md §5).
func New(containers *containerstore.Store, ports *portpool.Pool, driver dockerdriver.Driver, hubs *eventbus.Registry, locks *keyedmutex.Map, workerPoolSize int, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		containers: containers,
		ports:      ports,
		driver:     driver,
		hubs:       hubs,
		pool:       workerpool.New(workerPoolSize),
		patterns:   cache.New(cache.NoExpiration, 10*time.Minute),
		locks:      locks,
		logger:     logger,
		streams:    make(map[string]*streamHandle),
	}
}

// Stop cancels every live log/stats stream, then drains the worker pool.
// Call during daemon shutdown.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	handles := s.streams
	s.streams = make(map[string]*streamHandle)
	s.mu.Unlock()
	for _, handle := range handles {
		handle.cancel()
	}
	s.pool.StopWait()
}

// compiledPattern returns the cached compiled regex for internalID's
// start_pattern, compiling and caching it on first use (spec.md §9:
// "compile once per container on start; cache"). A compile failure is
// reported via ok=false (and is not cached) so the caller can fall back
// to literal substring matching on the raw pattern and emit a
// daemon_message, per the same design note.
func (s *Supervisor) compiledPattern(internalID, rawPattern string) (re *regexp.Regexp, ok bool) {
	if rawPattern == "" {
		return nil, false
	}
	if cached, found := s.patterns.Get(internalID); found {
		if compiled, ok := cached.(*regexp.Regexp); ok {
			return compiled, true
		}
		return nil, false
	}
	compiled, err := regexp.Compile(rawPattern)
	if err != nil {
		return nil, false
	}
	s.patterns.Set(internalID, compiled, cache.NoExpiration)
	return compiled, true
}

// DropPattern clears internalID's cached pattern. The HTTP delete handler
// calls it; nothing else does.
func (s *Supervisor) DropPattern(internalID string) {
	s.patterns.Delete(internalID)
}

// Start implements spec.md §4.6 start(internal_id). Requires
// install_state=ready and runtime_state in {stopped, exited}; idempotent
// for a container already running.
func (s *Supervisor) Start(ctx context.Context, internalID string) error {
	unlock := s.locks.Lock(internalID)
	defer unlock()
	return s.start(ctx, internalID)
}

func (s *Supervisor) start(ctx context.Context, internalID string) error {
	record, err := s.containers.Get(internalID)
	if err != nil {
		return err
	}
	if record.RuntimeState == models.RuntimeRunning {
		return nil
	}
	if record.InstallState != models.InstallReady {
		return apierr.New(apierr.Conflict, "cannot start a container whose install is not ready")
	}
	if record.RuntimeState != models.RuntimeStopped && record.RuntimeState != models.RuntimeExited {
		return apierr.New(apierr.Conflict, fmt.Sprintf("cannot start from runtime_state %q", record.RuntimeState))
	}

	hub := s.hubs.HubFor(internalID)

	if err := s.driver.Start(ctx, record.DockerID); err != nil {
		return apierr.Wrap(apierr.DockerError, "failed to start container", err)
	}

	err = s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.RuntimeState = models.RuntimeStarting
		return nil
	})
	if err != nil {
		return err
	}
	hub.PublishState(eventbus.StateStarting)

	pattern, hasPattern := s.compiledPattern(internalID, record.StartPattern)
	if record.StartPattern != "" && !hasPattern {
		hub.PublishDaemonMessage(fmt.Sprintf("start_pattern %q failed to compile, falling back to literal match", record.StartPattern))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.streams[internalID] = &streamHandle{cancel: cancel}
	s.mu.Unlock()

	s.pool.Submit(func() {
		s.runLogStream(streamCtx, internalID, record.DockerID, record.StartPattern, pattern, hasPattern)
	})
	s.pool.Submit(func() {
		s.runStatsStream(streamCtx, internalID, record.DockerID)
	})

	if !hasPattern && record.StartPattern == "" {
		// No pattern configured: publish running as soon as Docker itself
		// reports the container running (spec.md §4.6).
		s.pool.Submit(func() {
			s.waitForDockerRunning(streamCtx, internalID, record.DockerID)
		})
	}

	return nil
}

// waitForDockerRunning polls IsRunning until true or the stream context is
// canceled, publishing the running transition once observed. Used only
// when no start_pattern is configured.
func (s *Supervisor) waitForDockerRunning(ctx context.Context, internalID, dockerID string) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, err := s.driver.IsRunning(ctx, dockerID)
			if err != nil || !running {
				continue
			}
			s.publishRunning(internalID)
			return
		}
	}
}

func (s *Supervisor) publishRunning(internalID string) {
	err := s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		if r.RuntimeState == models.RuntimeRunning {
			return nil
		}
		r.RuntimeState = models.RuntimeRunning
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record running transition", "internal_id", internalID, "error", err)
		return
	}
	s.hubs.HubFor(internalID).PublishState(eventbus.StateRunning)
}

// runLogStream reconnects attach_logs with exponential backoff whenever
// the stream ends unexpectedly (spec.md §4.4), forwarding console output
// to the hub and scanning for start_pattern until the first match.
func (s *Supervisor) runLogStream(ctx context.Context, internalID, dockerID, rawPattern string, pattern *regexp.Regexp, hasPattern bool) {
	hub := s.hubs.HubFor(internalID)
	matched := !hasPattern

	retry := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		stream, err := s.driver.AttachLogs(ctx, dockerID)
		if err != nil {
			s.logger.Warn("attach_logs failed, retrying", "internal_id", internalID, "error", err)
			if !sleepBackoff(ctx, retry) {
				return
			}
			continue
		}
		retry.Reset()

		for chunk := range stream {
			hub.PublishConsole(chunk)
			if !matched {
				if (hasPattern && pattern.MatchString(chunk)) || (!hasPattern && rawPattern != "" && strings.Contains(chunk, rawPattern)) {
					matched = true
					s.publishRunning(internalID)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sleepBackoff(ctx, retry) {
			return
		}
	}
}

// runStatsStream mirrors runLogStream's reconnect behavior for attach_stats.
func (s *Supervisor) runStatsStream(ctx context.Context, internalID, dockerID string) {
	hub := s.hubs.HubFor(internalID)
	retry := newBackoff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		stream, err := s.driver.AttachStats(ctx, dockerID)
		if err != nil {
			s.logger.Warn("attach_stats failed, retrying", "internal_id", internalID, "error", err)
			if !sleepBackoff(ctx, retry) {
				return
			}
			continue
		}
		retry.Reset()

		for sample := range stream {
			hub.PublishStats(eventbus.StatsPayload{
				CPUUsage:    sample.CPUUsage,
				MemoryUsage: sample.MemoryUsage,
				MemoryLimit: sample.MemoryLimit,
				NetworkRx:   sample.NetworkRx,
				NetworkTx:   sample.NetworkTx,
				BlockRead:   sample.BlockRead,
				BlockWrite:  sample.BlockWrite,
			})
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sleepBackoff(ctx, retry) {
			return
		}
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffBase
	b.MaxInterval = backoffCap
	b.MaxElapsedTime = 0
	return b
}

func sleepBackoff(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	select {
	case <-time.After(b.NextBackOff()):
		return true
	case <-ctx.Done():
		return false
	}
}

// stopStreams cancels internalID's live log/stats goroutines.
func (s *Supervisor) stopStreams(internalID string) {
	s.mu.Lock()
	handle, ok := s.streams[internalID]
	if ok {
		delete(s.streams, internalID)
	}
	s.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// Kill implements spec.md §4.6 kill(internal_id): SIGKILL via DockerDriver,
// publishing stopping then exit once streams end.
func (s *Supervisor) Kill(ctx context.Context, internalID string) error {
	unlock := s.locks.Lock(internalID)
	defer unlock()
	return s.kill(ctx, internalID)
}

func (s *Supervisor) kill(ctx context.Context, internalID string) error {
	record, err := s.containers.Get(internalID)
	if err != nil {
		return err
	}

	hub := s.hubs.HubFor(internalID)
	hub.PublishState(eventbus.StateStopping)

	err = s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.RuntimeState = models.RuntimeStopping
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.driver.Kill(ctx, record.DockerID); err != nil {
		return apierr.Wrap(apierr.DockerError, "failed to kill container", err)
	}

	s.stopStreams(internalID)

	err = s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.RuntimeState = models.RuntimeExited
		return nil
	})
	if err != nil {
		return err
	}
	hub.PublishState(eventbus.StateExit)
	return nil
}

// Restart is kill then start, preserving EventBus subscribers (spec.md
// §4.6) — the hub itself is untouched across the two calls. Both steps run
// under a single lock acquisition so a concurrent Start/Kill/Rebind for the
// same internal_id can't interleave between them.
func (s *Supervisor) Restart(ctx context.Context, internalID string) error {
	unlock := s.locks.Lock(internalID)
	defer unlock()

	if err := s.kill(ctx, internalID); err != nil {
		return err
	}
	err := s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.RuntimeState = models.RuntimeStopped
		return nil
	})
	if err != nil {
		return err
	}
	return s.start(ctx, internalID)
}

// SendCommand writes data to the container's stdin (spec.md §4.6).
func (s *Supervisor) SendCommand(ctx context.Context, internalID string, data []byte) error {
	record, err := s.containers.Get(internalID)
	if err != nil {
		return err
	}
	if record.RuntimeState != models.RuntimeRunning {
		return apierr.New(apierr.Conflict, "cannot send a command to a container that is not running")
	}
	if err := s.driver.SendInput(ctx, record.DockerID, data); err != nil {
		return apierr.Wrap(apierr.DockerError, "failed to send command", err)
	}
	return nil
}

// NotifyCrashed records that a container's process died without the daemon
// having initiated the stop: it stops the streams, sets runtime_state to
// exited, and publishes a daemon_message carrying the exit code followed
// by an exit event. It runs only when a caller invokes it; the supervisor
// does not detect such exits by itself.
func (s *Supervisor) NotifyCrashed(internalID string, exitCode int) {
	hub := s.hubs.HubFor(internalID)
	s.stopStreams(internalID)

	err := s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.RuntimeState = models.RuntimeExited
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record crash transition", "internal_id", internalID, "error", err)
	}

	hub.PublishDaemonMessage(fmt.Sprintf("container exited unexpectedly with code %d", exitCode))
	hub.PublishState(eventbus.StateExit)
}
