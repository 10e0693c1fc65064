package runtimesupervisor

import (
	"context"
	"fmt"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/dockerdriver"
	"github.com/pkglat/lightd/internal/models"
)

// RebindDeps carries the pieces Rebind needs beyond what Supervisor already
// holds: the same host directories and isolation network InstallPipeline
// used to create the container originally, since rebind tears down and
// recreates it in place (spec.md §4.7 step 6).
type RebindDeps struct {
	VolumeHostDir    string
	ScratchHostDir   string
	IsolationNetwork string
}

// Rebind implements spec.md §4.7's network-rebind sequence: the hardest
// transition in the daemon. Rejected outright while install_state is
// installing. A failure in steps 1-3 leaves the record as it was (a
// step-3 failure clears the rebinding flag again); a failure from step 4
// on returns with the rebinding flag still set and is not rolled back.
func (s *Supervisor) Rebind(ctx context.Context, internalID string, newPorts []models.PortBinding, deps RebindDeps) error {
	unlock := s.locks.Lock(internalID)
	defer unlock()
	return s.rebind(ctx, internalID, newPorts, deps)
}

func (s *Supervisor) rebind(ctx context.Context, internalID string, newPorts []models.PortBinding, deps RebindDeps) error {
	record, err := s.containers.Get(internalID)
	if err != nil {
		return err
	}
	if record.InstallState == models.InstallInstalling {
		return apierr.ErrRebindWhileInstalling
	}

	hub := s.hubs.HubFor(internalID)

	// Step 1: validate every new binding exists in PortPool and is either
	// already owned by this record or currently free.
	owned := make(map[string]bool, len(record.Ports))
	for _, p := range record.Ports {
		owned[models.PortKey(p.IP, p.Port, p.Protocol)] = true
	}
	entries, err := s.ports.List()
	if err != nil {
		return err
	}
	byKey := make(map[string]models.PortPoolEntry, len(entries))
	for _, e := range entries {
		byKey[e.Key()] = e
	}
	for _, p := range newPorts {
		key := models.PortKey(p.IP, p.Port, p.Protocol)
		entry, found := byKey[key]
		if !found {
			return apierr.ErrPortNotFound
		}
		if entry.InUse && !owned[key] {
			return apierr.ErrPortInUse
		}
	}

	// Step 2: stop log/stat streams; subscribers remain attached and are
	// told a rebind is in progress.
	s.stopStreams(internalID)
	hub.PublishDaemonMessage("rebinding")

	err = s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.Rebinding = true
		return nil
	})
	if err != nil {
		return err
	}

	// Step 3: remove the existing Docker container. On failure, do not
	// proceed and do not release old ports.
	if err := s.driver.Remove(ctx, record.DockerID); err != nil {
		s.clearRebinding(internalID)
		return apierr.Wrap(apierr.DockerError, "failed to remove container for rebind", err)
	}

	// Step 4: release old ports, reserve new ones. On a new-port failure,
	// best-effort re-reserve the old ones and surface RebindFailed; the
	// record is left in the transient state the Rebinding flag names, for
	// operator repair (spec.md §4.7 step 4).
	for _, p := range record.Ports {
		_ = s.ports.Release(p.IP, p.Port, p.Protocol)
	}

	reserved := make([]models.PortBinding, 0, len(newPorts))
	for _, p := range newPorts {
		if _, err := s.ports.Reserve(p.IP, p.Port, p.Protocol); err != nil {
			for _, old := range record.Ports {
				_, _ = s.ports.Reserve(old.IP, old.Port, old.Protocol)
			}
			hub.PublishDaemonMessage(fmt.Sprintf("rebind failed reserving new ports, old ports restored best-effort: %v", err))
			return apierr.New(apierr.Conflict, "rebind failed: "+err.Error())
		}
		reserved = append(reserved, p)
	}

	// Step 5: update record with new ports, clear docker_id. The removed
	// container is gone, so the record is stopped until Start runs again.
	err = s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.Ports = reserved
		r.DockerID = ""
		r.RuntimeState = models.RuntimeStopped
		return nil
	})
	if err != nil {
		return err
	}

	// Step 6: recreate the Docker container with the new port spec.
	dockerID, err := s.driver.Create(ctx, dockerdriver.CreateSpec{
		ContainerName:  "lightd-" + internalID,
		Image:          record.Image,
		Ports:          reserved,
		Limits:         record.Limits,
		VolumeHostDir:  deps.VolumeHostDir,
		ScratchHostDir: deps.ScratchHostDir,
		Network:        deps.IsolationNetwork,
	})
	if err != nil {
		return apierr.Wrap(apierr.DockerError, "failed to recreate container after rebind", err)
	}

	err = s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.DockerID = dockerID
		r.Rebinding = false
		return nil
	})
	if err != nil {
		return err
	}

	// Step 7 deliberately diverges from spec.md §4.7's literal "re-attach
	// log and stat streams": the recreated container isn't started yet, so
	// there is nothing to attach to. Streams resume the normal way, through
	// Start, once the caller (or an explicit start call) brings it back up.
	hub.PublishDaemonMessage("rebind complete")
	return nil
}

func (s *Supervisor) clearRebinding(internalID string) {
	err := s.containers.Mutate(internalID, func(r *models.ContainerRecord) error {
		r.Rebinding = false
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to clear rebinding flag", "internal_id", internalID, "error", err)
	}
}
