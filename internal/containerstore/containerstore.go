// Package containerstore is the durable map from internal_id to
// models.ContainerRecord (spec.md §4.2). Every mutation is a
// read-modify-write guarded by a 5-second acquisition timeout; reads are
// lock-free snapshots straight off the underlying bbolt bucket.
package containerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/store"
)

// Transition is one audit-trail entry written to the transitions bucket
// whenever a record's InstallState or RuntimeState changes (SPEC_FULL.md
// §5). The HTTP history endpoint reads these back in chronological order.
type Transition struct {
	InternalID   string              `json:"internal_id"`
	InstallState models.InstallState `json:"install_state"`
	RuntimeState models.RuntimeState `json:"runtime_state"`
	At           time.Time           `json:"at"`
}

// mutateTimeout is the 5-second acquisition timeout spec.md §4.2 requires
// for every read-modify-write against the store.
const mutateTimeout = 5 * time.Second

// Store is the ContainerStore component. It wraps *store.Store, scoped to
// the containers bucket.
type Store struct {
	backing *store.Store
	logger  *slog.Logger
}

// New constructs a ContainerStore over an already-open backing store.
func New(backing *store.Store, logger *slog.Logger) *Store {
	return &Store{backing: backing, logger: logger}
}

// Get returns a lock-free snapshot of the record for internalID, or
// apierr.ErrRecordNotFound if no such record exists.
func (s *Store) Get(internalID string) (*models.ContainerRecord, error) {
	raw, ok, err := s.backing.Get(store.BucketContainers, internalID)
	if err != nil {
		return nil, fmt.Errorf("failed to read container record %q: %w", internalID, err)
	}
	if !ok {
		return nil, apierr.ErrRecordNotFound
	}
	var record models.ContainerRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode container record %q: %w", internalID, err)
	}
	return &record, nil
}

// List returns a snapshot of every record in the store. Order is bbolt's
// byte-sorted key order (i.e. lexicographic by internal_id), which is
// stable enough for the listing endpoint; callers that need a different
// sort re-sort the result themselves.
func (s *Store) List() ([]*models.ContainerRecord, error) {
	var records []*models.ContainerRecord
	err := s.backing.ForEach(store.BucketContainers, func(key string, value []byte) error {
		var record models.ContainerRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("failed to decode container record %q: %w", key, err)
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list container records: %w", err)
	}
	return records, nil
}

// Put inserts or fully replaces the record for record.InternalID, stamping
// UpdatedAt (and CreatedAt, if unset) before writing.
func (s *Store) Put(record *models.ContainerRecord) error {
	return s.mutate(func() error {
		now := time.Now().UTC()
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		record.UpdatedAt = now

		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode container record %q: %w", record.InternalID, err)
		}
		if err := s.backing.Put(store.BucketContainers, record.InternalID, raw); err != nil {
			return fmt.Errorf("failed to persist container record %q: %w", record.InternalID, err)
		}
		s.recordTransition(record)
		return nil
	})
}

// Mutate reads the current record for internalID (which must already
// exist), passes it to fn for in-place modification, and persists the
// result — all within the same 5-second acquisition budget. fn returning
// an error aborts the write; the stored record is unchanged.
func (s *Store) Mutate(internalID string, fn func(record *models.ContainerRecord) error) error {
	return s.mutate(func() error {
		record, err := s.Get(internalID)
		if err != nil {
			return err
		}
		before := record.InstallState
		beforeRuntime := record.RuntimeState

		if err := fn(record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode container record %q: %w", internalID, err)
		}
		if err := s.backing.Put(store.BucketContainers, internalID, raw); err != nil {
			return err
		}
		if record.InstallState != before || record.RuntimeState != beforeRuntime {
			s.recordTransition(record)
		}
		return nil
	})
}

// recordTransition appends a Transition entry to the audit trail bucket.
// Failures are logged, not propagated: losing one history line must never
// fail the state change it describes.
func (s *Store) recordTransition(record *models.ContainerRecord) {
	entry := Transition{
		InternalID:   record.InternalID,
		InstallState: record.InstallState,
		RuntimeState: record.RuntimeState,
		At:           record.UpdatedAt,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("failed to encode transition record", "internal_id", record.InternalID, "error", err)
		return
	}
	key := fmt.Sprintf("%s|%020d", record.InternalID, entry.At.UnixNano())
	if err := s.backing.Put(store.BucketTransitions, key, raw); err != nil {
		s.logger.Warn("failed to persist transition record", "internal_id", record.InternalID, "error", err)
	}
}

// History returns every transition recorded for internalID, oldest first.
func (s *Store) History(internalID string) ([]Transition, error) {
	var entries []Transition
	prefix := internalID + "|"
	err := s.backing.ForEach(store.BucketTransitions, func(key string, value []byte) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		var entry Transition
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("failed to decode transition record %q: %w", key, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions for %q: %w", internalID, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}

// Delete removes internalID's record entirely. Callers are responsible for
// releasing ports and removing the Docker container first (spec.md §3
// "Lifecycle").
func (s *Store) Delete(internalID string) error {
	return s.mutate(func() error {
		return s.backing.Delete(store.BucketContainers, internalID)
	})
}

// mutate runs fn with the 5-second acquisition timeout spec.md §4.2
// mandates. bbolt's db.Update already serializes writers internally; the
// timeout here bounds how long a caller will wait behind a slow writer
// (or a stuck disk) before getting back apierr.ErrStoreBusy instead of
// hanging indefinitely.
func (s *Store) mutate(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), mutateTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.logger.Warn("container store mutation timed out", "timeout", mutateTimeout)
		return apierr.ErrStoreBusy
	}
}

// ReconcileOrphanedInstalls runs once at boot (spec.md §4.2): any record
// still in InstallInstalling has either genuinely crashed mid-install or
// was interrupted by a daemon restart. exists reports whether a Docker
// container matching the record can still be found; when it cannot, the
// record is marked Failed. The reason "interrupted" is written only to the
// warning log line; the record itself carries no reason field.
func (s *Store) ReconcileOrphanedInstalls(exists func(record *models.ContainerRecord) bool) (int, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, record := range records {
		if record.InstallState != models.InstallInstalling {
			continue
		}
		if exists(record) {
			continue
		}
		err := s.Mutate(record.InternalID, func(r *models.ContainerRecord) error {
			r.InstallState = models.InstallFailed
			return nil
		})
		if err != nil {
			return reconciled, fmt.Errorf("failed to reconcile orphaned install %q: %w", record.InternalID, err)
		}
		s.logger.Warn("reconciled orphaned install at boot", "internal_id", record.InternalID, "reason", "interrupted")
		reconciled++
	}
	return reconciled, nil
}
