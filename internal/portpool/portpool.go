// Package portpool implements the registered set of (ip, port, protocol)
// triples the daemon hands out to containers (spec.md §4.1). It guarantees
// that at most one ContainerRecord holds any given triple at a time.
package portpool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"go.etcd.io/bbolt"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/store"
)

// IptablesApplier is the narrow seam to the host firewall (spec.md §4.1,
// §1 "out of scope: iptables rule application"). A successful Add appends
// an INPUT ACCEPT rule for the entry's dport/proto; a successful Remove
// deletes the mirror rule. Failures here are logged, never fatal to the
// enclosing port operation.
type IptablesApplier interface {
	Add(port int, proto models.Protocol) error
	Remove(port int, proto models.Protocol) error
	// ListManagedPorts returns every (port, proto) pair the applier
	// currently has a mirror rule for, used by the boot-time sweep
	// (SPEC_FULL.md §5) to find rules orphaned by a crash.
	ListManagedPorts() ([]ManagedPort, error)
}

// ManagedPort is one rule the IptablesApplier reports owning.
type ManagedPort struct {
	Port     int
	Protocol models.Protocol
}

// Pool is the PortPool component.
type Pool struct {
	backing  *store.Store
	iptables IptablesApplier
	logger   *slog.Logger
}

// New constructs a Pool over an already-open backing store.
func New(backing *store.Store, iptables IptablesApplier, logger *slog.Logger) *Pool {
	return &Pool{backing: backing, iptables: iptables, logger: logger}
}

// Add registers a new (ip, port, proto) triple as free. Returns
// apierr.ErrPortDuplicate if the triple is already registered.
func (p *Pool) Add(ip string, port int, proto models.Protocol) (models.PortPoolEntry, error) {
	key := models.PortKey(ip, port, proto)
	var result models.PortPoolEntry

	err := p.backing.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketPorts))
		if b.Get([]byte(key)) != nil {
			return apierr.ErrPortDuplicate
		}
		entry := models.PortPoolEntry{IP: ip, Port: port, Protocol: proto, InUse: false}
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode port entry %q: %w", key, err)
		}
		if err := b.Put([]byte(key), raw); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return models.PortPoolEntry{}, err
	}

	if p.iptables != nil {
		if err := p.iptables.Add(port, proto); err != nil {
			// iptables failure is logged, not fatal (spec.md §4.1): the
			// pool entry remains consistent even if the host firewall
			// rule could not be applied.
			p.logger.Warn("failed to add iptables rule for port", "port", port, "protocol", proto, "error", err)
		}
	}

	return result, nil
}

// Reserve marks an existing free entry as in_use. Returns
// apierr.ErrPortNotFound if the triple is unregistered, or
// apierr.ErrPortInUse if it is already held.
func (p *Pool) Reserve(ip string, port int, proto models.Protocol) (models.PortPoolEntry, error) {
	key := models.PortKey(ip, port, proto)
	var result models.PortPoolEntry

	err := p.backing.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketPorts))
		raw := b.Get([]byte(key))
		if raw == nil {
			return apierr.ErrPortNotFound
		}
		var entry models.PortPoolEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("failed to decode port entry %q: %w", key, err)
		}
		if entry.InUse {
			return apierr.ErrPortInUse
		}
		entry.InUse = true
		newRaw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode port entry %q: %w", key, err)
		}
		if err := b.Put([]byte(key), newRaw); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return models.PortPoolEntry{}, err
	}
	return result, nil
}

// Release marks an entry as free again. Idempotent: releasing an
// already-free or unregistered entry is not an error, since the caller's
// desired end state (not in use) is already satisfied.
func (p *Pool) Release(ip string, port int, proto models.Protocol) error {
	key := models.PortKey(ip, port, proto)
	return p.backing.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketPorts))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var entry models.PortPoolEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("failed to decode port entry %q: %w", key, err)
		}
		if !entry.InUse {
			return nil
		}
		entry.InUse = false
		newRaw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode port entry %q: %w", key, err)
		}
		return b.Put([]byte(key), newRaw)
	})
}

// PickRandomFree returns a uniformly random free entry matching proto, or
// apierr.ErrPoolEmpty if none exists. It does not mark the entry used —
// callers follow up with Reserve (spec.md §4.1: "pick_random_free must not
// mark the returned entry as used").
func (p *Pool) PickRandomFree(proto models.Protocol) (models.PortPoolEntry, error) {
	entries, err := p.List()
	if err != nil {
		return models.PortPoolEntry{}, err
	}

	var free []models.PortPoolEntry
	for _, entry := range entries {
		if !entry.InUse && (proto == "" || entry.Protocol == proto) {
			free = append(free, entry)
		}
	}
	if len(free) == 0 {
		return models.PortPoolEntry{}, apierr.ErrPoolEmpty
	}
	return free[rand.IntN(len(free))], nil
}

// List returns every registered entry.
func (p *Pool) List() ([]models.PortPoolEntry, error) {
	var entries []models.PortPoolEntry
	err := p.backing.ForEach(store.BucketPorts, func(key string, value []byte) error {
		var entry models.PortPoolEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("failed to decode port entry %q: %w", key, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list port pool entries: %w", err)
	}
	return entries, nil
}

// BulkDeleteResult summarizes a BulkDelete call.
type BulkDeleteResult struct {
	Deleted int
	// Conflicts lists triples that were skipped because they are in_use.
	// spec.md §4.1 describes this as the desired behavior for a mixed
	// batch: "skip in_use entries with Conflict summary" — partial
	// success, not an all-or-nothing transaction (DESIGN.md open
	// question 2).
	Conflicts []models.PortPoolEntry
}

// BulkDelete removes every (ip, port) pair in targets that is currently
// free, skipping (and reporting) any that are in_use.
func (p *Pool) BulkDelete(targets []struct {
	IP       string
	Port     int
	Protocol models.Protocol
}) (BulkDeleteResult, error) {
	var result BulkDeleteResult

	for _, target := range targets {
		key := models.PortKey(target.IP, target.Port, target.Protocol)
		var skip *models.PortPoolEntry

		err := p.backing.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(store.BucketPorts))
			raw := b.Get([]byte(key))
			if raw == nil {
				return nil
			}
			var entry models.PortPoolEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("failed to decode port entry %q: %w", key, err)
			}
			if entry.InUse {
				skip = &entry
				return nil
			}
			return b.Delete([]byte(key))
		})
		if err != nil {
			return result, err
		}

		if skip != nil {
			result.Conflicts = append(result.Conflicts, *skip)
			continue
		}

		if p.iptables != nil {
			if err := p.iptables.Remove(target.Port, target.Protocol); err != nil {
				p.logger.Warn("failed to remove iptables rule for port", "port", target.Port, "protocol", target.Protocol, "error", err)
			}
		}
		result.Deleted++
	}

	return result, nil
}

// ReconcileIptables runs once at boot (SPEC_FULL.md §5): it diffs the
// iptables rules the applier reports owning against the pool's registered
// entries and removes any rule that has no matching entry — the residue
// of a port deleted while the daemon was down, since kernel iptables rules
// outlive a daemon crash (spec.md §9 open question 3).
func (p *Pool) ReconcileIptables() (int, error) {
	if p.iptables == nil {
		return 0, nil
	}

	managed, err := p.iptables.ListManagedPorts()
	if err != nil {
		return 0, fmt.Errorf("failed to list iptables-managed ports: %w", err)
	}

	entries, err := p.List()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(entries))
	for _, entry := range entries {
		known[fmt.Sprintf("%d|%s", entry.Port, entry.Protocol)] = true
	}

	removed := 0
	for _, m := range managed {
		if known[fmt.Sprintf("%d|%s", m.Port, m.Protocol)] {
			continue
		}
		if err := p.iptables.Remove(m.Port, m.Protocol); err != nil {
			p.logger.Warn("failed to remove orphaned iptables rule", "port", m.Port, "protocol", m.Protocol, "error", err)
			continue
		}
		p.logger.Info("removed orphaned iptables rule at boot", "port", m.Port, "protocol", m.Protocol)
		removed++
	}
	return removed, nil
}
