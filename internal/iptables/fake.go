package iptables

import (
	"fmt"
	"sync"

	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
)

// Fake is an in-memory portpool.IptablesApplier for tests that exercise
// PortPool without a real iptables binary on the machine running them.
type Fake struct {
	mu      sync.Mutex
	managed map[string]portpool.ManagedPort
	// FailAdd, when set, makes every Add call return this error instead of
	// mutating state, so callers can exercise the "logged, not fatal" path.
	FailAdd error
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{managed: make(map[string]portpool.ManagedPort)}
}

func fakeKey(port int, proto models.Protocol) string {
	return fmt.Sprintf("%s:%d", proto, port)
}

func (f *Fake) Add(port int, proto models.Protocol) error {
	if f.FailAdd != nil {
		return f.FailAdd
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.managed[fakeKey(port, proto)] = portpool.ManagedPort{Port: port, Protocol: proto}
	return nil
}

func (f *Fake) Remove(port int, proto models.Protocol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.managed, fakeKey(port, proto))
	return nil
}

func (f *Fake) ListManagedPorts() ([]portpool.ManagedPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ports := make([]portpool.ManagedPort, 0, len(f.managed))
	for _, p := range f.managed {
		ports = append(ports, p)
	}
	return ports, nil
}
