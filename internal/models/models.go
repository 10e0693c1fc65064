// Package models defines the data structures shared across the daemon.
// It has no imports from other internal packages, making it the foundation
// of the dependency graph — every other package imports from here, never
// the other way around.
package models

import (
	"regexp"
	"strconv"
	"time"
)

// InstallState is the lifecycle state of a ContainerRecord's install pipeline.
// Using a named string type instead of a plain string means the compiler
// rejects a typo'd state at the call site rather than at runtime.
type InstallState string

const (
	InstallInstalling InstallState = "installing"
	InstallReady      InstallState = "ready"
	InstallFailed     InstallState = "failed"
)

// RuntimeState is the lifecycle state of a ContainerRecord's runtime phase.
// It is persisted with the record like InstallState (see DESIGN.md, open
// question 1); nothing reconstructs it from Docker at boot, so after a
// daemon restart it holds whatever value was last written.
type RuntimeState string

const (
	RuntimeStopped  RuntimeState = "stopped"
	RuntimeStarting RuntimeState = "starting"
	RuntimeRunning  RuntimeState = "running"
	RuntimeStopping RuntimeState = "stopping"
	RuntimeExited   RuntimeState = "exited"
)

// Protocol is the transport protocol of a PortBinding.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// PortBinding is one (ip, port, protocol) triple a container holds. Every
// PortBinding on a ContainerRecord must correspond to a PortPool entry
// (invariant 1) and that entry must be marked in_use while the record
// references it (invariant 2).
type PortBinding struct {
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
}

// Limits caps the resources a container's runtime may consume. A zero value
// on either field means "no limit," matching spec.md §3.
type Limits struct {
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUCores    float64 `json:"cpu_cores"`
}

// ContainerRecord is the central entity of the daemon: one per managed
// Docker-backed workload, keyed by the operator-supplied InternalID.
//
// `json` tags control the HTTP API shape. The record is persisted to the
// ContainerStore bbolt bucket as JSON, so the same tags double as the
// storage encoding — there is deliberately no separate wire/storage
// struct, because the two have never needed to diverge here.
type ContainerRecord struct {
	InternalID string `json:"internal_id"`

	// DockerID is set once Docker has created the container for this
	// record. Absent (empty string) until InstallState reaches Ready,
	// and a Failed record never has one (invariant 3).
	DockerID string `json:"docker_id,omitempty"`

	VolumeID       string `json:"volume_id"`
	Image          string `json:"image"`
	StartupCommand string `json:"startup_command"`

	// StartPattern is a regular expression; an empty string means the
	// state transitions straight from starting to running on Docker's
	// own "running" report, with no log pattern match required.
	StartPattern string `json:"start_pattern,omitempty"`

	Ports  []PortBinding     `json:"ports"`
	Limits Limits            `json:"limits"`
	Mounts map[string]string `json:"mounts"`

	InstallScript string `json:"install_script,omitempty"`

	InstallState InstallState `json:"install_state"`
	RuntimeState RuntimeState `json:"runtime_state"`

	// Rebinding is true only during the network-rebind sequence's window
	// between releasing old ports and the new container coming up. It is
	// not part of InstallState so existing install-state invariants hold
	// at every externally observable boundary (spec.md §9).
	Rebinding bool `json:"rebinding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompiledPattern compiles StartPattern, returning ok=false when the field
// is empty (no pattern configured) so callers can distinguish "no pattern"
// from "pattern failed to compile" without a second return value.
func (r *ContainerRecord) CompiledPattern() (*regexp.Regexp, bool, error) {
	if r.StartPattern == "" {
		return nil, false, nil
	}
	re, err := regexp.Compile(r.StartPattern)
	if err != nil {
		return nil, true, err
	}
	return re, true, nil
}

// PortPoolEntry is one registered (ip, port, protocol) triple. InUse is true
// while at least one ContainerRecord references it (invariant 2).
type PortPoolEntry struct {
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	InUse    bool     `json:"in_use"`
}

// Key returns the bbolt/lookup key for this entry: "ip|port|proto".
func (e PortPoolEntry) Key() string {
	return portKey(e.IP, e.Port, e.Protocol)
}

func portKey(ip string, port int, proto Protocol) string {
	return ip + "|" + strconv.Itoa(port) + "|" + string(proto)
}

// PortKey builds the same key as PortPoolEntry.Key without requiring the
// caller to construct an entry first.
func PortKey(ip string, port int, proto Protocol) string {
	return portKey(ip, port, proto)
}
