// Package iptables applies and removes the per-port INPUT ACCEPT rules the
// PortPool needs on hosts that firewall by default (spec.md §4.1). The real
// Applier shells out to the iptables(8) binary through a worker pool so a
// slow or hung invocation never blocks the calling goroutine.
package iptables

import (
	"bufio"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gammazero/workerpool"

	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
)

// chainComment tags every rule this daemon owns, so ListManagedPorts can
// tell its own rules apart from rules an operator added by hand.
const chainComment = "lightd-managed"

// Applier shells out to iptables(8) for each Add/Remove, dispatched onto a
// bounded worker pool (SPEC_FULL.md §3: "cooperative single-runtime task
// scheduler" for blocking exec calls) so concurrent port operations never
// pile up OS threads.
type Applier struct {
	pool   *workerpool.WorkerPool
	binary string
	logger *slog.Logger
}

// New constructs an Applier backed by a worker pool of the given size.
// binary is normally "iptables"; tests substitute a stub script.
func New(binary string, poolSize int, logger *slog.Logger) *Applier {
	if binary == "" {
		binary = "iptables"
	}
	return &Applier{
		pool:   workerpool.New(poolSize),
		binary: binary,
		logger: logger,
	}
}

// Stop drains and releases the underlying worker pool. Call during daemon
// shutdown.
func (a *Applier) Stop() {
	a.pool.StopWait()
}

// Add appends an INPUT ACCEPT rule for port/proto, run on the worker pool.
// The call blocks until the rule is applied (or fails), matching the
// synchronous contract PortPool.Add expects; only the underlying OS thread
// usage is bounded by the pool, not the caller's goroutine.
func (a *Applier) Add(port int, proto models.Protocol) error {
	return a.run("-A", port, proto)
}

// Remove deletes the mirror rule added by Add. Removing a rule that is not
// present is not treated as an error by iptables -D in check mode, but we
// still surface the real command's failure for logging.
func (a *Applier) Remove(port int, proto models.Protocol) error {
	return a.run("-D", port, proto)
}

func (a *Applier) run(flag string, port int, proto models.Protocol) error {
	errCh := make(chan error, 1)
	a.pool.Submit(func() {
		args := []string{
			flag, "INPUT",
			"-p", strings.ToLower(string(proto)),
			"--dport", strconv.Itoa(port),
			"-m", "comment", "--comment", chainComment,
			"-j", "ACCEPT",
		}
		cmd := exec.Command(a.binary, args...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			errCh <- fmt.Errorf("iptables %s failed: %w: %s", flag, err, strings.TrimSpace(string(output)))
			return
		}
		errCh <- nil
	})
	return <-errCh
}

// ListManagedPorts parses `iptables -S INPUT` for rules carrying
// chainComment and reports the (port, proto) each one guards. Used by the
// boot-time reconciliation sweep (SPEC_FULL.md §5) to find rules left
// behind by a crash.
func (a *Applier) ListManagedPorts() ([]portpool.ManagedPort, error) {
	resultCh := make(chan struct {
		ports []portpool.ManagedPort
		err   error
	}, 1)

	a.pool.Submit(func() {
		cmd := exec.Command(a.binary, "-S", "INPUT")
		output, err := cmd.Output()
		if err != nil {
			resultCh <- struct {
				ports []portpool.ManagedPort
				err   error
			}{nil, fmt.Errorf("failed to list iptables rules: %w", err)}
			return
		}
		resultCh <- struct {
			ports []portpool.ManagedPort
			err   error
		}{parseManagedRules(output), nil}
	})

	result := <-resultCh
	return result.ports, result.err
}

func parseManagedRules(output []byte) []portpool.ManagedPort {
	var managed []portpool.ManagedPort
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, chainComment) {
			continue
		}
		fields := strings.Fields(line)
		var port int
		var proto models.Protocol
		for i, field := range fields {
			switch field {
			case "--dport":
				if i+1 < len(fields) {
					port, _ = strconv.Atoi(fields[i+1])
				}
			case "-p":
				if i+1 < len(fields) {
					proto = models.Protocol(strings.ToLower(fields[i+1]))
				}
			}
		}
		if port != 0 && proto != "" {
			managed = append(managed, portpool.ManagedPort{Port: port, Protocol: proto})
		}
	}
	return managed
}
