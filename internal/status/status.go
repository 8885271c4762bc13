// Package status classifies VM and broker liveness from pidfiles and
// handshake freshness, and reports per-port forward activity, for the
// read-side status/ports operations.
package status

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	linuxproc "github.com/c9s/goprocinfo/linux"
	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/broker"
	"github.com/castra-project/castra/internal/project"
)

// clockTicksPerSecond is USER_HZ, universally 100 on Linux without
// cgo's sysconf(_SC_CLK_TCK); avoids the C import the teacher pulls in
// just to read this one constant.
const clockTicksPerSecond = 100

// VMState is a VM's classified liveness.
type VMState string

const (
	VMStopped VMState = "stopped"
	VMRunning VMState = "running"
	VMUnknown VMState = "unknown"
)

// VMStatus is one VM's full status snapshot.
type VMStatus struct {
	Name   string
	State  VMState
	PID    int
	Uptime time.Duration
	Proc   *ProcStats
}

// ProcStats is a single /proc sample of a VM's qemu process, grounded
// in the teacher's ProcStats() VM-interface method: resident memory and
// accumulated CPU time, reported behind the status inspector's
// "detailed" flag rather than sampled on every status call.
type ProcStats struct {
	ResidentBytes uint64
	CPUTime       time.Duration
}

// ReadProcStats samples /proc/<pid>/stat and /proc/<pid>/statm for one
// process. It does not walk child processes the way the teacher's
// recursive ProcStats tree does: qemu-system is the only process this
// orchestrator launches per VM, so there is no child tree to sum.
func ReadProcStats(pid int) (ProcStats, error) {
	stat, err := linuxproc.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcStats{}, err
	}
	statm, err := linuxproc.ReadProcessStatm(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return ProcStats{}, err
	}

	pageSize := uint64(os.Getpagesize())
	cpuTime := time.Duration(float64(stat.Utime+stat.Stime)/clockTicksPerSecond) * time.Second
	return ProcStats{
		ResidentBytes: statm.Resident * pageSize,
		CPUTime:       cpuTime,
	}, nil
}

// ClassifyVM implements the pidfile-driven state machine: missing file
// is stopped, empty/garbled is removed-then-stopped, a live signal-0
// probe is running, ESRCH removes the stale file and reports stopped,
// EPERM is running (reachable but unsignalable), anything else unknown.
func ClassifyVM(fs afero.Fs, stateRoot, vmName string) VMStatus {
	path := filepath.Join(stateRoot, vmName+".pid")
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return VMStatus{Name: vmName, State: VMStopped}
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		_ = fs.Remove(path)
		return VMStatus{Name: vmName, State: VMStopped}
	}

	info, statErr := fs.Stat(path)
	var uptime time.Duration
	if statErr == nil {
		uptime = time.Since(info.ModTime())
	}

	switch signalErr := syscall.Kill(pid, 0); {
	case signalErr == nil:
		return VMStatus{Name: vmName, State: VMRunning, PID: pid, Uptime: uptime}
	case errors.Is(signalErr, syscall.ESRCH):
		_ = fs.Remove(path)
		return VMStatus{Name: vmName, State: VMStopped}
	case errors.Is(signalErr, syscall.EPERM):
		return VMStatus{Name: vmName, State: VMRunning, PID: pid, Uptime: uptime}
	default:
		return VMStatus{Name: vmName, State: VMUnknown, PID: pid, Uptime: uptime}
	}
}

// ClassifyVMDetailed calls ClassifyVM and, for a running VM, augments
// the result with a /proc sample. A sampling failure (process gone
// between the liveness probe and the /proc read, or a non-Linux host)
// leaves Proc nil rather than failing the whole status call.
func ClassifyVMDetailed(fs afero.Fs, stateRoot, vmName string) VMStatus {
	s := ClassifyVM(fs, stateRoot, vmName)
	if s.State != VMRunning {
		return s
	}
	if proc, err := ReadProcStats(s.PID); err == nil {
		s.Proc = &proc
	}
	return s
}

// BrokerState is the broker reachability classification combining
// process liveness with the freshest handshake across all VMs.
type BrokerState string

const (
	BrokerReachable BrokerState = "reachable"
	BrokerWaiting   BrokerState = "waiting"
	BrokerOffline   BrokerState = "offline"
)

// ClassifyBroker reports broker reachability for a project: offline if
// the broker process is not running, reachable if the freshest
// handshake across vmNames is within HandshakeFreshness, waiting
// otherwise.
func ClassifyBroker(fs afero.Fs, stateRoot string, vmNames []string) BrokerState {
	brokerStatus := ClassifyVM(fs, stateRoot, "broker")
	if brokerStatus.State != VMRunning {
		return BrokerOffline
	}

	now := time.Now()
	for _, vm := range vmNames {
		h, err := broker.ReadHandshake(fs, stateRoot, vm)
		if err == nil && broker.IsFresh(h, now) {
			return BrokerReachable
		}
	}
	return BrokerWaiting
}

// PortState of one forward's inspection result.
type PortState string

const (
	PortActive                        PortState = "Active"
	PortInactiveNotBound               PortState = "Inactive(PortNotBound)"
	PortInactiveVmStopped              PortState = "Inactive(VmStopped)"
	PortInactiveInspectionUnavailable  PortState = "Inactive(InspectionUnavailable)"
)

// PortStatus is one forward's declared mapping plus its active state.
type PortStatus struct {
	VM       string
	Forward  project.PortForward
	State    PortState
}

// InspectPorts computes Active vs Declared for every VM's forwards. A
// transient bind on 127.0.0.1:<host_port> that fails with AddrInUse
// means something (presumably the running VM) is bound there, so the
// forward is Active; a successful bind (later released) means the port
// is not actually in use.
func InspectPorts(fs afero.Fs, stateRoot string, vms []project.VM) []PortStatus {
	var out []PortStatus
	for _, vm := range vms {
		vmStatus := ClassifyVM(fs, stateRoot, vm.Name)
		for _, fw := range vm.PortForwards {
			state := inspectOne(vmStatus, fw)
			out = append(out, PortStatus{VM: vm.Name, Forward: fw, State: state})
		}
	}
	return out
}

func inspectOne(vmStatus VMStatus, fw project.PortForward) PortState {
	if vmStatus.State != VMRunning {
		return PortInactiveVmStopped
	}
	addr := fmt.Sprintf("127.0.0.1:%d", fw.HostPort)
	l, err := net.Listen("tcp", addr)
	if err == nil {
		l.Close()
		return PortInactiveNotBound
	}
	if strings.Contains(err.Error(), "address already in use") {
		return PortActive
	}
	return PortInactiveInspectionUnavailable
}
