// Package launcher constructs and spawns the qemu-system-* process
// backing one VM: building its argument list from the resolved project
// model, waiting for the pidfile it daemonizes into, and reporting the
// resulting pid (or failure) as events.
package launcher

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/project"
)

const pidfileWaitDeadline = 5 * time.Second

// Accelerator supplies the launch-time accelerator flags for the
// current host, matching internal/runtimectx.Context.AccelArgs.
type Accelerator interface {
	AccelArgs() []string
}

// Launcher spawns qemu-system-* for each VM, sequentially, in project
// order, halting on the first failure.
type Launcher struct {
	FS             afero.Fs
	StateRoot      string
	QemuSystemPath string
	Accel          Accelerator
}

// Launch starts every VM in vms in order, returning the events emitted
// so far (including for VMs launched before a failure) and, on the
// first failure, a non-nil error.
func (l *Launcher) Launch(vms []project.VM) ([]event.Event, error) {
	var events []event.Event
	for _, vm := range vms {
		vmEvents, err := l.launchOne(vm)
		events = append(events, vmEvents...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

func (l *Launcher) launchOne(vm project.VM) ([]event.Event, error) {
	pidPath := l.pidPath(vm.Name)
	qmpPath := l.qmpPath(vm.Name)
	logPath := l.logPath(vm.Name)
	serialPath := l.serialLogPath(vm.Name)

	_ = l.FS.Remove(pidPath)
	_ = l.FS.Remove(qmpPath)

	if err := l.FS.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, diag.Wrap(diag.KindCreateDir, err, "create log directory for %s", vm.Name).WithPath(filepath.Dir(logPath))
	}
	if err := afero.WriteFile(l.FS, serialPath, nil, 0o644); err != nil {
		return nil, diag.Wrap(diag.KindLaunchFailed, err, "truncate serial log for %s", vm.Name).WithPath(serialPath)
	}

	args := l.buildArgs(vm, pidPath, qmpPath)
	log.Debug().Str("vm", vm.Name).Strs("args", args).Msg("launching qemu")

	logFile, err := l.FS.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, diag.Wrap(diag.KindCreateDir, err, "open log file for %s", vm.Name).WithPath(logPath)
	}
	defer logFile.Close()

	var stderr bytes.Buffer
	cmd := exec.Command(l.QemuSystemPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, &stderr)
	if err := cmd.Run(); err != nil {
		return nil, diag.New(diag.KindLaunchFailed, "vm %q: qemu exited: %v: %s", vm.Name, err, strings.TrimSpace(stderr.String()))
	}

	pid, err := l.waitForPidfile(pidPath)
	if err != nil {
		return nil, diag.Wrap(diag.KindLaunchFailed, err, "vm %q: pidfile never appeared", vm.Name).WithPath(pidPath)
	}

	return []event.Event{event.New(event.KindVmLaunched, vm.Name, map[string]any{"pid": pid})}, nil
}

// buildArgs constructs the full qemu-system-* argument list.
func (l *Launcher) buildArgs(vm project.VM, pidPath, qmpPath string) []string {
	mib := vm.Memory.MiB()

	var hostfwds []string
	for _, fw := range vm.PortForwards {
		hostfwds = append(hostfwds, fmt.Sprintf("hostfwd=%s::%d-:%d", fw.Protocol, fw.HostPort, fw.GuestPort))
	}
	netdev := "user,id=castra-net0"
	if len(hostfwds) > 0 {
		netdev += "," + strings.Join(hostfwds, ",")
	}

	args := []string{
		"-name", vm.Name,
		"-daemonize",
		"-pidfile", pidPath,
		"-smp", strconv.Itoa(vm.CPUs),
		"-m", fmt.Sprintf("%dM", mib),
		"-drive", fmt.Sprintf("file=%s,if=virtio,cache=writeback,format=qcow2", vm.Overlay),
		"-netdev", netdev,
		"-device", "virtio-net-pci,netdev=castra-net0",
		"-display", "none",
		"-serial", fmt.Sprintf("file:%s", l.serialLogPath(vm.Name)),
		"-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", qmpPath),
	}
	if l.Accel != nil {
		args = append(args, l.Accel.AccelArgs()...)
	}
	return args
}

// waitForPidfile polls for pidPath to appear and parses its integer
// contents, bounded by pidfileWaitDeadline.
func (l *Launcher) waitForPidfile(pidPath string) (int, error) {
	deadline := time.Now().Add(pidfileWaitDeadline)
	for time.Now().Before(deadline) {
		raw, err := afero.ReadFile(l.FS, pidPath)
		if err == nil && len(strings.TrimSpace(string(raw))) > 0 {
			pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
			if err != nil {
				return 0, fmt.Errorf("parse pidfile: %w", err)
			}
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return 0, fmt.Errorf("pidfile %s did not appear within %s", pidPath, pidfileWaitDeadline)
}

func (l *Launcher) pidPath(vmName string) string {
	return filepath.Join(l.StateRoot, vmName+".pid")
}

func (l *Launcher) qmpPath(vmName string) string {
	return filepath.Join(l.StateRoot, vmName+".qmp")
}

func (l *Launcher) logPath(vmName string) string {
	return filepath.Join(l.StateRoot, "logs", vmName+".log")
}

func (l *Launcher) serialLogPath(vmName string) string {
	return filepath.Join(l.StateRoot, "logs", vmName+"-serial.log")
}
