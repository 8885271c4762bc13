// Package runtimectx builds the runtime context consumed by preflight:
// locating the qemu-system/qemu-img binaries, enumerating available
// accelerators, and checking host CPU, RAM, disk, and port capacity
// before any VM is launched.
package runtimectx

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/castra-project/castra/internal/diag"
)

// Context is the resolved host runtime: binary locations and the set of
// accelerators qemu-system reports as available.
type Context struct {
	QemuSystemPath string
	QemuImgPath    string // empty if qemu-img could not be located
	Accelerators   []string
	Force          bool
}

// qemuSystemNames lists the qemu-system binary names to probe, most
// specific to the running host architecture first.
func qemuSystemNames() []string {
	switch runtime.GOARCH {
	case "arm64":
		return []string{"qemu-system-aarch64", "qemu-system-x86_64"}
	default:
		return []string{"qemu-system-x86_64", "qemu-system-aarch64"}
	}
}

// Discover locates qemu-system-* and qemu-img on $PATH. Absence of
// qemu-system is always fatal. Absence of qemu-img is surfaced here only
// as a diagnostic, never an error; overlay preparation then fails for
// every VM whose overlay has to be created or recreated.
func Discover(force bool) (*Context, []diag.Diagnostic, error) {
	var diags []diag.Diagnostic

	var systemPath string
	for _, name := range qemuSystemNames() {
		if p, err := exec.LookPath(name); err == nil {
			systemPath = p
			break
		}
	}
	if systemPath == "" {
		return nil, diags, diag.New(diag.KindPreflightFailed,
			"no qemu-system binary found on PATH (tried %s)", strings.Join(qemuSystemNames(), ", "))
	}

	imgPath, err := exec.LookPath("qemu-img")
	if err != nil {
		diags = append(diags, diag.Warning("qemu-img not found on PATH; creating or recreating an overlay will fail"))
		imgPath = ""
	}

	accel, err := enumerateAccelerators(systemPath)
	if err != nil {
		diags = append(diags, diag.Warning("unable to enumerate qemu accelerators: %v", err))
	}

	log.Debug().Str("qemu-system", systemPath).Str("qemu-img", imgPath).
		Strs("accelerators", accel).Msg("runtime context discovered")

	return &Context{
		QemuSystemPath: systemPath,
		QemuImgPath:    imgPath,
		Accelerators:   accel,
		Force:          force,
	}, diags, nil
}

// enumerateAccelerators parses `qemu-system-* -accel help`, whose output
// is a header line followed by one accelerator name per line.
func enumerateAccelerators(qemuSystemPath string) ([]string, error) {
	out, err := exec.Command(qemuSystemPath, "-accel", "help").Output()
	if err != nil {
		return nil, err
	}
	return parseAccelOutput(string(out))
}

func parseAccelOutput(out string) ([]string, error) {
	var accel []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Accelerators") {
			continue
		}
		accel = append(accel, line)
	}
	return accel, nil
}

// Has reports whether the named accelerator (e.g. "kvm", "hvf") was
// enumerated.
func (c *Context) Has(name string) bool {
	for _, a := range c.Accelerators {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// AccelArgs picks the launch-time accelerator flags for the current
// platform: HVF on macOS, KVM on Linux when available, TCG otherwise.
func (c *Context) AccelArgs() []string {
	switch runtime.GOOS {
	case "darwin":
		if c.Has("hvf") {
			return []string{"-accel", "hvf", "-cpu", "host"}
		}
	case "linux":
		if c.Has("kvm") {
			return []string{"-accel", "kvm", "-cpu", "host"}
		}
	}
	return []string{"-accel", "tcg"}
}

// ReservePort performs a transient bind probe on 127.0.0.1:port,
// releasing the listener immediately on success. Every bind failure,
// address-in-use or otherwise, is returned wrapped with the port number;
// the underlying cause stays reachable through errors.Is.
func ReservePort(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}
	return l.Close()
}

// ReserveHostPorts bind-probes every unique host port declared by the
// project (plus the broker port, when non-zero). Two VMs declaring the
// same host port is a distinct, always-fatal condition the caller must
// detect before calling this (orchestrator.Up does, via
// conflictingHostPort) — it is a manifest inconsistency, not "something
// else is using this port right now," so --force must not demote it.
func ReserveHostPorts(force bool, ports []int) []diag.Diagnostic {
	var diags []diag.Diagnostic
	for _, port := range ports {
		if err := ReservePort(port); err != nil {
			d := diag.ErrorDiag("preflight: %v", err)
			if force {
				d.Severity = diag.SeverityWarning
			}
			diags = append(diags, d)
		}
	}
	return diags
}
