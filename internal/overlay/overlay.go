// Package overlay prepares the per-VM copy-on-write disk backing a
// running guest: validating the base image, reclaiming an orphaned
// overlay left by a previous run, and invoking qemu-img to create a
// fresh overlay rooted at the detected base image format.
package overlay

import (
	"encoding/json"
	"os/exec"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/project"
)

// Preparer owns the filesystem and qemu-img binary used to materialize
// overlays.
type Preparer struct {
	FS         afero.Fs
	QemuImgBin string
	// IsRunning reports whether vmName currently has a live process, so
	// an on-disk overlay from a previous run can be distinguished from
	// one in active use.
	IsRunning func(vmName string) bool
}

// Prepare ensures vm.Overlay exists, reclaiming an orphaned overlay left
// by a stopped VM and recreating it from vm.BaseImage. It never touches
// an overlay belonging to a VM IsRunning reports as live.
func (p *Preparer) Prepare(vm project.VM) ([]diag.Diagnostic, []event.Event, error) {
	var diags []diag.Diagnostic
	var events []event.Event

	baseInfo, err := p.FS.Stat(vm.BaseImage.Path)
	if err != nil || baseInfo.IsDir() {
		return diags, events, diag.New(diag.KindPreflightFailed, "base image %q is not a regular file", vm.BaseImage.Path).WithPath(vm.BaseImage.Path)
	}

	exists, err := afero.Exists(p.FS, vm.Overlay)
	if err != nil {
		return diags, events, diag.Wrap(diag.KindPreflightFailed, err, "stat overlay").WithPath(vm.Overlay)
	}

	if exists {
		if p.IsRunning != nil && p.IsRunning(vm.Name) {
			return diags, events, nil
		}

		bytesReclaimed, err := overlaySize(p.FS, vm.Overlay)
		if err != nil {
			return diags, events, diag.Wrap(diag.KindPreflightFailed, err, "stat orphan overlay").WithPath(vm.Overlay)
		}
		if err := p.FS.Remove(vm.Overlay); err != nil {
			return diags, events, diag.Wrap(diag.KindPreflightFailed, err, "remove orphan overlay").WithPath(vm.Overlay)
		}
		events = append(events, event.New(event.KindEphemeralLayerDiscarded, vm.Name, map[string]any{
			"reason": "orphan",
			"bytes":  bytesReclaimed,
		}))
	}

	if err := p.FS.MkdirAll(filepath.Dir(vm.Overlay), 0o755); err != nil {
		return diags, events, diag.Wrap(diag.KindCreateDir, err, "create overlay parent").WithPath(filepath.Dir(vm.Overlay))
	}

	format, formatDiag := p.detectFormat(vm.BaseImage.Path)
	if formatDiag != nil {
		diags = append(diags, *formatDiag)
	}

	if err := p.createOverlay(vm.BaseImage.Path, vm.Overlay, format); err != nil {
		return diags, events, diag.Wrap(diag.KindPreflightFailed, err, "create overlay for %s", vm.Name).WithPath(vm.Overlay)
	}

	events = append(events, event.New(event.KindOverlayPrepared, vm.Name, map[string]any{
		"overlay_path": vm.Overlay,
	}))
	return diags, events, nil
}

func overlaySize(fs afero.Fs, path string) (int64, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// qemuImgInfo is the subset of `qemu-img info --output=json` this
// package reads.
type qemuImgInfo struct {
	Format string `json:"format"`
}

// detectFormat shells out to `qemu-img info --output=json` to learn the
// base image's on-disk format, guarding against a silent regression when
// the base is raw rather than qcow2. A failure to detect (binary
// missing, non-zero exit, unparseable output) degrades to a warning and
// the caller falls back to "qcow2".
func (p *Preparer) detectFormat(baseImage string) (string, *diag.Diagnostic) {
	if p.QemuImgBin == "" {
		d := diag.Warning("qemu-img not available; assuming base image %q is qcow2", baseImage)
		return "qcow2", &d
	}
	out, err := exec.Command(p.QemuImgBin, "info", "--output=json", baseImage).Output()
	if err != nil {
		d := diag.Warning("qemu-img info failed for %q (%v); assuming qcow2", baseImage, err)
		return "qcow2", &d
	}
	var info qemuImgInfo
	if err := json.Unmarshal(out, &info); err != nil || info.Format == "" {
		d := diag.Warning("could not parse qemu-img info output for %q; assuming qcow2", baseImage)
		return "qcow2", &d
	}
	return info.Format, nil
}

func (p *Preparer) createOverlay(base, overlay, baseFormat string) error {
	cmd := exec.Command(p.QemuImgBin, "create", "-f", "qcow2", "-F", baseFormat, "-b", base, overlay)
	return cmd.Run()
}

