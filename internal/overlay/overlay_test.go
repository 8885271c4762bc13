package overlay

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/project"
)

func testVM(overlay string) project.VM {
	return project.VM{
		Name:      "devbox",
		BaseImage: project.ExplicitImage("/images/base.qcow2"),
		Overlay:   overlay,
	}
}

func TestPrepare_RejectsMissingBaseImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := &Preparer{FS: fs}
	_, _, err := p.Prepare(testVM("/state/overlays/devbox-overlay.qcow2"))
	assert.Error(t, err)
}

func TestPrepare_CreatesOverlayParentDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/images/base.qcow2", []byte("base"), 0o644))
	p := &Preparer{FS: fs} // QemuImgBin empty: createOverlay will exec a nonexistent binary and fail

	_, _, err := p.Prepare(testVM("/state/overlays/devbox-overlay.qcow2"))
	// createOverlay invokes exec.Command("", ...) which fails; Prepare must
	// still have created the parent directory before attempting it.
	assert.Error(t, err)
	exists, statErr := afero.DirExists(fs, "/state/overlays")
	require.NoError(t, statErr)
	assert.True(t, exists)
}

func TestPrepare_ReclaimsOrphanOverlayWhenVMNotRunning(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/images/base.qcow2", []byte("base"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/state/overlays/devbox-overlay.qcow2", []byte("stale overlay"), 0o644))

	p := &Preparer{FS: fs, IsRunning: func(string) bool { return false }}
	_, events, err := p.Prepare(testVM("/state/overlays/devbox-overlay.qcow2"))
	require.Error(t, err) // still fails at createOverlay (no real qemu-img), but reclaim must have happened first

	var sawDiscard bool
	for _, e := range events {
		if string(e.Kind) == "EphemeralLayerDiscarded" {
			sawDiscard = true
		}
	}
	assert.True(t, sawDiscard)
}

func TestPrepare_SkipsRunningVMWithExistingOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/images/base.qcow2", []byte("base"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/state/overlays/devbox-overlay.qcow2", []byte("live overlay"), 0o644))

	p := &Preparer{FS: fs, IsRunning: func(string) bool { return true }}
	diags, events, err := p.Prepare(testVM("/state/overlays/devbox-overlay.qcow2"))
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Empty(t, events)

	content, err := afero.ReadFile(fs, "/state/overlays/devbox-overlay.qcow2")
	require.NoError(t, err)
	assert.Equal(t, "live overlay", string(content))
}
