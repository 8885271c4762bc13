package project

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/diag"
)

func writeManifest(t *testing.T, fs afero.Fs, path, body string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/project", 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(body), 0o644))
}

func loadAt(t *testing.T, fs afero.Fs, path string) (*Project, error) {
	t.Helper()
	return Load(LoadOptions{
		FS:         fs,
		Source:     Source{Explicit: path},
		SearchRoot: "/project",
	})
}

func TestLoad_BasicLaunch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "devbox"
cpus = 2
memory = "2048 MiB"
base_image = "images/devbox.qcow2"
overlay = ".castra/devbox-overlay.qcow2"

[[vms.port_forwards]]
host = 2222
guest = 22
protocol = "tcp"
`)

	p, err := loadAt(t, fs, "/project/castra.toml")
	require.NoError(t, err)
	require.Len(t, p.VMs, 1)

	vm := p.VMs[0]
	assert.Equal(t, "devbox", vm.Name)
	assert.Equal(t, "devbox", vm.RoleName)
	assert.Equal(t, 0, vm.ReplicaIndex)
	assert.Equal(t, 2, vm.CPUs)
	assert.Equal(t, int64(2048)<<20, vm.Memory.Bytes)
	assert.Equal(t, "/project/images/devbox.qcow2", vm.BaseImage.Path)
	assert.False(t, vm.BaseImage.IsManaged())
	assert.Equal(t, "/state/devbox-overlay.qcow2", vm.Overlay)
	require.Len(t, vm.PortForwards, 1)
	assert.Equal(t, PortForward{HostPort: 2222, GuestPort: 22, Protocol: ProtocolTCP}, vm.PortForwards[0])
	assert.Equal(t, "/state", p.StateRoot)
	assert.False(t, p.Synthetic)
}

func TestLoad_ReplicaExpansion(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.2.0"

[project]
name = "api-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "api"
count = 3
cpus = 1
memory = "512 MiB"

[[vms.port_forwards]]
host = 8080
guest = 8080
protocol = "tcp"
`)

	p, err := loadAt(t, fs, "/project/castra.toml")
	require.NoError(t, err)
	require.Len(t, p.VMs, 3)

	names := []string{p.VMs[0].Name, p.VMs[1].Name, p.VMs[2].Name}
	assert.Equal(t, []string{"api-0", "api-1", "api-2"}, names)

	base := p.VMs[0].Overlay
	assert.Equal(t, base, defaultOverlayPath("/state", "api", "api-project"))
	assert.Equal(t, suffixReplicaOverlay(base, 1), p.VMs[1].Overlay)
	assert.Equal(t, suffixReplicaOverlay(base, 2), p.VMs[2].Overlay)
}

func TestLoad_ReplicaOverride(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.2.0"

[project]
name = "api-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "api"
count = 2
cpus = 2
memory = "2048 MiB"

[[vms.instances]]
id = "api-1"
cpus = 4
memory = "4096 MiB"
overlay = ".castra/api/custom-1.qcow2"
`)

	p, err := loadAt(t, fs, "/project/castra.toml")
	require.NoError(t, err)
	require.Len(t, p.VMs, 2)

	r0, r1 := p.VMs[0], p.VMs[1]
	assert.Equal(t, "api-0", r0.Name)
	assert.Equal(t, 2, r0.CPUs)
	assert.Equal(t, int64(2048)<<20, r0.Memory.Bytes)

	assert.Equal(t, "api-1", r1.Name)
	assert.Equal(t, 4, r1.CPUs)
	assert.Equal(t, int64(4096)<<20, r1.Memory.Bytes)
	assert.Equal(t, "/state/api/custom-1.qcow2", r1.Overlay)
}

func TestLoad_ReplicaOverrideLeadingZeroRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.2.0"

[project]
name = "api-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "api"
count = 2
cpus = 2
memory = "2048 MiB"

[[vms.instances]]
id = "api-01"
cpus = 4
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
	assert.Contains(t, derr.Error(), "leading zeros")
}

func TestLoad_CountZeroRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.2.0"

[project]
name = "api-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "api"
count = 0
cpus = 1
memory = "512 MiB"
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
}

func TestLoad_CountAboveOneRejectedOnLegacySchema(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "api-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "api"
count = 2
cpus = 1
memory = "512 MiB"
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
}

func TestLoad_ManagedImageTableRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"

[vms.managed_image]
version = "3.18"
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
	assert.Contains(t, derr.Error(), "managed_image")
}

func TestLoad_DeprecatedBrokerTableRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[broker]
bind = "127.0.0.1:9001"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindDeprecatedConfig, derr.Kind)
}

func TestLoad_DuplicatePortForwardsWarnOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"

[[vms.port_forwards]]
host = 2222
guest = 22
protocol = "tcp"

[[vms.port_forwards]]
host = 2223
guest = 22
protocol = "tcp"
`)

	p, err := loadAt(t, fs, "/project/castra.toml")
	require.NoError(t, err)
	require.Len(t, p.VMs[0].PortForwards, 2)
	found := false
	for _, w := range p.Warnings {
		if w == "vm \"devbox\" declares duplicate port forwards for 22/tcp" {
			found = true
		}
	}
	assert.True(t, found, "expected duplicate-port-forward warning, got %v", p.Warnings)
}

func TestLoad_ZeroPortRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"

[[vms.port_forwards]]
host = 0
guest = 22
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
}

func TestLoad_SigkillWaitZeroRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[lifecycle]
sigkill_wait_secs = 0

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
}

func TestLoad_EmptyRemoteDirRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"
`)

	_, err := loadAt(t, fs, "/project/castra.toml")
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindInvalidConfig, derr.Kind)
	assert.Contains(t, derr.Error(), "remote_dir")
}

func TestLoad_UnknownFieldWarns(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/project/castra.toml", `
version = "0.1.0"

[project]
name = "devbox-project"
state_dir = "/state"
nonsense = true

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "devbox"
cpus = 1
memory = "512 MiB"
`)

	p, err := loadAt(t, fs, "/project/castra.toml")
	require.NoError(t, err)
	found := false
	for _, w := range p.Warnings {
		if w == "unknown field [project].nonsense" {
			found = true
		}
	}
	assert.True(t, found, "expected unknown field warning, got %v", p.Warnings)
}

func TestLoad_ConfigDiscoveryFailedWithoutSynthesis(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/empty", 0o755))

	_, err := Load(LoadOptions{FS: fs, Source: Source{Discover: true}, SearchRoot: "/empty"})
	require.Error(t, err)
	derr, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindConfigDiscoveryFailed, derr.Kind)
}

func TestLoad_SynthesizesWhenAllowed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/empty", 0o755))

	p, err := Load(LoadOptions{FS: fs, Source: Source{Discover: true}, SearchRoot: "/empty", AllowSynthetic: true})
	require.NoError(t, err)
	assert.True(t, p.Synthetic)
	require.Len(t, p.VMs, 1)
	assert.Equal(t, "devbox", p.VMs[0].Name)
	assert.True(t, p.VMs[0].BaseImage.IsManaged())
}

func TestLoad_DeterministicReplicaExpansion(t *testing.T) {
	body := `
version = "0.2.0"

[project]
name = "api-project"
state_dir = "/state"

[bootstrap]
mode = "skip"
remote_dir = "/opt/castra"

[[vms]]
name = "api"
count = 3
cpus = 1
memory = "512 MiB"
`
	fs1 := afero.NewMemMapFs()
	writeManifest(t, fs1, "/project/castra.toml", body)
	p1, err := loadAt(t, fs1, "/project/castra.toml")
	require.NoError(t, err)

	fs2 := afero.NewMemMapFs()
	writeManifest(t, fs2, "/project/castra.toml", body)
	p2, err := loadAt(t, fs2, "/project/castra.toml")
	require.NoError(t, err)

	require.Len(t, p1.VMs, len(p2.VMs))
	for i := range p1.VMs {
		assert.Equal(t, p1.VMs[i].Name, p2.VMs[i].Name)
		assert.Equal(t, p1.VMs[i].Overlay, p2.VMs[i].Overlay)
	}
}
