package launcher

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/project"
)

type fixedAccel struct{ args []string }

func (f fixedAccel) AccelArgs() []string { return f.args }

func newTestVM() project.VM {
	mem, _ := project.ParseMemory("2048 MiB")
	return project.VM{
		Name:      "devbox",
		BaseImage: project.ExplicitImage("/images/base.qcow2"),
		Overlay:   "/state/overlays/devbox-overlay.qcow2",
		CPUs:      2,
		Memory:    mem,
		PortForwards: []project.PortForward{
			{HostPort: 2222, GuestPort: 22, Protocol: project.ProtocolTCP},
		},
	}
}

func TestBuildArgs_IncludesCoreFlags(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := &Launcher{FS: fs, StateRoot: "/state", Accel: fixedAccel{args: []string{"-accel", "tcg"}}}
	vm := newTestVM()

	args := l.buildArgs(vm, l.pidPath(vm.Name), l.qmpPath(vm.Name))

	assertContainsSeq(t, args, "-name", "devbox")
	assertContainsSeq(t, args, "-smp", "2")
	assertContainsSeq(t, args, "-m", "2048M")
	assertContainsSeq(t, args, "-drive", "file=/state/overlays/devbox-overlay.qcow2,if=virtio,cache=writeback,format=qcow2")
	assertContainsSeq(t, args, "-netdev", "user,id=castra-net0,hostfwd=tcp::2222-:22")
	assertContainsSeq(t, args, "-qmp", "unix:/state/devbox.qmp,server=on,wait=off")
	assertContainsSeq(t, args, "-accel", "tcg")
	assert.Contains(t, args, "-daemonize")
}

func TestWaitForPidfile_ParsesExistingPid(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := &Launcher{FS: fs, StateRoot: "/state"}
	require.NoError(t, afero.WriteFile(fs, "/state/devbox.pid", []byte("4321\n"), 0o644))

	pid, err := l.waitForPidfile("/state/devbox.pid")
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)
}

func assertContainsSeq(t *testing.T, args []string, flag, value string) {
	t.Helper()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return
		}
	}
	t.Fatalf("args %v missing %q %q", args, flag, value)
}
