package bootstrap

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/project"
)

func TestArtifactHash_StableAndEnvOrderIndependent(t *testing.T) {
	a := project.BootstrapConfig{Script: "s", Payload: "p", Env: map[string]string{"A": "1", "B": "2"}}
	b := project.BootstrapConfig{Script: "s", Payload: "p", Env: map[string]string{"B": "2", "A": "1"}}
	assert.Equal(t, ArtifactHash(a), ArtifactHash(b))

	c := project.BootstrapConfig{Script: "s2", Payload: "p", Env: map[string]string{"A": "1", "B": "2"}}
	assert.NotEqual(t, ArtifactHash(a), ArtifactHash(c))
}

func TestStampID_SanitizesAndJoins(t *testing.T) {
	id := StampID("abc-123", "def/456")
	assert.Equal(t, "abc_123__def_456", id)
}

func TestRun_SkipModeEmitsSkippedStep(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &Runner{FS: fs, StateRoot: "/state"}
	vm := project.VM{Name: "devbox", Bootstrap: project.BootstrapConfig{Mode: project.BootstrapSkip}}

	status, events, err := r.Run(vm, "basehash")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status)
	require.Len(t, events, 1)
	assert.Equal(t, "BootstrapStep", string(events[0].Kind))
}

func TestRun_NoPlanInAutoModeIsSkipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &Runner{FS: fs, StateRoot: "/state"}
	vm := project.VM{Name: "devbox", Bootstrap: project.BootstrapConfig{Mode: project.BootstrapAuto}}

	status, _, err := r.Run(vm, "basehash")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status)
}

func TestRun_NoPlanInAlwaysModeFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &Runner{FS: fs, StateRoot: "/state"}
	vm := project.VM{Name: "devbox", Bootstrap: project.BootstrapConfig{Mode: project.BootstrapAlways}}

	_, _, err := r.Run(vm, "basehash")
	assert.Error(t, err)
}

func TestRun_AutoModeStampHitIsNoOp(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &Runner{FS: fs, StateRoot: "/state"}
	plan := Plan{ArtifactHash: "artifact", SSH: SSHConnection{User: "root", Host: "127.0.0.1", Port: 22}}
	require.NoError(t, r.SavePlan("devbox", plan))

	stampID := StampID("basehash", "artifact")
	require.NoError(t, r.writeStamp("devbox", stampID, "basehash", plan))

	vm := project.VM{Name: "devbox", Bootstrap: project.BootstrapConfig{Mode: project.BootstrapAuto}}
	status, events, err := r.Run(vm, "basehash")
	require.NoError(t, err)
	assert.Equal(t, StatusNoOp, status)

	var sawWaitSkip bool
	for _, ev := range events {
		if ev.Data["step"] == "WaitHandshake" && ev.Data["outcome"] == "Skipped" {
			sawWaitSkip = true
		}
	}
	assert.True(t, sawWaitSkip)
}

func TestLoadSavePlan_RoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := &Runner{FS: fs, StateRoot: "/state"}
	plan := Plan{
		ArtifactHash: "abc",
		SSH:          SSHConnection{User: "root", Host: "127.0.0.1", Port: 2222},
		Remote:       Remote{BootstrapScript: "/root/bootstrap.sh"},
	}
	require.NoError(t, r.SavePlan("devbox", plan))

	loaded, err := r.LoadPlan("devbox")
	require.NoError(t, err)
	assert.Equal(t, plan.ArtifactHash, loaded.ArtifactHash)
	assert.Equal(t, plan.SSH.Port, loaded.SSH.Port)
}
