package orchestrator

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/cleanup"
	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/project"
	"github.com/castra-project/castra/internal/status"
)

func eventForTest() event.Event {
	return event.New(event.KindCleanupProgress, "", map[string]any{"note": "test"})
}

func testOrchestrator(fs afero.Fs, cwd string) *Orchestrator {
	return &Orchestrator{
		FS:      fs,
		Getenv:  func(string) string { return "" },
		HomeDir: os.UserHomeDir, // project.DefaultStateRoot also calls the real os.UserHomeDir
		Cwd:     func() (string, error) { return cwd, nil },
	}
}

func TestInit_SynthesizesProjectAndWritesMetadata(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := testOrchestrator(fs, "/work/nomanifest")

	out, derr := o.Init(project.Source{Discover: true})
	require.Nil(t, derr)
	require.True(t, out.Value.Project.Synthetic)
	require.NotEmpty(t, out.Diagnostics)

	exists, err := afero.Exists(fs, out.Value.Project.StateRoot+"/metadata/workspace.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStatus_AllVMsStoppedWhenNoPidfiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := testOrchestrator(fs, "/work/nomanifest")

	initOut, derr := o.Init(project.Source{Discover: true})
	require.Nil(t, derr)

	statusOut, derr := o.Status(project.Source{Explicit: initOut.Value.Project.ManifestPath}, false)
	require.Nil(t, derr)
	require.Len(t, statusOut.Value.VMs, 1)
	assert.Equal(t, status.VMStopped, statusOut.Value.VMs[0].State)
	assert.Equal(t, status.BrokerOffline, statusOut.Value.Broker)
}

func TestClean_DryRunReportsMissingTargets(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := testOrchestrator(fs, "/work/nomanifest")

	out, derr := o.Clean("/state/castra-devbox", nil, cleanup.Options{DryRun: true})
	require.Nil(t, derr)
	assert.NotEmpty(t, out.Value.Actions)
	assert.Equal(t, int64(0), out.Value.ReclaimedBytes)
}

func TestBusPublish_AppendsToBusLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	o := testOrchestrator(fs, "/work/nomanifest")

	e := eventForTest()
	derr := o.BusPublish("/state/castra-devbox", e)
	require.Nil(t, derr)

	exists, err := afero.Exists(fs, "/state/castra-devbox/logs/bus.ndjson")
	require.NoError(t, err)
	assert.True(t, exists)
}
