package workspace

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryRoots_DedupesAndOrders(t *testing.T) {
	getenv := func(key string) string {
		if key == "CASTRA_WORKSPACE_ROOTS" {
			return "/extra/roots:/home/op/.castra/projects"
		}
		return ""
	}
	roots := DiscoveryRoots(getenv, "/home/op", "/work")
	require.Equal(t, []string{
		"/extra/roots",
		"/home/op/.castra/projects",
		"/work/.castra",
		"/work/.castra/state",
	}, roots)
}

func TestDiscover_FindsStateRootsByMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/roots/proj-a/logs", 0o755))
	require.NoError(t, fs.MkdirAll("/roots/not-a-workspace", 0o755))

	reg := &Registry{FS: fs, Roots: []string{"/roots"}}
	handles, _, err := reg.Discover()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "/roots/proj-a", handles[0].StateRoot)
	assert.False(t, handles[0].Active)
}

func TestDiscover_ReadsMetadataAndProbesLiveness(t *testing.T) {
	fs := afero.NewMemMapFs()
	stateRoot := "/roots/proj-a"
	meta := Metadata{
		SchemaVersion: "1",
		ProjectName:   "proj-a",
		ConfigPath:    "/home/op/proj-a/castra.toml",
		VMs: []MetadataVM{
			{Name: "devbox", BootstrapMode: "auto"},
			{Name: "api-0", BootstrapMode: "auto"},
		},
	}
	require.NoError(t, WriteMetadata(fs, stateRoot, meta))

	reg := &Registry{
		FS:    fs,
		Roots: []string{"/roots"},
		LivenessFn: func(stateRoot, vmName string) bool {
			return vmName == "api-0"
		},
	}
	handles, _, err := reg.Discover()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	h := handles[0]
	assert.True(t, h.Active)
	assert.True(t, h.VMStates["api-0"].Running)
	assert.False(t, h.VMStates["devbox"].Running)
	require.NotNil(t, h.Metadata)
	assert.Equal(t, "proj-a", h.Metadata.ProjectName)
}

func TestDiscover_FallsBackToPidfileEnumeration(t *testing.T) {
	fs := afero.NewMemMapFs()
	stateRoot := "/roots/proj-b"
	require.NoError(t, fs.MkdirAll(stateRoot+"/logs", 0o755))
	require.NoError(t, afero.WriteFile(fs, stateRoot+"/devbox.pid", []byte("123"), 0o644))
	require.NoError(t, afero.WriteFile(fs, stateRoot+"/broker.pid", []byte("1"), 0o644))

	reg := &Registry{FS: fs, Roots: []string{"/roots"}}
	handles, _, err := reg.Discover()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Nil(t, handles[0].Metadata)
	_, ok := handles[0].VMStates["devbox"]
	assert.True(t, ok)
	_, brokerTracked := handles[0].VMStates["broker"]
	assert.False(t, brokerTracked)
}

func TestFindByConfig_MatchesCanonicalPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	stateRoot := "/roots/proj-a"
	require.NoError(t, WriteMetadata(fs, stateRoot, Metadata{
		ConfigPath: "/home/op/proj-a/castra.toml",
	}))

	reg := &Registry{FS: fs, Roots: []string{"/roots"}}
	h, _, err := reg.FindByConfig("/home/op/proj-a/castra.toml")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, stateRoot, h.StateRoot)

	miss, _, err := reg.FindByConfig("/home/op/other/castra.toml")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestID_StableForSamePath(t *testing.T) {
	assert.Equal(t, ID("/roots/proj-a"), ID("/roots/proj-a"))
	assert.NotEqual(t, ID("/roots/proj-a"), ID("/roots/proj-b"))
	assert.Len(t, ID("/roots/proj-a"), 16)
}
