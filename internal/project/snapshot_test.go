package project

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigDrift_NoSnapshotIsNotDrift(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, drifted := CheckConfigDrift(fs, "/state", []byte("version=\"2.0.0\"\n"))
	assert.False(t, drifted)
}

func TestCheckConfigDrift_MatchingSnapshotIsNotDrift(t *testing.T) {
	fs := afero.NewMemMapFs()
	body := []byte("version=\"2.0.0\"\n")
	require.NoError(t, WriteConfigSnapshot(fs, "/state", body))
	_, drifted := CheckConfigDrift(fs, "/state", body)
	assert.False(t, drifted)
}

func TestCheckConfigDrift_ChangedManifestIsDrift(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteConfigSnapshot(fs, "/state", []byte("version=\"2.0.0\"\n")))
	d, drifted := CheckConfigDrift(fs, "/state", []byte("version=\"2.1.0\"\n"))
	assert.True(t, drifted)
	assert.Equal(t, "info", string(d.Severity))
}

func TestWriteConfigSnapshot_RoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	body := []byte("version=\"2.0.0\"\n")
	require.NoError(t, WriteConfigSnapshot(fs, "/state", body))
	got, err := afero.ReadFile(fs, configSnapshotPath("/state"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}
