package managed

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/diag"
)

func TestVerify_MissingFileIsManagedImageMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := Verify(fs, "/state/images/alpine-x86_64.qcow2", AlpineX86_64)
	require.Error(t, err)
	de, ok := err.(*diag.Error)
	require.True(t, ok)
	assert.Equal(t, diag.KindManagedImageMissing, de.Kind)
}

func TestVerify_DigestMatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := []byte("fake alpine qcow2 bytes")
	sum := sha256.Sum256(content)
	img := Image{Version: "3.20.3", Filename: "alpine-x86_64.qcow2", SHA256: hex.EncodeToString(sum[:])}

	require.NoError(t, afero.WriteFile(fs, "/state/images/alpine-x86_64.qcow2", content, 0o644))
	assert.NoError(t, Verify(fs, "/state/images/alpine-x86_64.qcow2", img))
}

func TestVerify_DigestMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/images/alpine-x86_64.qcow2", []byte("wrong bytes"), 0o644))
	img := Image{Version: "3.20.3", Filename: "alpine-x86_64.qcow2", SHA256: "deadbeef"}

	err := Verify(fs, "/state/images/alpine-x86_64.qcow2", img)
	require.Error(t, err)
}

func TestVerifyOrWarn_ForceDemotesToWarning(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := VerifyOrWarn(fs, "/state/images/alpine-x86_64.qcow2", AlpineX86_64, true)
	require.NoError(t, err)
	assert.Equal(t, diag.SeverityWarning, d.Severity)
}

func TestVerifyOrWarn_WithoutForcePropagatesError(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := VerifyOrWarn(fs, "/state/images/alpine-x86_64.qcow2", AlpineX86_64, false)
	assert.Error(t, err)
}
