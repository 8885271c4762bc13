package runtimectx

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCPU_WithinHostIsInfo(t *testing.T) {
	d := CheckCPU(1)
	assert.Equal(t, "info", string(d.Severity))
}

func TestCheckCPU_OverHostFails(t *testing.T) {
	d := CheckCPU(runtime.NumCPU() + 1000)
	assert.Equal(t, "error", string(d.Severity))
}

func TestNearestExistingAncestor_FindsExistingParent(t *testing.T) {
	dir := t.TempDir()
	missing := dir + "/does/not/exist/overlay.qcow2"
	found, err := nearestExistingAncestor(missing)
	require.NoError(t, err)
	assert.Equal(t, dir, found)
}

func TestCheckDisk_ReportsFreeSpace(t *testing.T) {
	dir := t.TempDir()
	d, err := CheckDisk(dir)
	require.NoError(t, err)
	assert.Contains(t, []string{"info", "warning", "error"}, string(d.Severity))
}

func TestCheckMemory_SkipsWhenProcUnavailable(t *testing.T) {
	if _, err := os.Stat("/proc/meminfo"); err == nil {
		t.Skip("meminfo available on this host; covered by CheckDisk-style integration elsewhere")
	}
	d := CheckMemory(1 << 30)
	assert.Equal(t, "warning", string(d.Severity))
}
