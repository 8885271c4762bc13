package runtimectx

import (
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	linuxproc "github.com/c9s/goprocinfo/linux"

	"github.com/castra-project/castra/internal/diag"
)

const (
	minFreeMemoryWarnBytes = 1 << 30      // warn below 1 GiB headroom
	minFreeMemoryFailBytes = 512 << 20    // fail below 512 MiB headroom
	minFreeDiskWarnBytes   = 2 << 30      // warn below 2 GiB
	minFreeDiskFailBytes   = 500 << 20    // fail below 500 MiB
)

// CheckCPU compares requested vCPUs to the host's logical CPU count.
// Over-subscription past the host count fails; past 80% of it warns.
func CheckCPU(requested int) diag.Diagnostic {
	host := runtime.NumCPU()
	if requested > host {
		return diag.ErrorDiag("requested %d vCPUs exceeds %d logical host CPUs", requested, host)
	}
	if float64(requested) > 0.8*float64(host) {
		return diag.Warning("requested %d vCPUs is within 20%% of %d logical host CPUs", requested, host)
	}
	return diag.Info("requested %d vCPUs of %d available", requested, host)
}

// CheckMemory compares the project's summed requested guest memory, in
// bytes, to host free memory. Host memory is read from /proc/meminfo via
// c9s/goprocinfo; on platforms without /proc (non-Linux), or on a read
// failure, the check is skipped with a warning rather than failing
// closed.
func CheckMemory(requestedBytes int64) diag.Diagnostic {
	info, err := linuxproc.ReadMemInfo("/proc/meminfo")
	if err != nil {
		return diag.Warning("host memory unavailable (%v); skipping RAM capacity check", err)
	}

	freeBytes := int64(info.MemAvailable) * 1024
	if freeBytes == 0 {
		freeBytes = int64(info.MemFree) * 1024
	}
	headroom := freeBytes - requestedBytes
	if headroom < minFreeMemoryFailBytes {
		return diag.ErrorDiag("requested guest memory would leave only %d MiB free (minimum 512 MiB)", headroom/(1<<20))
	}
	if headroom < minFreeMemoryWarnBytes {
		return diag.Warning("requested guest memory would leave only %d MiB free", headroom/(1<<20))
	}
	return diag.Info("requested guest memory leaves %d MiB free", headroom/(1<<20))
}

// CheckDisk finds the nearest existing ancestor of path and fails if its
// backing filesystem reports free space below the failure threshold,
// warns below the warning threshold. Statfs is used directly: none of
// the example repos' dependency sets include a cross-platform
// free-space library, and this host orchestrator already assumes a
// POSIX filesystem elsewhere (pidfiles, unix-socket QMP).
func CheckDisk(path string) (diag.Diagnostic, error) {
	dir, err := nearestExistingAncestor(path)
	if err != nil {
		return diag.Diagnostic{}, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return diag.Diagnostic{}, err
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)

	switch {
	case free < minFreeDiskFailBytes:
		return diag.ErrorDiag("%s has only %d MiB free disk space", dir, free/(1<<20)), nil
	case free < minFreeDiskWarnBytes:
		return diag.Warning("%s has only %d MiB free disk space", dir, free/(1<<20)), nil
	default:
		return diag.Info("%s has %d MiB free disk space", dir, free/(1<<20)), nil
	}
}

func nearestExistingAncestor(path string) (string, error) {
	dir := path
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
