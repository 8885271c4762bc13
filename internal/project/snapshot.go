package project

import (
	"bytes"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
)

// configSnapshotPath is metadata/config_snapshot.toml under a state root.
func configSnapshotPath(stateRoot string) string {
	return filepath.Join(stateRoot, "metadata", "config_snapshot.toml")
}

// CheckConfigDrift compares the manifest bytes loaded for this run
// against the snapshot saved by the previous run, if any. A missing
// snapshot (first run) is not drift. A byte-for-byte match is not
// drift. Anything else is reported as an info diagnostic; the caller
// decides whether to then overwrite the snapshot.
func CheckConfigDrift(fs afero.Fs, stateRoot string, current []byte) (diag.Diagnostic, bool) {
	prior, err := afero.ReadFile(fs, configSnapshotPath(stateRoot))
	if err != nil {
		return diag.Diagnostic{}, false
	}
	if bytes.Equal(prior, current) {
		return diag.Diagnostic{}, false
	}
	return diag.Info("manifest has changed since the last run for this workspace").
		WithPath(configSnapshotPath(stateRoot)).
		WithHelp("run diffs against metadata/config_snapshot.toml; it is refreshed on this run"), true
}

// WriteConfigSnapshot persists the manifest bytes that produced this
// run's Project, so the next run can detect drift.
func WriteConfigSnapshot(fs afero.Fs, stateRoot string, current []byte) error {
	if len(current) == 0 {
		return nil
	}
	path := configSnapshotPath(stateRoot)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, current, 0o644)
}
