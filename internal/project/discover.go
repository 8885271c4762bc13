package project

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
)

const ManifestFilename = "castra.toml"

// Source selects where the manifest comes from.
type Source struct {
	Explicit string // non-empty: use this path verbatim
	Discover bool   // true: walk upward from SearchRoot
}

// discoverManifest walks fs from root upward looking for castra.toml.
func discoverManifest(fs afero.Fs, root string) (string, error) {
	dir, err := filepath.Abs(root)
	if err != nil {
		return "", diag.Wrap(diag.KindWorkingDirectoryUnavailable, err, "resolve search root %q", root)
	}
	for {
		candidate := filepath.Join(dir, ManifestFilename)
		if exists, _ := afero.Exists(fs, candidate); exists {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", diag.New(diag.KindConfigDiscoveryFailed, "no %s found above %s", ManifestFilename, root).WithPath(root)
		}
		dir = parent
	}
}

// ResolveManifestPath resolves a manifest path for either Source
// variant: an explicit path is checked for existence verbatim;
// otherwise it discovers one by walking upward from searchRoot.
func ResolveManifestPath(fs afero.Fs, src Source, searchRoot string) (string, error) {
	if src.Explicit != "" {
		abs, err := filepath.Abs(src.Explicit)
		if err != nil {
			return "", diag.Wrap(diag.KindWorkingDirectoryUnavailable, err, "resolve explicit config path %q", src.Explicit)
		}
		if exists, _ := afero.Exists(fs, abs); !exists {
			return "", diag.New(diag.KindExplicitConfigMissing, "explicit config path does not exist").WithPath(abs)
		}
		return abs, nil
	}
	return discoverManifest(fs, searchRoot)
}
