// Package workspace implements the registry of persisted state roots:
// discovery across the host's configured workspace roots, metadata
// snapshot reads, and liveness probing, independent of any single
// project's manifest.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
)

// Handle is a discovered workspace: a state root together with its
// stable id and, when available, its metadata snapshot.
type Handle struct {
	ID         string
	StateRoot  string
	Active     bool
	Metadata   *Metadata
	VMStates   map[string]VMLiveness
}

// VMLiveness is the minimal per-VM liveness fact the registry needs;
// richer status classification lives in internal/status.
type VMLiveness struct {
	Running bool
}

// Metadata mirrors metadata/workspace.json. SchemaVersion is a string
// ("1") so future incompatible layouts can be detected without a type
// change.
type Metadata struct {
	SchemaVersion string       `json:"schema_version"`
	ProjectName   string       `json:"project_name"`
	WorkspaceID   string       `json:"workspace_id"`
	StateRoot     string       `json:"state_root"`
	ConfigPath    string       `json:"config_path"`
	ConfigDigest  string       `json:"config_digest,omitempty"`
	VMs           []MetadataVM `json:"vms"`
}

// MetadataVM is one expanded VM's persisted summary.
type MetadataVM struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	BootstrapMode string `json:"bootstrap_mode"`
	OverlayPath   string `json:"overlay_path"`
	BaseImage     string `json:"base_image"`
}

// ID derives the stable workspace id from a canonical state-root path:
// the hex-encoded SHA-256 digest, truncated to 16 characters for a
// readable but still-unique identifier.
func ID(canonicalStateRoot string) string {
	sum := sha256.Sum256([]byte(canonicalStateRoot))
	return hex.EncodeToString(sum[:])[:16]
}

// Registry discovers and inspects workspaces across a set of roots.
type Registry struct {
	FS          afero.Fs
	Roots       []string
	LivenessFn  func(stateRoot, vmName string) bool
}

// DiscoveryRoots computes the de-duplicated, canonical-path search order:
// CASTRA_WORKSPACE_ROOTS (platform path-list), then <home>/.castra/projects,
// then ./.castra and ./.castra/state if present.
func DiscoveryRoots(getenv func(string) string, homeDir, cwd string) []string {
	var roots []string
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" {
			return
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		abs = filepath.Clean(abs)
		if seen[abs] {
			return
		}
		seen[abs] = true
		roots = append(roots, abs)
	}

	if env := getenv("CASTRA_WORKSPACE_ROOTS"); env != "" {
		for _, p := range filepath.SplitList(env) {
			add(p)
		}
	}
	if homeDir != "" {
		add(filepath.Join(homeDir, ".castra", "projects"))
	}
	if cwd != "" {
		add(filepath.Join(cwd, ".castra"))
		add(filepath.Join(cwd, ".castra", "state"))
	}
	return roots
}

// isStateRoot reports whether dir qualifies as a state root: it
// contains any of metadata/, broker.pid, handshakes/, or logs/.
func isStateRoot(fs afero.Fs, dir string) bool {
	for _, marker := range []string{"metadata", "broker.pid", "handshakes", "logs"} {
		if ok, _ := afero.Exists(fs, filepath.Join(dir, marker)); ok {
			return true
		}
	}
	return false
}

// Discover walks every configured root's immediate children and returns
// every directory qualifying as a state root. Bad metadata within a
// candidate emits a warning but never aborts the overall discovery.
func (r *Registry) Discover() ([]Handle, []diag.Diagnostic, error) {
	var handles []Handle
	var diags []diag.Diagnostic

	for _, root := range r.Roots {
		entries, err := afero.ReadDir(r.FS, root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			diags = append(diags, diag.Warning("workspace root %q unreadable: %v", root, err))
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			stateRoot := filepath.Join(root, entry.Name())
			if !isStateRoot(r.FS, stateRoot) {
				continue
			}
			h, hdiags, err := r.inspect(stateRoot)
			diags = append(diags, hdiags...)
			if err != nil {
				diags = append(diags, diag.Warning("workspace at %q could not be inspected: %v", stateRoot, err))
				continue
			}
			handles = append(handles, h)
		}
	}
	return handles, diags, nil
}

// ListActive returns only the handles with at least one running VM.
func (r *Registry) ListActive() ([]Handle, []diag.Diagnostic, error) {
	all, diags, err := r.Discover()
	if err != nil {
		return nil, diags, err
	}
	var active []Handle
	for _, h := range all {
		if h.Active {
			active = append(active, h)
		}
	}
	return active, diags, nil
}

// FindByConfig finds the workspace whose metadata's config path is
// canonically equal to configPath.
func (r *Registry) FindByConfig(configPath string) (*Handle, []diag.Diagnostic, error) {
	want, err := filepath.Abs(configPath)
	if err != nil {
		want = configPath
	}
	want = filepath.Clean(want)

	all, diags, err := r.Discover()
	if err != nil {
		return nil, diags, err
	}
	for _, h := range all {
		if h.Metadata == nil {
			continue
		}
		got, err := filepath.Abs(h.Metadata.ConfigPath)
		if err != nil {
			got = h.Metadata.ConfigPath
		}
		if filepath.Clean(got) == want {
			handle := h
			return &handle, diags, nil
		}
	}
	return nil, diags, nil
}

// inspect reads one state root's metadata (or falls back to enumerating
// *.pid files) and probes liveness for every named VM.
func (r *Registry) inspect(stateRoot string) (Handle, []diag.Diagnostic, error) {
	var diags []diag.Diagnostic

	h := Handle{
		ID:        ID(filepath.Clean(stateRoot)),
		StateRoot: stateRoot,
		VMStates:  map[string]VMLiveness{},
	}

	var vmNames []string
	metaPath := filepath.Join(stateRoot, "metadata", "workspace.json")
	if ok, _ := afero.Exists(r.FS, metaPath); ok {
		raw, err := afero.ReadFile(r.FS, metaPath)
		if err != nil {
			diags = append(diags, diag.Warning("reading %s: %v", metaPath, err))
		} else {
			var meta Metadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				diags = append(diags, diag.Warning("parsing %s: %v", metaPath, err))
			} else {
				h.Metadata = &meta
				for _, vm := range meta.VMs {
					vmNames = append(vmNames, vm.Name)
				}
			}
		}
	}

	if h.Metadata == nil {
		names, err := enumeratePidfileVMs(r.FS, stateRoot)
		if err != nil {
			diags = append(diags, diag.Warning("enumerating pidfiles under %s: %v", stateRoot, err))
		}
		vmNames = names
	}

	for _, name := range vmNames {
		running := false
		if r.LivenessFn != nil {
			running = r.LivenessFn(stateRoot, name)
		}
		h.VMStates[name] = VMLiveness{Running: running}
		if running {
			h.Active = true
		}
	}

	return h, diags, nil
}

// enumeratePidfileVMs lists <name>.pid files directly under stateRoot
// (excluding broker.pid) to recover VM names when no metadata snapshot
// exists.
func enumeratePidfileVMs(fs afero.Fs, stateRoot string) ([]string, error) {
	entries, err := afero.ReadDir(fs, stateRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "broker.pid" || !strings.HasSuffix(name, ".pid") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".pid"))
	}
	return names, nil
}

// WriteMetadata persists the workspace metadata snapshot atomically
// (write to .tmp, then rename) so a reader never observes a partial
// record.
func WriteMetadata(fs afero.Fs, stateRoot string, meta Metadata) error {
	dir := filepath.Join(stateRoot, "metadata")
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(dir, "workspace.json")
	tmp := final + ".tmp"
	if err := afero.WriteFile(fs, tmp, raw, 0o644); err != nil {
		return err
	}
	return fs.Rename(tmp, final)
}
