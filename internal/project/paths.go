package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var slugDisallowed = regexp.MustCompile(`[^a-z0-9-]+`)

// Slug lowercases a role name and replaces each run of characters outside
// [a-z0-9-] with '-', trimming leading and trailing '-', for use in
// generated filenames.
func Slug(name string) string {
	s := strings.ToLower(name)
	s = slugDisallowed.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "vm"
	}
	return s
}

// shortHash returns the ASCII-hex of the first 3 bytes of SHA-256(seed).
// defaultOverlayPath seeds it with the project name joined with the role
// name, so two projects can use the same role name without colliding on
// overlay filenames sharing a parent directory, while a single project's
// overlay path stays stable across repeated loads. DefaultStateRoot seeds
// it with the project name alone.
func shortHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:3])
}

// DefaultStateRoot computes <home>/.castra/projects/<slug>-<hash>, used
// unless [project].state_dir overrides it.
func DefaultStateRoot(projectName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dirName := fmt.Sprintf("%s-%s", Slug(projectName), shortHash(projectName))
	return filepath.Join(home, ".castra", "projects", dirName), nil
}

// DefaultAlpinePath is the managed cache location for the default Alpine
// base image.
func DefaultAlpinePath(stateRoot string) string {
	return filepath.Join(stateRoot, "images", "alpine-x86_64.qcow2")
}

// resolveBaseImage resolves a VM's declared base_image: empty falls back
// to the managed Alpine image, relative paths resolve against the
// project root.
func resolveBaseImage(explicit string, projectRoot, stateRoot string) BaseImageSource {
	if explicit == "" {
		return DefaultAlpineImage(DefaultAlpinePath(stateRoot))
	}
	if filepath.IsAbs(explicit) {
		return ExplicitImage(explicit)
	}
	return ExplicitImage(filepath.Join(projectRoot, explicit))
}

// defaultOverlayPath computes <state_root>/overlays/<slug(role)>-<short-sha>-overlay.qcow2
func defaultOverlayPath(stateRoot, roleName, projectName string) string {
	name := fmt.Sprintf("%s-%s-overlay.qcow2", Slug(roleName), shortHash(projectName+"/"+roleName))
	return filepath.Join(stateRoot, "overlays", name)
}

// resolveOverlay resolves a VM's declared overlay path, including the
// ".castra/..." rewrite to live under state_root.
func resolveOverlay(explicit string, stateRoot string) string {
	if explicit == "" {
		return ""
	}
	const prefix = ".castra/"
	if strings.HasPrefix(explicit, prefix) {
		return filepath.Join(stateRoot, strings.TrimPrefix(explicit, prefix))
	}
	if filepath.IsAbs(explicit) {
		return explicit
	}
	return filepath.Join(stateRoot, explicit)
}

// suffixReplicaOverlay suffixes an inherited overlay path for replicas
// i>0: "…-overlay.qcow2" -> "…-overlay-i.qcow2".
func suffixReplicaOverlay(overlay string, index int) string {
	if index == 0 {
		return overlay
	}
	const ext = ".qcow2"
	if strings.HasSuffix(overlay, ext) {
		base := strings.TrimSuffix(overlay, ext)
		return fmt.Sprintf("%s-%d%s", base, index, ext)
	}
	return fmt.Sprintf("%s-%d", overlay, index)
}
