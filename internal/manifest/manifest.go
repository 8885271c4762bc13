// Package manifest decodes the castra.toml logical schema into a generic
// tree for unknown-field/legacy-key detection, then into typed structs.
// It does not expand replicas or resolve paths — that is
// internal/project's job.
package manifest

import (
	"fmt"

	"github.com/hashicorp/go-version"
	"github.com/pelletier/go-toml/v2"
)

// Tree is the generic tagged-value parse of a manifest, used to walk
// every documented section for fields the typed struct below doesn't
// know about.
type Tree map[string]any

// Parse decodes raw TOML bytes into the generic Tree.
func Parse(data []byte) (Tree, error) {
	var t Tree
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return t, nil
}

// SchemaClass is the coarse classification of a manifest's declared
// version into legacy single-instance, multi-instance, or a newer schema
// this build only partially understands.
type SchemaClass int

const (
	SchemaLegacySingleInstance SchemaClass = iota
	SchemaMultiInstance
	SchemaForwardCompatible
)

// ClassifySchema parses a "MAJOR.MINOR.PATCH" version string and buckets
// it, using hashicorp/go-version rather than hand-splitting on dots so
// prerelease/build-metadata suffixes parse correctly too.
func ClassifySchema(raw string) (SchemaClass, *version.Version, error) {
	v, err := version.NewVersion(raw)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	segs := v.Segments()
	major, minor := segs[0], 0
	if len(segs) > 1 {
		minor = segs[1]
	}
	switch {
	case major == 0 && minor == 1:
		return SchemaLegacySingleInstance, v, nil
	case major == 0 && minor == 2:
		return SchemaMultiInstance, v, nil
	default:
		return SchemaForwardCompatible, v, nil
	}
}

// knownFields lists the recognized option names per documented section.
// UnknownFields walks the generic Tree and reports anything not listed
// here as a warning, never fatal.
var knownFields = map[string][]string{
	"project":    {"name", "state_dir"},
	"lifecycle":  {"graceful_shutdown_wait_secs", "sigterm_wait_secs", "sigkill_wait_secs"},
	"bootstrap":  {"mode", "handshake_timeout_secs", "remote_dir", "env", "script", "payload", "verify_command", "verify_path"},
	"vm":         {"name", "description", "base_image", "overlay", "cpus", "memory", "count", "port_forwards", "bootstrap", "instances"},
	"port_fwd":   {"host", "guest", "protocol"},
	"instance":   {"id"}, // remainder of an instance table is any per-VM field, checked against "vm"
}

// UnknownField is a single unrecognized key observed while walking a
// documented section.
type UnknownField struct {
	Section string
	Key     string
}

// legacyKeys names keys removed by the brokered->brokerless migration.
// Their presence is a migration error, not a silent ignore.
var legacyKeys = map[string][]string{
	"vm":      {"managed_image"},
	"broker":  {"bind", "tls", "token"}, // the whole [broker] table predates the multi-instance schema
}

// FindUnknown walks t[section] (a TOML table, one level) and reports any
// key not present in known.
func FindUnknown(t Tree, section string, known []string) []UnknownField {
	raw, ok := t[section]
	if !ok {
		return nil
	}
	table, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return findUnknownInTable(table, section, known)
}

// FindUnknownInTable checks a table's keys directly, for callers (like
// the per-element walk over [[vms]]) that already hold the table rather
// than its parent.
func FindUnknownInTable(t Tree, section string, known []string) []UnknownField {
	return findUnknownInTable(t, section, known)
}

func findUnknownInTable(table map[string]any, section string, known []string) []UnknownField {
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}
	var out []UnknownField
	for k := range table {
		if !knownSet[k] {
			out = append(out, UnknownField{Section: section, Key: k})
		}
	}
	return out
}

// FindLegacy reports whether any of legacyKeys[section] is present under
// t[section] (or, for "broker", whether the [broker] table exists at
// all).
func FindLegacy(t Tree, section string) []string {
	keys, ok := legacyKeys[section]
	if !ok {
		return nil
	}
	raw, ok := t[section]
	if !ok {
		return nil
	}
	table, ok := raw.(map[string]any)
	if !ok {
		// [broker] present as a non-table or bare presence still counts.
		if section == "broker" {
			return keys
		}
		return nil
	}
	var found []string
	for _, k := range keys {
		if _, present := table[k]; present {
			found = append(found, k)
		}
	}
	if section == "broker" {
		found = append(found, "broker")
	}
	return found
}

// KnownFieldsFor exposes knownFields for callers in internal/project that
// need to validate per-VM and per-port-forward tables too.
func KnownFieldsFor(section string) []string {
	return knownFields[section]
}
