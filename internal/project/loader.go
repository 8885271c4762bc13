package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/manifest"
)

// LoadOptions are the inputs to Load.
type LoadOptions struct {
	FS             afero.Fs
	Source         Source
	SearchRoot     string
	AllowSynthetic bool
}

// Load resolves, parses, validates, and expands a manifest into a
// Project: discover or read the file, decode it twice (once into a
// generic tree for unknown-field/legacy-key detection, once into typed
// structs), classify the schema version, then expand each [[vms]] role
// into its replicas.
func Load(opts LoadOptions) (*Project, error) {
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	searchRoot := opts.SearchRoot
	if searchRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, diag.Wrap(diag.KindWorkingDirectoryUnavailable, err, "determine current directory")
		}
		searchRoot = wd
	}

	path, err := ResolveManifestPath(fs, opts.Source, searchRoot)
	if err != nil {
		if opts.AllowSynthetic {
			if derr, ok := err.(*diag.Error); ok && derr.Kind == diag.KindConfigDiscoveryFailed {
				return synthesize(searchRoot)
			}
		}
		return nil, err
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, diag.Wrap(diag.KindReadConfig, err, "read manifest").WithPath(path)
	}

	tree, err := manifest.Parse(data)
	if err != nil {
		return nil, diag.Wrap(diag.KindParseConfig, err, "parse manifest").WithPath(path)
	}

	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, diag.Wrap(diag.KindParseConfig, err, "decode manifest").WithPath(path)
	}

	var warnings []string

	// Step 2: unknown-field detection across documented sections.
	warnings = append(warnings, unknownFieldWarnings(tree)...)

	// Step 3: legacy-key detection.
	if legacy := manifest.FindLegacy(tree, "broker"); len(legacy) > 0 {
		return nil, diag.New(diag.KindDeprecatedConfig,
			"manifest declares a [broker] table, removed by the brokerless migration; see the migration guide").WithPath(path)
	}
	for i, vm := range raw.VMs {
		if vm.ManagedImage != nil {
			return nil, diag.New(diag.KindInvalidConfig,
				"vm %q declares a managed_image table, which is not supported; use base_image instead", vmName(vm, i)).WithPath(path)
		}
	}

	// Step 4: schema classification.
	if raw.Version == "" {
		return nil, diag.New(diag.KindInvalidConfig, "version is required").WithPath(path)
	}
	class, _, err := manifest.ClassifySchema(raw.Version)
	if err != nil {
		return nil, diag.Wrap(diag.KindInvalidConfig, err, "invalid version").WithPath(path)
	}
	var schemaKind SchemaKind
	switch class {
	case manifest.SchemaLegacySingleInstance:
		schemaKind = SchemaLegacy
	case manifest.SchemaMultiInstance:
		schemaKind = SchemaMulti
	default:
		schemaKind = SchemaForward
		warnings = append(warnings, fmt.Sprintf("schema version %q is newer than this build understands; proceeding with forward-compatible defaults", raw.Version))
	}

	// Step 5: validate [project], lifecycle, global bootstrap.
	if raw.Project.Name == "" {
		return nil, diag.New(diag.KindInvalidConfig, "project.name is required").WithPath(path)
	}

	lifecycle, err := decodeLifecycle(raw.Lifecycle)
	if err != nil {
		return nil, err
	}

	globalBootstrap, err := decodeBootstrap(raw.Bootstrap)
	if err != nil {
		return nil, err
	}
	if globalBootstrap.RemoteDir == "" {
		return nil, diag.New(diag.KindInvalidConfig, "project bootstrap defaults: remote_dir must not be empty").WithPath(path)
	}

	projectRoot := filepath.Dir(path)

	stateRoot := raw.Project.StateDir
	if stateRoot == "" {
		stateRoot, err = DefaultStateRoot(raw.Project.Name)
		if err != nil {
			return nil, diag.Wrap(diag.KindInvalidConfig, err, "compute default state root")
		}
	} else if !filepath.IsAbs(stateRoot) {
		stateRoot = filepath.Join(projectRoot, stateRoot)
	}

	if len(raw.VMs) == 0 {
		return nil, diag.New(diag.KindInvalidConfig, "project must declare at least one [[vms]] entry").WithPath(path)
	}

	var vms []VM
	seenNames := make(map[string]bool)
	for i, rv := range raw.VMs {
		if rv.Name == "" {
			return nil, diag.New(diag.KindInvalidConfig, "vms[%d].name is required", i)
		}
		count := 1
		if rv.Count != nil {
			count = *rv.Count
		}
		seed := roleSeed{
			name:         rv.Name,
			description:  rv.Description,
			baseImage:    rv.BaseImage,
			overlay:      rv.Overlay,
			cpus:         rv.CPUs,
			memory:       rv.Memory,
			count:        count,
			portForwards: rv.PortForwards,
			instances:    rv.Instances,
			schema:       schemaKind,
		}
		if rv.Bootstrap != nil {
			seed.bootstrap = *rv.Bootstrap
		}
		if seed.cpus == 0 {
			seed.cpus = 1
		}
		if seed.memory == "" {
			seed.memory = "512 MiB"
		}

		expanded, err := expandRole(seed, projectRoot, stateRoot, raw.Project.Name, globalBootstrap, &warnings)
		if err != nil {
			return nil, err
		}
		for _, vm := range expanded {
			if seenNames[vm.Name] {
				return nil, diag.New(diag.KindInvalidConfig, "duplicate vm name %q after replica expansion", vm.Name)
			}
			seenNames[vm.Name] = true

			if dups := DuplicateGuestForwards(vm.PortForwards); len(dups) > 0 {
				warnings = append(warnings, fmt.Sprintf("vm %q declares duplicate port forwards for %s", vm.Name, strings.Join(dups, ", ")))
			}
			if err := validateBootstrap(vm.Bootstrap, fmt.Sprintf("vm %q", vm.Name)); err != nil {
				return nil, err
			}
		}
		vms = append(vms, expanded...)
	}

	p := &Project{
		ManifestPath:     path,
		SchemaVersion:    raw.Version,
		Name:             raw.Project.Name,
		ProjectRoot:      projectRoot,
		VMs:              vms,
		StateRoot:        stateRoot,
		Lifecycle:        lifecycle,
		DefaultBootstrap: globalBootstrap,
		Warnings:         warnings,
		RawManifest:      data,
	}
	return p, nil
}

func decodeLifecycle(raw rawLifecycle) (Lifecycle, error) {
	l := DefaultLifecycle()
	if raw.GracefulShutdownWaitSecs != nil {
		l.Graceful = secs(*raw.GracefulShutdownWaitSecs)
	}
	if raw.SigtermWaitSecs != nil {
		l.SigtermWait = secs(*raw.SigtermWaitSecs)
	}
	if raw.SigkillWaitSecs != nil {
		l.SigkillWait = secs(*raw.SigkillWaitSecs)
	}
	if l.SigkillWait < secs(1) {
		return Lifecycle{}, diag.New(diag.KindInvalidConfig, "lifecycle.sigkill_wait_secs must be >= 1")
	}
	return l, nil
}

func secs(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func vmName(vm rawVM, idx int) string {
	if vm.Name != "" {
		return vm.Name
	}
	return fmt.Sprintf("vms[%d]", idx)
}

func rawVMTables(tree manifest.Tree) []manifest.Tree {
	raw, ok := tree["vms"]
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []manifest.Tree
	for _, item := range arr {
		if table, ok := item.(map[string]any); ok {
			out = append(out, manifest.Tree(table))
		}
	}
	return out
}

func unknownFieldWarnings(tree manifest.Tree) []string {
	var warnings []string
	for _, u := range manifest.FindUnknown(tree, "project", manifest.KnownFieldsFor("project")) {
		warnings = append(warnings, fmt.Sprintf("unknown field [project].%s", u.Key))
	}
	for _, u := range manifest.FindUnknown(tree, "lifecycle", manifest.KnownFieldsFor("lifecycle")) {
		warnings = append(warnings, fmt.Sprintf("unknown field [lifecycle].%s", u.Key))
	}
	for _, u := range manifest.FindUnknown(tree, "bootstrap", manifest.KnownFieldsFor("bootstrap")) {
		warnings = append(warnings, fmt.Sprintf("unknown field [bootstrap].%s", u.Key))
	}
	for i, vmTable := range rawVMTables(tree) {
		for _, u := range manifest.FindUnknownInTable(vmTable, "vm", manifest.KnownFieldsFor("vm")) {
			warnings = append(warnings, fmt.Sprintf("unknown field [[vms]][%d].%s", i, u.Key))
		}
	}
	return warnings
}
