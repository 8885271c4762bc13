// Package cleanup implements scoped reclamation of a workspace's state
// root: removing managed image cache, logs, handshakes, pidfiles, and
// optionally overlays, with a safety guard against reclaiming a state
// root that still has live processes.
package cleanup

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/status"
)

// ActionKind of a single cleanup action outcome.
type ActionKind string

const (
	ActionRemoved        ActionKind = "Removed"
	ActionSkippedMissing ActionKind = "Skipped(Missing)"
	ActionSkippedIO      ActionKind = "Skipped(Io)"
	ActionSkippedDryRun  ActionKind = "Skipped(DryRun)"
)

// Action is one target's cleanup outcome.
type Action struct {
	Target string
	Kind   ActionKind
	Bytes  int64
	Detail string
}

// Options controls which targets are in scope.
type Options struct {
	DryRun         bool
	IncludeOverlays bool
	NoLogs         bool
	NoHandshakes   bool
	ManagedOnly    bool
	Force          bool
}

// Result is one state root's cleanup outcome.
type Result struct {
	StateRoot      string
	ReclaimedBytes int64
	Actions        []Action
	Events         []event.Event
}

// Engine performs cleanup against one or more state roots.
type Engine struct {
	FS afero.Fs
}

// Clean reclaims targets under stateRoot according to opts. vmNames,
// when available (from a resolvable config or prior metadata), drives
// the liveness safety guard; pass nil when cleaning a bare state root
// with no VM names known, in which case pidfile enumeration is used.
func (e *Engine) Clean(stateRoot string, vmNames []string, opts Options) (Result, error) {
	result := Result{StateRoot: stateRoot}

	// The liveness probe removes stale pidfiles; a dry run probes through a
	// read-only view so it leaves the state root untouched.
	guard := e
	if opts.DryRun {
		guard = &Engine{FS: afero.NewReadOnlyFs(e.FS)}
	}
	if names, err := guard.liveVMNames(stateRoot, vmNames); err != nil {
		return result, err
	} else if len(names) > 0 && !opts.Force {
		return result, diag.New(diag.KindPreflightFailed,
			"state root %q has live processes (%s); refusing to clean", stateRoot, strings.Join(names, ", "))
	} else if len(names) > 0 {
		result.Events = append(result.Events, event.New(event.KindCleanupProgress, "", map[string]any{
			"warning": "force-cleaning state root with live processes",
			"vms":     names,
		}))
	}

	targets := e.buildTargets(stateRoot, vmNames, opts)
	for _, target := range targets {
		action := e.applyTarget(target, opts.DryRun)
		result.Actions = append(result.Actions, action)
		if action.Kind != ActionSkippedDryRun {
			result.ReclaimedBytes += action.Bytes
		}
		result.Events = append(result.Events, event.New(event.KindCleanupProgress, "", map[string]any{
			"target":   action.Target,
			"outcome":  action.Kind,
			"bytes":    action.Bytes,
			"dry_run":  opts.DryRun,
		}))
	}
	return result, nil
}

type target struct {
	path      string
	isManaged bool
}

func (e *Engine) buildTargets(stateRoot string, vmNames []string, opts Options) []target {
	var targets []target

	targets = append(targets, target{path: filepath.Join(stateRoot, "images"), isManaged: true})

	if !opts.ManagedOnly {
		if !opts.NoLogs {
			targets = append(targets, target{path: filepath.Join(stateRoot, "logs")})
		}
		if !opts.NoHandshakes {
			targets = append(targets, target{path: filepath.Join(stateRoot, "handshakes")})
		}
		targets = append(targets, target{path: filepath.Join(stateRoot, "broker.pid")})
		for _, name := range vmNames {
			targets = append(targets, target{path: filepath.Join(stateRoot, name+".pid")})
		}
		if opts.IncludeOverlays {
			targets = append(targets, target{path: filepath.Join(stateRoot, "overlays")})
		}
	}

	return targets
}

func (e *Engine) applyTarget(t target, dryRun bool) Action {
	exists, err := afero.Exists(e.FS, t.path)
	if err != nil {
		return Action{Target: t.path, Kind: ActionSkippedIO, Detail: err.Error()}
	}
	if !exists {
		return Action{Target: t.path, Kind: ActionSkippedMissing}
	}

	size, err := e.sizeOf(t.path)
	if err != nil {
		return Action{Target: t.path, Kind: ActionSkippedIO, Detail: err.Error()}
	}

	if dryRun {
		return Action{Target: t.path, Kind: ActionSkippedDryRun, Bytes: size}
	}

	if err := e.FS.RemoveAll(t.path); err != nil {
		return Action{Target: t.path, Kind: ActionSkippedIO, Detail: err.Error()}
	}
	return Action{Target: t.path, Kind: ActionRemoved, Bytes: size}
}

func (e *Engine) sizeOf(path string) (int64, error) {
	info, err := e.FS.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	return e.walkSize(path)
}

func (e *Engine) walkSize(path string) (int64, error) {
	entries, err := afero.ReadDir(e.FS, path)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range entries {
		child := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			sub, err := e.walkSize(child)
			if err != nil {
				return 0, err
			}
			total += sub
		} else {
			total += entry.Size()
		}
	}
	return total, nil
}

// liveVMNames returns the subset of vmNames (or, if empty, every
// enumerable *.pid stem under stateRoot) currently running.
func (e *Engine) liveVMNames(stateRoot string, vmNames []string) ([]string, error) {
	names := vmNames
	if len(names) == 0 {
		entries, err := afero.ReadDir(e.FS, stateRoot)
		if err != nil {
			return nil, nil
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			n := entry.Name()
			if strings.HasSuffix(n, ".pid") && n != "broker.pid" {
				names = append(names, strings.TrimSuffix(n, ".pid"))
			}
		}
	}

	var live []string
	for _, name := range names {
		s := status.ClassifyVM(e.FS, stateRoot, name)
		if s.State == status.VMRunning {
			live = append(live, name)
		}
	}
	brokerStatus := status.ClassifyVM(e.FS, stateRoot, "broker")
	if brokerStatus.State == status.VMRunning {
		live = append(live, "broker")
	}
	return live, nil
}
