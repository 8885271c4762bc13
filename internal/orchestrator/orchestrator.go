// Package orchestrator is the operation façade: it wires project
// loading, workspace discovery, runtime-context preflight, overlay
// preparation, the broker, the launcher, shutdown, bootstrap, status,
// cleanup, and the event bus into the handful of top-level operations a
// CLI boundary needs (init, up, down, status, ports, logs, clean,
// bus-publish, bus-tail). Every operation returns a
// diag.OperationOutput so its diagnostics and events can be rendered or
// discarded uniformly by whatever caller embeds this module.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/bootstrap"
	"github.com/castra-project/castra/internal/broker"
	"github.com/castra-project/castra/internal/bus"
	"github.com/castra-project/castra/internal/cleanup"
	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/launcher"
	"github.com/castra-project/castra/internal/managed"
	"github.com/castra-project/castra/internal/metrics"
	"github.com/castra-project/castra/internal/overlay"
	"github.com/castra-project/castra/internal/project"
	"github.com/castra-project/castra/internal/runtimectx"
	"github.com/castra-project/castra/internal/shutdown"
	"github.com/castra-project/castra/internal/status"
	"github.com/castra-project/castra/internal/workspace"
)

// BrokerPort is the fixed host-loopback port the broker listens on.
// Guests reach it over the default QEMU user-mode network's host alias
// (10.0.2.2) without any additional hostfwd, since slirp permits
// outbound guest-to-host connections by default.
const BrokerPort = 17771

// Orchestrator holds the ambient collaborators every operation needs:
// the filesystem (afero, so tests substitute MemMapFs) and the host
// environment accessors workspace discovery depends on.
type Orchestrator struct {
	FS      afero.Fs
	Getenv  func(string) string
	HomeDir func() (string, error)
	Cwd     func() (string, error)
}

// New builds an Orchestrator wired to the real OS filesystem and
// environment.
func New() *Orchestrator {
	return &Orchestrator{
		FS:      afero.NewOsFs(),
		Getenv:  os.Getenv,
		HomeDir: os.UserHomeDir,
		Cwd:     os.Getwd,
	}
}

func (o *Orchestrator) registry() (*workspace.Registry, error) {
	home := ""
	if o.HomeDir != nil {
		h, err := o.HomeDir()
		if err == nil {
			home = h
		}
	}
	cwd := "."
	if o.Cwd != nil {
		if c, err := o.Cwd(); err == nil {
			cwd = c
		}
	}
	roots := workspace.DiscoveryRoots(o.Getenv, home, cwd)
	return &workspace.Registry{
		FS:    o.FS,
		Roots: roots,
		LivenessFn: func(stateRoot, vmName string) bool {
			return status.ClassifyVM(o.FS, stateRoot, vmName).State == status.VMRunning
		},
	}, nil
}

// loadProject loads a project from src, allowing synthesis only when
// allowSynthetic is requested by the caller (init does; every other
// operation requires a real manifest).
func (o *Orchestrator) loadProject(src project.Source, allowSynthetic bool) (*project.Project, error) {
	searchRoot := "."
	if o.Cwd != nil {
		if c, err := o.Cwd(); err == nil {
			searchRoot = c
		}
	}
	return project.Load(project.LoadOptions{
		FS:             o.FS,
		Source:         src,
		SearchRoot:     searchRoot,
		AllowSynthetic: allowSynthetic,
	})
}

// metadataFromProject builds the workspace metadata snapshot persisted
// after init/up.
func metadataFromProject(p *project.Project) workspace.Metadata {
	meta := workspace.Metadata{
		SchemaVersion: "1",
		ProjectName:   p.Name,
		WorkspaceID:   workspace.ID(filepath.Clean(p.StateRoot)),
		StateRoot:     p.StateRoot,
		ConfigPath:    p.ManifestPath,
	}
	for _, vm := range p.VMs {
		meta.VMs = append(meta.VMs, workspace.MetadataVM{
			Name:          vm.Name,
			Description:   vm.Description,
			BootstrapMode: string(vm.Bootstrap.Mode),
			OverlayPath:   vm.Overlay,
			BaseImage:     vm.BaseImage.Path,
		})
	}
	return meta
}

// InitResult is the outcome of the init operation.
type InitResult struct {
	Project        *project.Project
	WroteMetadata  bool
}

// Init resolves (or synthesizes) a project and persists its workspace
// metadata snapshot, without launching anything. Re-running Init
// against an already-initialized state root refreshes the snapshot; it
// is not an error.
func (o *Orchestrator) Init(src project.Source) (*diag.OperationOutput[InitResult], *diag.Error) {
	p, err := o.loadProject(src, true)
	if err != nil {
		return nil, toDiagError(err)
	}

	var diags []diag.Diagnostic
	if p.Synthetic {
		diags = append(diags, diag.Info("no castra.toml found; proceeding with a synthesized single-VM project").WithPath(p.ManifestPath))
	}
	for _, w := range p.Warnings {
		diags = append(diags, diag.Warning("%s", w))
	}

	if err := o.FS.MkdirAll(p.StateRoot, 0o755); err != nil {
		return nil, toDiagError(diag.Wrap(diag.KindCreateDir, err, "create state root").WithPath(p.StateRoot))
	}
	if err := workspace.WriteMetadata(o.FS, p.StateRoot, metadataFromProject(p)); err != nil {
		return nil, toDiagError(diag.Wrap(diag.KindWriteConfig, err, "write workspace metadata").WithPath(p.StateRoot))
	}

	return diag.Ok(InitResult{Project: p, WroteMetadata: true}, diags, nil), nil
}

// UpResult is the outcome of the up operation.
type UpResult struct {
	Project          *project.Project
	LaunchedVMs      []string
	BrokerStarted    bool
	BootstrapResults map[string]bootstrap.Status
}

// Up runs the full launch pipeline in the documented order: load
// project, preflight (capacity + port reservation + managed image
// verification), overlay preparation, broker start (idempotent), VM
// launch, then per-VM bootstrap dispatch.
func (o *Orchestrator) Up(src project.Source, force bool) (*diag.OperationOutput[UpResult], *diag.Error) {
	p, err := o.loadProject(src, false)
	if err != nil {
		return nil, toDiagError(err)
	}

	var diags []diag.Diagnostic
	var events []event.Event
	sink := event.Multi{&event.Recorder{}, &bus.Sink{FS: o.FS, StateRoot: p.StateRoot}}
	recorder := sink[0].(*event.Recorder)
	emit := func(e event.Event) { sink.Emit(e) }

	for _, w := range p.Warnings {
		diags = append(diags, diag.Warning("%s", w))
	}

	if err := o.FS.MkdirAll(p.StateRoot, 0o755); err != nil {
		return nil, toDiagError(diag.Wrap(diag.KindCreateDir, err, "create state root").WithPath(p.StateRoot))
	}

	if d, drifted := project.CheckConfigDrift(o.FS, p.StateRoot, p.RawManifest); drifted {
		diags = append(diags, d)
	}
	if werr := project.WriteConfigSnapshot(o.FS, p.StateRoot, p.RawManifest); werr != nil {
		diags = append(diags, diag.Warning("writing config snapshot: %v", werr))
	}

	rctx, rdiags, rerr := runtimectx.Discover(force)
	diags = append(diags, rdiags...)
	if rerr != nil {
		return nil, toDiagError(rerr)
	}

	if dup, ok := conflictingHostPort(p.VMs); ok {
		return nil, toDiagError(diag.New(diag.KindPreflightFailed,
			"host port %d/%s is declared by more than one vm (%s)", dup.port, dup.protocol, strings.Join(dup.vms, ", ")))
	}

	var hostPorts []int
	totalCPUs, totalMemory := 0, int64(0)
	for _, vm := range p.VMs {
		totalCPUs += vm.CPUs
		totalMemory += vm.Memory.Bytes
		for _, fw := range vm.PortForwards {
			hostPorts = append(hostPorts, fw.HostPort)
		}
	}
	diags = append(diags, runtimectx.CheckCPU(totalCPUs))
	diags = append(diags, runtimectx.CheckMemory(totalMemory))
	if d, derr := runtimectx.CheckDisk(p.StateRoot); derr == nil {
		diags = append(diags, d)
	} else {
		diags = append(diags, diag.Warning("disk capacity check unavailable: %v", derr))
	}
	hostPorts = append(hostPorts, BrokerPort)
	portDiags := runtimectx.ReserveHostPorts(force, hostPorts)
	diags = append(diags, portDiags...)
	if !force {
		for _, d := range portDiags {
			if d.Severity == diag.SeverityError {
				return nil, toDiagError(diag.New(diag.KindPreflightFailed, "preflight failed: %s", d.Message))
			}
		}
	}

	for _, vm := range p.VMs {
		if !vm.BaseImage.IsManaged() {
			continue
		}
		d, verr := managed.VerifyOrWarn(o.FS, vm.BaseImage.Path, managed.AlpineX86_64, force)
		diags = append(diags, d)
		if verr != nil {
			return nil, toDiagError(diag.Wrap(diag.KindManagedImageMissing, verr, "vm %q: managed base image", vm.Name))
		}
	}

	prep := &overlay.Preparer{
		FS:         o.FS,
		QemuImgBin: rctx.QemuImgPath,
		IsRunning: func(vmName string) bool {
			return status.ClassifyVM(o.FS, p.StateRoot, vmName).State == status.VMRunning
		},
	}
	for _, vm := range p.VMs {
		odiags, oevents, operr := prep.Prepare(vm)
		diags = append(diags, odiags...)
		for _, e := range oevents {
			emit(e)
		}
		if operr != nil {
			return nil, toDiagError(diag.Wrap(diag.KindPreflightFailed, operr, "vm %q: overlay preparation", vm.Name))
		}
	}

	brokerStarted := false
	if status.ClassifyVM(o.FS, p.StateRoot, "broker").State != status.VMRunning {
		b := broker.New(o.FS, p.StateRoot, sink)
		if err := b.Listen(BrokerPort); err != nil {
			return nil, toDiagError(diag.Wrap(diag.KindPreflightFailed, err, "start broker on port %d", BrokerPort))
		}
		go b.Serve()
		brokerStarted = true
	}

	l := &launcher.Launcher{
		FS:             o.FS,
		StateRoot:      p.StateRoot,
		QemuSystemPath: rctx.QemuSystemPath,
		Accel:          rctx,
	}
	launchEvents, lerr := l.Launch(p.VMs)
	for _, e := range launchEvents {
		emit(e)
	}
	if lerr != nil {
		metrics.VMLaunchesTotal.WithLabelValues("Failed").Inc()
		return nil, toDiagError(diag.Wrap(diag.KindLaunchFailed, lerr, "launch"))
	}
	metrics.VMLaunchesTotal.WithLabelValues("Succeeded").Add(float64(len(p.VMs)))

	bootstrapResults := make(map[string]bootstrap.Status)
	runner := &bootstrap.Runner{FS: o.FS, StateRoot: p.StateRoot}
	for _, vm := range p.VMs {
		if vm.Bootstrap.Mode == project.BootstrapSkip {
			bootstrapResults[vm.Name] = bootstrap.StatusSkipped
			continue
		}
		if _, perr := runner.LoadPlan(vm.Name); perr != nil {
			plan := synthesizePlan(vm)
			if serr := runner.SavePlan(vm.Name, plan); serr != nil {
				return nil, toDiagError(diag.Wrap(diag.KindBootstrapFailed, serr, "vm %q: persist bootstrap plan", vm.Name))
			}
		}

		baseHash := ""
		if h, herr := bootstrap.BaseHash(o.FS, vm.BaseImage.Path); herr == nil {
			baseHash = h
		}

		bstart := time.Now()
		bstatus, bevents, berr := runner.Run(vm, baseHash)
		for _, e := range bevents {
			emit(e)
		}
		metrics.BootstrapDurationSeconds.Observe(time.Since(bstart).Seconds())
		if berr != nil {
			metrics.BootstrapsTotal.WithLabelValues("Failed").Inc()
			diags = append(diags, diag.ErrorDiag("vm %q: bootstrap failed: %v", vm.Name, berr))
			continue
		}
		metrics.BootstrapsTotal.WithLabelValues(string(bstatus)).Inc()
		bootstrapResults[vm.Name] = bstatus
	}

	if err := workspace.WriteMetadata(o.FS, p.StateRoot, metadataFromProject(p)); err != nil {
		diags = append(diags, diag.Warning("writing workspace metadata: %v", err))
	}

	var launched []string
	for _, vm := range p.VMs {
		launched = append(launched, vm.Name)
	}

	events = recorder.Events()
	return diag.Ok(UpResult{
		Project:          p,
		LaunchedVMs:      launched,
		BrokerStarted:    brokerStarted,
		BootstrapResults: bootstrapResults,
	}, diags, events), nil
}

type hostPortConflict struct {
	port     int
	protocol project.Protocol
	vms      []string
}

// conflictingHostPort detects two VMs declaring the same (host port,
// protocol) pair. Unlike the per-VM capacity/bind checks, this is fatal
// unconditionally: --force demotes "is something else using this port
// right now" but never "this manifest is internally inconsistent."
func conflictingHostPort(vms []project.VM) (hostPortConflict, bool) {
	type key struct {
		port     int
		protocol project.Protocol
	}
	owners := make(map[key][]string)
	var order []key
	for _, vm := range vms {
		for _, fw := range vm.PortForwards {
			k := key{port: fw.HostPort, protocol: fw.Protocol}
			if _, seen := owners[k]; !seen {
				order = append(order, k)
			}
			owners[k] = append(owners[k], vm.Name)
		}
	}
	for _, k := range order {
		if names := owners[k]; len(names) > 1 {
			return hostPortConflict{port: k.port, protocol: k.protocol, vms: names}, true
		}
	}
	return hostPortConflict{}, false
}

// synthesizePlan builds a bootstrap.Plan from a VM's merged bootstrap
// config, resolving SSH connection defaults from ~/.ssh/config keyed on
// the VM's name as the host alias.
func synthesizePlan(vm project.VM) bootstrap.Plan {
	conn := bootstrap.ResolveSSHHost(vm.Name, bootstrap.SSHConnection{})
	var uploads []bootstrap.Upload
	if vm.Bootstrap.Payload != "" {
		uploads = append(uploads, bootstrap.Upload{
			Source:      vm.Bootstrap.Payload,
			Destination: filepath.Join(vm.Bootstrap.RemoteDir, filepath.Base(vm.Bootstrap.Payload)),
		})
	}
	return bootstrap.Plan{
		ArtifactHash:         bootstrap.ArtifactHash(vm.Bootstrap),
		HandshakeTimeoutSecs: int(vm.Bootstrap.HandshakeTimeout.Seconds()),
		SSH:                  conn,
		Remote: bootstrap.Remote{
			BootstrapScript: vm.Bootstrap.Script,
			VerifyPath:      vm.Bootstrap.VerifyPath,
		},
		Uploads: uploads,
	}
}

// Down tears down every VM and the broker for the resolved project, in
// the reverse order of Up: shutdown VMs first, then the broker.
func (o *Orchestrator) Down(src project.Source) (*diag.OperationOutput[[]shutdown.Result], *diag.Error) {
	p, err := o.resolveProjectOrWorkspace(src)
	if err != nil {
		return nil, toDiagError(err)
	}

	var vmNames []string
	for _, vm := range p.VMs {
		vmNames = append(vmNames, vm.Name)
	}

	engine := &shutdown.Engine{FS: o.FS, StateRoot: p.StateRoot, Lifecycle: p.Lifecycle}
	results := engine.ShutdownAll(vmNames)

	var diags []diag.Diagnostic
	var events []event.Event
	for _, r := range results {
		events = append(events, r.Events...)
		metrics.ShutdownsTotal.WithLabelValues(string(r.Outcome)).Inc()
		if r.Err != nil {
			diags = append(diags, diag.ErrorDiag("vm %q: shutdown: %v", r.VM, r.Err))
		}
	}

	if berr := shutdown.ShutdownBroker(o.FS, p.StateRoot); berr != nil {
		diags = append(diags, diag.Warning("stopping broker: %v", berr))
	}

	return diag.Ok(results, diags, events), nil
}

// resolveProjectOrWorkspace loads a project from src when resolvable,
// falling back to a workspace registry lookup keyed by the explicit
// config path (down/status/clean must still work once the manifest has
// moved or been deleted, as long as the workspace metadata survives).
func (o *Orchestrator) resolveProjectOrWorkspace(src project.Source) (*project.Project, error) {
	p, err := o.loadProject(src, false)
	if err == nil {
		return p, nil
	}
	if src.Explicit == "" {
		return nil, err
	}

	reg, rerr := o.registry()
	if rerr != nil {
		return nil, err
	}
	handle, _, herr := reg.FindByConfig(src.Explicit)
	if herr != nil || handle == nil || handle.Metadata == nil {
		return nil, err
	}

	synthetic := &project.Project{
		ManifestPath: handle.Metadata.ConfigPath,
		Name:         handle.Metadata.ProjectName,
		StateRoot:    handle.Metadata.StateRoot,
		Lifecycle:    project.DefaultLifecycle(),
	}
	for _, vm := range handle.Metadata.VMs {
		synthetic.VMs = append(synthetic.VMs, project.VM{
			Name:        vm.Name,
			Description: vm.Description,
			Overlay:     vm.OverlayPath,
			BaseImage:   project.ExplicitImage(vm.BaseImage),
			Bootstrap:   project.BootstrapConfig{Mode: project.BootstrapMode(vm.BootstrapMode)},
		})
	}
	return synthetic, nil
}

// StatusResult is the read-side status snapshot for one workspace.
type StatusResult struct {
	Project *project.Project
	VMs     []status.VMStatus
	Broker  status.BrokerState
}

// Status classifies every VM and the broker for the resolved project.
// When detailed is set, running VMs are augmented with a /proc sample
// (resident memory, accumulated CPU time) and the sampled resident size
// is exposed as a prometheus gauge per VM.
func (o *Orchestrator) Status(src project.Source, detailed bool) (*diag.OperationOutput[StatusResult], *diag.Error) {
	p, err := o.resolveProjectOrWorkspace(src)
	if err != nil {
		return nil, toDiagError(err)
	}

	var vmStatuses []status.VMStatus
	var vmNames []string
	running := 0
	for _, vm := range p.VMs {
		var s status.VMStatus
		if detailed {
			s = status.ClassifyVMDetailed(o.FS, p.StateRoot, vm.Name)
		} else {
			s = status.ClassifyVM(o.FS, p.StateRoot, vm.Name)
		}
		vmStatuses = append(vmStatuses, s)
		vmNames = append(vmNames, vm.Name)
		if s.State == status.VMRunning {
			running++
		}
		if s.Proc != nil {
			metrics.VMResidentBytes.WithLabelValues(vm.Name).Set(float64(s.Proc.ResidentBytes))
		}
	}
	metrics.VMsRunning.Set(float64(running))

	brokerState := status.ClassifyBroker(o.FS, p.StateRoot, vmNames)
	return diag.Ok(StatusResult{Project: p, VMs: vmStatuses, Broker: brokerState}, nil, nil), nil
}

// Ports reports every declared port forward's active state.
func (o *Orchestrator) Ports(src project.Source) (*diag.OperationOutput[[]status.PortStatus], *diag.Error) {
	p, err := o.resolveProjectOrWorkspace(src)
	if err != nil {
		return nil, toDiagError(err)
	}
	return diag.Ok(status.InspectPorts(o.FS, p.StateRoot, p.VMs), nil, nil), nil
}

// Logs returns the tail of a single VM's serial console log.
func (o *Orchestrator) Logs(src project.Source, vmName string, maxLines int) (*diag.OperationOutput[[]string], *diag.Error) {
	p, err := o.resolveProjectOrWorkspace(src)
	if err != nil {
		return nil, toDiagError(err)
	}
	path := filepath.Join(p.StateRoot, "logs", vmName+"-serial.log")
	raw, rerr := afero.ReadFile(o.FS, path)
	if rerr != nil {
		return nil, toDiagError(diag.Wrap(diag.KindLogReadFailed, rerr, "vm %q: read serial log", vmName).WithPath(path))
	}
	lines := splitLines(string(raw))
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return diag.Ok(lines, nil, nil), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// ResolveStateRoot resolves src to a state root and its known VM names,
// for callers (like clean) that operate on a state root directly rather
// than a full project.
func (o *Orchestrator) ResolveStateRoot(src project.Source) (string, []string, *diag.Error) {
	p, err := o.resolveProjectOrWorkspace(src)
	if err != nil {
		return "", nil, toDiagError(err)
	}
	var names []string
	for _, vm := range p.VMs {
		names = append(names, vm.Name)
	}
	return p.StateRoot, names, nil
}

// Clean reclaims workspace state under stateRoot. The caller resolves
// stateRoot itself (the CLI uses ResolveStateRoot, or takes --state-root
// verbatim) so clean can operate
// on a workspace whose manifest no longer exists.
func (o *Orchestrator) Clean(stateRoot string, vmNames []string, opts cleanup.Options) (*diag.OperationOutput[cleanup.Result], *diag.Error) {
	engine := &cleanup.Engine{FS: o.FS}
	result, err := engine.Clean(stateRoot, vmNames, opts)
	if err != nil {
		return nil, toDiagError(err)
	}
	metrics.CleanupReclaimedBytesTotal.Add(float64(result.ReclaimedBytes))
	return diag.Ok(result, nil, result.Events), nil
}

// ListWorkspaces exposes workspace discovery directly, for CLI
// selector resolution ahead of status/ports/clean when no config path
// is known.
func (o *Orchestrator) ListWorkspaces() (*diag.OperationOutput[[]workspace.Handle], *diag.Error) {
	reg, err := o.registry()
	if err != nil {
		return nil, toDiagError(err)
	}
	handles, diags, derr := reg.Discover()
	if derr != nil {
		return nil, toDiagError(derr)
	}
	return diag.Ok(handles, diags, nil), nil
}

// BusPublish appends a single external frame to a workspace's event
// bus log.
func (o *Orchestrator) BusPublish(stateRoot string, e event.Event) *diag.Error {
	if err := bus.Publish(o.FS, stateRoot, e); err != nil {
		return toDiagError(diag.Wrap(diag.KindBusPublishFailed, err, "publish to bus").WithPath(stateRoot))
	}
	return nil
}

// BusTail streams a workspace's event bus to out until ctx is canceled.
func (o *Orchestrator) BusTail(ctx context.Context, stateRoot string, tailLines int, out func(event.Event)) *diag.Error {
	if err := bus.Tail(ctx, o.FS, stateRoot, tailLines, out); err != nil {
		return toDiagError(diag.Wrap(diag.KindLogReadFailed, err, "tail bus").WithPath(stateRoot))
	}
	return nil
}

// toDiagError normalizes any error into *diag.Error, wrapping foreign
// errors under a generic operational Kind so every operation's failure
// channel stays uniformly typed.
func toDiagError(err error) *diag.Error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*diag.Error); ok {
		return de
	}
	return diag.Wrap(diag.KindPreflightFailed, err, fmt.Sprintf("%v", err))
}
