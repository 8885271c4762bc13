// Package bootstrap drives the five-step guest bootstrap pipeline:
// waiting for a broker handshake, establishing SSH reachability,
// transferring a payload, applying a bootstrap script, and optionally
// verifying the result, all gated by a stamp file so repeat runs are a
// no-op once a given plan has already succeeded against a given base
// image.
package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/broker"
	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/project"
)

// SSHConnection is the resolved connection info stored in a Plan.
type SSHConnection struct {
	User     string   `json:"user"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Identity string   `json:"identity,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Upload is one source→destination transfer step.
type Upload struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Recursive   bool   `json:"recursive,omitempty"`
}

// Remote is the guest-side apply instruction.
type Remote struct {
	BootstrapScript string   `json:"bootstrap_script"`
	Args            []string `json:"args,omitempty"`
	VerifyPath      string   `json:"verify_path,omitempty"`
}

// Plan is the persisted <state_root>/bootstrap/<vm>/plan.json contents.
type Plan struct {
	ArtifactHash         string        `json:"artifact_hash"`
	HandshakeTimeoutSecs int           `json:"handshake_timeout_secs,omitempty"`
	SSH                  SSHConnection `json:"ssh"`
	Remote               Remote        `json:"remote"`
	Uploads              []Upload      `json:"uploads"`
}

// Stamp is the success marker written at <state_root>/bootstrap/<vm>/stamps/<id>.json.
type Stamp struct {
	StampID      string    `json:"stamp"`
	BaseHash     string    `json:"base_hash"`
	ArtifactHash string    `json:"artifact_hash"`
	Plan         Plan      `json:"plan"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Status of a completed or short-circuited bootstrap attempt.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusNoOp    Status = "NoOp"
	StatusSkipped Status = "Skipped"
)

// Runner drives bootstrap attempts against the filesystem and external
// ssh/scp binaries.
type Runner struct {
	FS         afero.Fs
	StateRoot  string
	SSHBin     string
	SCPBin     string
	PollEvery  time.Duration
}

func (r *Runner) sshBin() string {
	if r.SSHBin != "" {
		return r.SSHBin
	}
	return "ssh"
}

func (r *Runner) scpBin() string {
	if r.SCPBin != "" {
		return r.SCPBin
	}
	return "scp"
}

func (r *Runner) pollEvery() time.Duration {
	if r.PollEvery > 0 {
		return r.PollEvery
	}
	return 2 * time.Second
}

// ArtifactHash hashes a bootstrap config's script, payload, env, and
// verify fields into the plan's opaque artifact digest.
func ArtifactHash(cfg project.BootstrapConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "script:%s\n", cfg.Script)
	fmt.Fprintf(h, "payload:%s\n", cfg.Payload)
	fmt.Fprintf(h, "verify_command:%s\n", cfg.VerifyCommand)
	fmt.Fprintf(h, "verify_path:%s\n", cfg.VerifyPath)
	for _, k := range sortedKeys(cfg.Env) {
		fmt.Fprintf(h, "env:%s=%s\n", k, cfg.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// BaseHash hashes the VM's base image file contents.
func BaseHash(fs afero.Fs, baseImagePath string) (string, error) {
	f, err := fs.Open(baseImagePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sanitizeStampComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// StampID computes sanitize(baseHash) + "__" + sanitize(artifactHash).
func StampID(baseHash, artifactHash string) string {
	return sanitizeStampComponent(baseHash) + "__" + sanitizeStampComponent(artifactHash)
}

// ResolveSSHHost fills Port/Identity/User defaults from the operator's
// ~/.ssh/config via kevinburke/ssh_config, only where the plan didn't
// already specify them.
func ResolveSSHHost(host string, conn SSHConnection) SSHConnection {
	if conn.Port == 0 {
		if p := ssh_config.Get(host, "Port"); p != "" {
			if port, err := strconv.Atoi(p); err == nil {
				conn.Port = port
			}
		}
		if conn.Port == 0 {
			conn.Port = 22
		}
	}
	if conn.Identity == "" {
		if id := ssh_config.Get(host, "IdentityFile"); id != "" {
			conn.Identity = id
		}
	}
	if conn.User == "" {
		if user := ssh_config.Get(host, "User"); user != "" {
			conn.User = user
		}
	}
	if conn.Host == "" {
		conn.Host = "127.0.0.1"
	}
	return conn
}

func (r *Runner) planPath(vm string) string   { return filepath.Join(r.StateRoot, "bootstrap", vm, "plan.json") }
func (r *Runner) stampPath(vm, id string) string {
	return filepath.Join(r.StateRoot, "bootstrap", vm, "stamps", id+".json")
}

// LoadPlan reads a VM's stored plan, if any.
func (r *Runner) LoadPlan(vm string) (*Plan, error) {
	raw, err := afero.ReadFile(r.FS, r.planPath(vm))
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePlan persists a VM's plan.
func (r *Runner) SavePlan(vm string, plan Plan) error {
	dir := filepath.Dir(r.planPath(vm))
	if err := r.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(r.FS, r.planPath(vm), raw, 0o644)
}

// Run executes the bootstrap dispatch + five-step pipeline for one VM.
func (r *Runner) Run(vm project.VM, baseHash string) (Status, []event.Event, error) {
	var events []event.Event
	emit := func(k event.Kind, data map[string]any) {
		events = append(events, event.New(k, vm.Name, data))
	}

	if vm.Bootstrap.Mode == project.BootstrapSkip {
		emit(event.KindBootstrapStep, map[string]any{"step": "Dispatch", "outcome": "Skipped"})
		return StatusSkipped, events, nil
	}

	plan, err := r.LoadPlan(vm.Name)
	if err != nil {
		if vm.Bootstrap.Mode == project.BootstrapAlways {
			return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: no stored bootstrap plan", vm.Name)
		}
		emit(event.KindBootstrapStep, map[string]any{"step": "Dispatch", "outcome": "Skipped", "reason": "no plan"})
		return StatusSkipped, events, nil
	}

	stampID := StampID(baseHash, plan.ArtifactHash)
	if vm.Bootstrap.Mode == project.BootstrapAuto {
		if ok, _ := afero.Exists(r.FS, r.stampPath(vm.Name, stampID)); ok {
			emit(event.KindBootstrapStep, map[string]any{"step": "WaitHandshake", "outcome": "Skipped"})
			emit(event.KindBootstrapCompleted, map[string]any{"status": StatusNoOp, "duration_ms": 0, "stamp": stampID})
			return StatusNoOp, events, nil
		}
	}

	start := time.Now()
	status, stepEvents, err := r.runSteps(vm, *plan, stampID, baseHash)
	events = append(events, stepEvents...)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		emit(event.KindBootstrapFailed, map[string]any{"duration_ms": durationMs, "error": err.Error()})
		_ = r.persistLog(vm.Name, events, false)
		return "", events, err
	}

	emit(event.KindBootstrapCompleted, map[string]any{"status": status, "duration_ms": durationMs, "stamp": stampID})
	_ = r.persistLog(vm.Name, events, true)
	return status, events, nil
}

// runSteps executes the five steps in order, returning as soon as one
// fails.
func (r *Runner) runSteps(vm project.VM, plan Plan, stampID, baseHash string) (Status, []event.Event, error) {
	var events []event.Event
	step := func(name string, fn func() (string, error)) error {
		start := time.Now()
		outcome, err := fn()
		events = append(events, event.New(event.KindBootstrapStep, vm.Name, map[string]any{
			"step":        name,
			"outcome":     outcome,
			"duration_ms": time.Since(start).Milliseconds(),
		}))
		return err
	}

	handshakeTimeout := vm.Bootstrap.HandshakeTimeout
	if plan.HandshakeTimeoutSecs > 0 {
		handshakeTimeout = time.Duration(plan.HandshakeTimeoutSecs) * time.Second
	}

	if err := step("WaitHandshake", func() (string, error) {
		if err := r.waitHandshake(vm.Name, handshakeTimeout); err != nil {
			return "Failed", err
		}
		return "Succeeded", nil
	}); err != nil {
		return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: wait handshake", vm.Name)
	}

	conn := plan.SSH
	if err := step("Connect", func() (string, error) {
		if err := r.sshRun(conn, "true"); err != nil {
			return "Failed", err
		}
		return "Succeeded", nil
	}); err != nil {
		return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: ssh connect", vm.Name)
	}

	if err := step("Transfer", func() (string, error) {
		if len(plan.Uploads) == 0 {
			return "Skipped", nil
		}
		for _, u := range plan.Uploads {
			if ok, _ := afero.Exists(r.FS, u.Source); !ok {
				return "Failed", fmt.Errorf("upload source %q does not exist", u.Source)
			}
			if err := r.scpRun(conn, u); err != nil {
				return "Failed", err
			}
		}
		return "Succeeded", nil
	}); err != nil {
		return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: transfer", vm.Name)
	}

	if err := step("Apply", func() (string, error) {
		cmd := append([]string{plan.Remote.BootstrapScript}, plan.Remote.Args...)
		if err := r.sshRun(conn, strings.Join(cmd, " ")); err != nil {
			return "Failed", err
		}
		return "Succeeded", nil
	}); err != nil {
		return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: apply", vm.Name)
	}

	if err := step("Verify", func() (string, error) {
		if plan.Remote.VerifyPath == "" {
			return "Skipped", nil
		}
		if err := r.sshRun(conn, fmt.Sprintf("test -e %s", plan.Remote.VerifyPath)); err != nil {
			return "Failed", err
		}
		return "Succeeded", nil
	}); err != nil {
		return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: verify", vm.Name)
	}

	if err := r.writeStamp(vm.Name, stampID, baseHash, plan); err != nil {
		return "", events, diag.Wrap(diag.KindBootstrapFailed, err, "vm %q: write stamp", vm.Name)
	}

	return StatusSuccess, events, nil
}

func (r *Runner) waitHandshake(vmName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		h, err := broker.ReadHandshake(r.FS, r.StateRoot, vmName)
		if err == nil && broker.IsFresh(h, time.Now()) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no fresh handshake for %q within %s", vmName, timeout)
		}
		time.Sleep(r.pollEvery())
	}
}

func (r *Runner) sshArgs(conn SSHConnection) []string {
	args := []string{"-p", strconv.Itoa(conn.Port)}
	if conn.Identity != "" {
		args = append(args, "-i", conn.Identity)
	}
	args = append(args, conn.Options...)
	return args
}

func (r *Runner) sshRun(conn SSHConnection, remoteCmd string) error {
	args := append(r.sshArgs(conn), fmt.Sprintf("%s@%s", conn.User, conn.Host), remoteCmd)
	return exec.Command(r.sshBin(), args...).Run()
}

func (r *Runner) scpRun(conn SSHConnection, u Upload) error {
	args := []string{"-P", strconv.Itoa(conn.Port)}
	if conn.Identity != "" {
		args = append(args, "-i", conn.Identity)
	}
	if u.Recursive {
		args = append(args, "-r")
	}
	args = append(args, conn.Options...)
	args = append(args, u.Source, fmt.Sprintf("%s@%s:%s", conn.User, conn.Host, u.Destination))
	return exec.Command(r.scpBin(), args...).Run()
}

func (r *Runner) writeStamp(vmName, stampID, baseHash string, plan Plan) error {
	dir := filepath.Join(r.StateRoot, "bootstrap", vmName, "stamps")
	if err := r.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stamp := Stamp{
		StampID:      stampID,
		BaseHash:     baseHash,
		ArtifactHash: plan.ArtifactHash,
		Plan:         plan,
		RecordedAt:   time.Now(),
	}
	raw, err := json.MarshalIndent(stamp, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(dir, stampID+".json")
	tmp := final + ".tmp"
	if err := afero.WriteFile(r.FS, tmp, raw, 0o644); err != nil {
		return err
	}
	return r.FS.Rename(tmp, final)
}

func (r *Runner) persistLog(vmName string, events []event.Event, success bool) error {
	dir := filepath.Join(r.StateRoot, "logs", "bootstrap")
	if err := r.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(map[string]any{
		"vm":      vmName,
		"success": success,
		"events":  events,
	}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", vmName, time.Now().Unix()))
	return afero.WriteFile(r.FS, path, raw, 0o644)
}
