// Package shutdown implements the per-VM shutdown state machine: a
// cooperative QMP-driven power-down attempt, escalating to SIGTERM then
// SIGKILL when the guest does not exit in time, with one worker per VM
// run concurrently and each worker's events returned in its own Result.
package shutdown

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/event"
	"github.com/castra-project/castra/internal/project"
	"github.com/castra-project/castra/internal/qmp"
)

const probeInterval = 200 * time.Millisecond

// Outcome of a single VM's shutdown.
type Outcome string

const (
	OutcomeGraceful Outcome = "Graceful"
	OutcomeForced   Outcome = "Forced"
)

// Result of shutting down one VM.
type Result struct {
	VM      string
	Outcome Outcome
	Changed bool
	Events  []event.Event
	Err     error
}

// Engine drives the shutdown FSM for a set of VMs, one worker goroutine
// per VM, each collecting its events into that VM's Result.
type Engine struct {
	FS        afero.Fs
	StateRoot string
	Lifecycle project.Lifecycle
}

// qmpDeadline bounds every individual QMP handshake/command round trip.
const qmpDeadline = 2 * time.Second

// ShutdownAll runs every VM's shutdown concurrently and waits for all to
// finish. Per-VM ordering of emitted events is preserved within each
// Result; cross-VM interleaving is not guaranteed.
func (e *Engine) ShutdownAll(vmNames []string) []Result {
	results := make([]Result, len(vmNames))
	var wg sync.WaitGroup
	for i, name := range vmNames {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = e.shutdownOne(name)
		}(i, name)
	}
	wg.Wait()
	return results
}

func (e *Engine) shutdownOne(vmName string) Result {
	var events []event.Event
	emit := func(k event.Kind, data map[string]any) {
		events = append(events, event.New(k, vmName, data))
	}

	emit(event.KindShutdownRequested, nil)

	start := time.Now()
	pidPath := filepath.Join(e.StateRoot, vmName+".pid")
	qmpPath := filepath.Join(e.StateRoot, vmName+".qmp")

	pid, err := readPidfile(e.FS, pidPath)
	if err != nil {
		// No readable pidfile: nothing to do, this is already stopped.
		emit(event.KindShutdownComplete, map[string]any{"outcome": OutcomeGraceful, "total_ms": 0, "changed": false})
		return Result{VM: vmName, Outcome: OutcomeGraceful, Changed: false, Events: events}
	}

	outcome := OutcomeForced
	changed := false

	emit(event.KindCooperativeAttempted, map[string]any{"method": "qmp", "timeout_ms": e.Lifecycle.Graceful.Milliseconds()})
	cooperativeStart := time.Now()

	if ok, failErr := e.tryCooperative(qmpPath); ok {
		if e.waitForExit(pid, e.Lifecycle.Graceful) {
			emit(event.KindCooperativeSucceeded, map[string]any{"elapsed_ms": time.Since(cooperativeStart).Milliseconds()})
			outcome = OutcomeGraceful
			changed = true
			e.cleanupFiles(vmName)
			emit(event.KindShutdownComplete, map[string]any{"outcome": outcome, "total_ms": time.Since(start).Milliseconds(), "changed": changed})
			return Result{VM: vmName, Outcome: outcome, Changed: changed, Events: events}
		}
		emit(event.KindCooperativeTimedOut, map[string]any{"reason": "graceful_wait_exceeded", "waited_ms": e.Lifecycle.Graceful.Milliseconds()})
	} else {
		reason := "channel_unavailable"
		var fe *qmp.FailureError
		if errors.As(failErr, &fe) && fe.Kind == qmp.ChannelError {
			reason = "channel_error"
		}
		emit(event.KindCooperativeTimedOut, map[string]any{"reason": reason, "waited_ms": 0, "detail": failErr.Error()})
	}

	// Escalate: SIGTERM then SIGKILL. Each signal delivered to a live
	// process is reported with one ShutdownEscalated event.
	if alive, staleDetected := e.signalAndWait(pid, syscall.SIGTERM, e.Lifecycle.SigtermWait); staleDetected {
		e.cleanupFiles(vmName)
		emit(event.KindShutdownComplete, map[string]any{"outcome": OutcomeGraceful, "total_ms": time.Since(start).Milliseconds(), "changed": false})
		return Result{VM: vmName, Outcome: OutcomeGraceful, Changed: false, Events: events}
	} else {
		emit(event.KindShutdownEscalated, map[string]any{"signal": "SIGTERM", "timeout_ms": e.Lifecycle.SigtermWait.Milliseconds()})

		if alive {
			if _, staleDetected := e.signalAndWait(pid, syscall.SIGKILL, e.Lifecycle.SigkillWait); staleDetected {
				e.cleanupFiles(vmName)
				emit(event.KindShutdownComplete, map[string]any{"outcome": OutcomeGraceful, "total_ms": time.Since(start).Milliseconds(), "changed": false})
				return Result{VM: vmName, Outcome: OutcomeGraceful, Changed: false, Events: events}
			}
			emit(event.KindShutdownEscalated, map[string]any{"signal": "SIGKILL", "timeout_ms": e.Lifecycle.SigkillWait.Milliseconds()})
		}
	}

	changed = true
	e.cleanupFiles(vmName)
	emit(event.KindShutdownComplete, map[string]any{"outcome": outcome, "total_ms": time.Since(start).Milliseconds(), "changed": changed})
	return Result{VM: vmName, Outcome: outcome, Changed: changed, Events: events}
}

// tryCooperative attempts the QMP system_powerdown path. On failure it
// returns the underlying error so the caller can tell a missing/refused
// socket (qmp.ChannelUnavailable) apart from a protocol-level failure
// once the socket was reached (qmp.ChannelError).
func (e *Engine) tryCooperative(qmpPath string) (bool, error) {
	conn, err := qmp.Dial(qmpPath, qmpDeadline)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.SystemPowerdown(qmpDeadline); err != nil {
		return false, err
	}
	return true, nil
}

// waitForExit polls pid with signal 0 until it exits or deadline
// elapses, returning true if exit was observed.
func (e *Engine) waitForExit(pid int, deadline time.Duration) bool {
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(probeInterval)
	}
	return !processAlive(pid)
}

// signalAndWait sends sig to pid, then polls for exit up to wait. The
// second return reports whether the signal itself failed with ESRCH (a
// stale pidfile, meaning the process was already gone before
// signaling); an exit observed while polling reports false.
func (e *Engine) signalAndWait(pid int, sig syscall.Signal, wait time.Duration) (alive bool, staleDetected bool) {
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, true
		}
		// EPERM or other: treat as alive, let the wait loop re-probe.
	}
	until := time.Now().Add(wait)
	for time.Now().Before(until) {
		switch probe(pid) {
		case probeExited:
			return false, false
		case probeStale:
			return false, true
		}
		time.Sleep(probeInterval)
	}
	switch probe(pid) {
	case probeExited:
		return false, false
	case probeStale:
		return false, true
	default:
		return true, false
	}
}

type probeResult int

const (
	probeAlive probeResult = iota
	probeExited
	probeStale
)

// probe sends signal 0 to classify pid's liveness: ESRCH means exited;
// EPERM is treated as alive (a reachable process this host cannot
// signal). It never returns probeStale.
func probe(pid int) probeResult {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return probeAlive
	}
	if errors.Is(err, syscall.ESRCH) {
		return probeExited
	}
	return probeAlive
}

func processAlive(pid int) bool {
	return probe(pid) == probeAlive
}

func readPidfile(fs afero.Fs, path string) (int, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s is malformed", path)
	}
	return pid, nil
}

func (e *Engine) cleanupFiles(vmName string) {
	_ = e.FS.Remove(filepath.Join(e.StateRoot, vmName+".pid"))
	_ = e.FS.Remove(filepath.Join(e.StateRoot, vmName+".qmp"))
}

// ShutdownBroker applies the same TERM-then-KILL sequence to the broker
// process, with no cooperative phase and fixed 5s waits, then removes
// broker.pid.
func ShutdownBroker(fs afero.Fs, stateRoot string) error {
	pidPath := filepath.Join(stateRoot, "broker.pid")
	pid, err := readPidfile(fs, pidPath)
	if err != nil {
		return nil // nothing to do
	}

	e := &Engine{FS: fs, StateRoot: stateRoot}
	if alive, stale := e.signalAndWait(pid, syscall.SIGTERM, 5*time.Second); alive && !stale {
		if alive, _ := e.signalAndWait(pid, syscall.SIGKILL, 5*time.Second); alive {
			return fmt.Errorf("broker pid %d did not exit after SIGKILL", pid)
		}
	}
	return fs.Remove(pidPath)
}
