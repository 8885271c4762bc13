// Package broker implements the host-side TCP handshake listener: a
// single-process acceptor that records one freshness timestamp per
// guest as it checks in, with no per-connection thread pool.
package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/castra-project/castra/internal/diag"
	"github.com/castra-project/castra/internal/event"
)

const (
	greeting           = "castra-broker 0.1 ready\n"
	maxHelloLineBytes  = 512
	maxIdentityChars   = 128
	connectionDeadline = 5 * time.Second
	acceptBackoff      = 200 * time.Millisecond

	// HandshakeFreshness is the design constant used by both the broker
	// and the status/bootstrap readers to decide whether a recorded
	// handshake still counts as a live guest check-in.
	HandshakeFreshness = 45 * time.Second
)

// Handshake is the payload written to <state_root>/handshakes/<id>.json.
type Handshake struct {
	VM        string `json:"vm"`
	Timestamp int64  `json:"timestamp"`
}

// Broker owns the listener, state root, and event sink. It never exits
// on bad client input; failures are isolated per connection.
type Broker struct {
	FS        afero.Fs
	StateRoot string
	Sink      event.Sink

	listener net.Listener
	logger   zerolog.Logger
}

// New opens the broker's rotating log file under <state_root>/logs and
// returns a Broker ready to Listen.
func New(fs afero.Fs, stateRoot string, sink event.Sink) *Broker {
	logPath := filepath.Join(stateRoot, "logs", "broker.log")
	writer := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	logger := zerolog.New(writer).With().Timestamp().Str("component", "broker").Logger()
	return &Broker{FS: fs, StateRoot: stateRoot, Sink: sink, logger: logger}
}

// Listen binds 127.0.0.1:port and writes the broker's pid file. The
// caller is responsible for running Serve (typically in its own
// goroutine or as the broker subprocess's main loop) and for removing
// the pidfile on normal exit.
func (b *Broker) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	b.listener = ln

	pid := os.Getpid()
	if err := afero.WriteFile(b.FS, filepath.Join(b.StateRoot, "broker.pid"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		ln.Close()
		return err
	}

	if b.Sink != nil {
		b.Sink.Emit(event.New(event.KindBrokerStarted, "", map[string]any{
			"port": port,
			"pid":  pid,
		}))
	}
	return nil
}

// Addr returns the bound listener address, valid after Listen succeeds.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve runs the accept loop until the listener is closed. Per-accept
// errors back off ~200ms rather than terminating the broker.
func (b *Broker) Serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return
			}
			b.logger.Error().Err(err).Msg("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}
		go b.handle(conn)
	}
}

// Close stops accepting connections and removes the pid file.
func (b *Broker) Close() error {
	var err error
	if b.listener != nil {
		err = b.listener.Close()
	}
	_ = b.FS.Remove(filepath.Join(b.StateRoot, "broker.pid"))
	if b.Sink != nil {
		b.Sink.Emit(event.New(event.KindBrokerStopped, "", nil))
	}
	return err
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// handle implements one connection's full protocol exchange: greeting,
// hello line, identity validation, atomic handshake write, reply.
func (b *Broker) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connectionDeadline))

	if _, err := conn.Write([]byte(greeting)); err != nil {
		b.logger.Warn().Err(err).Msg("writing greeting failed")
		return
	}

	reader := bufio.NewReaderSize(conn, maxHelloLineBytes+1)
	line, err := reader.ReadString('\n')
	if err != nil {
		b.logger.Warn().Err(err).Msg("reading hello line failed")
		conn.Write([]byte("error: read failed\n"))
		return
	}
	if len(line) > maxHelloLineBytes {
		conn.Write([]byte("error: hello line too long\n"))
		return
	}

	identity, ok := parseHello(line)
	if !ok || identity == "" || len(identity) > maxIdentityChars {
		conn.Write([]byte("error: malformed hello\n"))
		return
	}

	if err := b.writeHandshake(identity); err != nil {
		b.logger.Error().Err(err).Str("vm", identity).Msg("writing handshake failed")
		conn.Write([]byte("error: storage failure\n"))
		return
	}

	if b.Sink != nil {
		b.Sink.Emit(event.New(event.KindBrokerHandshake, identity, nil))
	}
	conn.Write([]byte("ok\n"))
}

// parseHello accepts "hello vm:<identity>" or "hello <identity>",
// case-insensitively on the "hello"/"vm:" keywords.
func parseHello(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "hello") {
		return "", false
	}
	identity := strings.TrimSpace(fields[1])
	if idx := strings.Index(strings.ToLower(identity), "vm:"); idx == 0 {
		identity = identity[3:]
	}
	return identity, true
}

// sanitizeIdentity produces a filesystem-safe handshake filename stem by
// replacing anything outside [A-Za-z0-9_-] with '_'.
func sanitizeIdentity(identity string) string {
	var b strings.Builder
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (b *Broker) writeHandshake(identity string) error {
	dir := filepath.Join(b.StateRoot, "handshakes")
	if err := b.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(Handshake{VM: identity, Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	final := filepath.Join(dir, sanitizeIdentity(identity)+".json")
	tmp := final + ".tmp"
	if err := afero.WriteFile(b.FS, tmp, payload, 0o644); err != nil {
		return err
	}
	return b.FS.Rename(tmp, final)
}

// ReadHandshake reads and parses one VM's handshake file, if present.
func ReadHandshake(fs afero.Fs, stateRoot, vmName string) (*Handshake, error) {
	path := filepath.Join(stateRoot, "handshakes", sanitizeIdentity(vmName)+".json")
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var h Handshake
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// IsFresh reports whether a handshake timestamp is within
// HandshakeFreshness of now.
func IsFresh(h *Handshake, now time.Time) bool {
	if h == nil {
		return false
	}
	age := now.Sub(time.Unix(h.Timestamp, 0))
	return age >= 0 && age <= HandshakeFreshness
}

// StartBrokerFailed wraps a listen failure into the typed error
// taxonomy used by the orchestrator.
func StartBrokerFailed(port int, cause error) *diag.Error {
	return diag.Wrap(diag.KindLaunchFailed, cause, "broker failed to bind 127.0.0.1:%d", port)
}
