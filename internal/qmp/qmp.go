// Package qmp is a minimal newline-framed JSON client for the QEMU
// Machine Protocol. It understands exactly two commands —
// qmp_capabilities and system_powerdown — which is all the cooperative
// shutdown path needs; it does not attempt to be a general QMP library.
package qmp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// FailureKind distinguishes why a cooperative QMP attempt failed, so the
// shutdown FSM can report which happened instead of collapsing both into
// one generic timeout.
type FailureKind string

const (
	// ChannelUnavailable means the QMP socket could not be reached at
	// all: missing (ENOENT), refused (ECONNREFUSED), or denied (EPERM).
	ChannelUnavailable FailureKind = "ChannelUnavailable"
	// ChannelError means the socket was reached but the protocol itself
	// failed: a malformed greeting, a failed capabilities handshake, an
	// I/O error mid-exchange, or QEMU returning an "error" response.
	ChannelError FailureKind = "ChannelError"
)

// FailureError wraps a QMP failure with its FailureKind, so callers can
// classify it with errors.As instead of string-matching.
type FailureError struct {
	Kind FailureKind
	Err  error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// isChannelUnavailable reports whether err is one of the dial-level
// failures that mean "nothing is listening here" rather than "the
// protocol broke."
func isChannelUnavailable(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPERM) || os.IsNotExist(err)
}

// Conn is a connected QMP client over a unix domain socket.
type Conn struct {
	socket string
	conn   net.Conn
	dec    *json.Decoder
	enc    *json.Encoder
}

// Dial connects to the QMP unix socket at path, reads the server's
// greeting, and completes the qmp_capabilities handshake. deadline
// bounds the whole handshake.
func Dial(path string, deadline time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("unix", path, deadline)
	if err != nil {
		kind := ChannelError
		if isChannelUnavailable(err) {
			kind = ChannelUnavailable
		}
		return nil, &FailureError{Kind: kind, Err: err}
	}

	q := &Conn{socket: path, conn: conn, dec: json.NewDecoder(conn), enc: json.NewEncoder(conn)}
	if err := q.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		conn.Close()
		return nil, &FailureError{Kind: ChannelError, Err: err}
	}

	greeting, err := q.readMessage()
	if err != nil {
		conn.Close()
		return nil, &FailureError{Kind: ChannelError, Err: fmt.Errorf("read qmp greeting: %w", err)}
	}
	if _, ok := greeting["QMP"]; !ok {
		conn.Close()
		return nil, &FailureError{Kind: ChannelError, Err: fmt.Errorf("qmp greeting missing QMP key: %v", greeting)}
	}

	if err := q.enc.Encode(map[string]any{"execute": "qmp_capabilities"}); err != nil {
		conn.Close()
		return nil, &FailureError{Kind: ChannelError, Err: fmt.Errorf("send qmp_capabilities: %w", err)}
	}
	if _, err := q.awaitReturn(); err != nil {
		conn.Close()
		return nil, &FailureError{Kind: ChannelError, Err: fmt.Errorf("qmp_capabilities handshake: %w", err)}
	}

	log.Debug().Str("socket", path).Msg("qmp handshake complete")
	return q, nil
}

// Close closes the underlying socket.
func (q *Conn) Close() error {
	return q.conn.Close()
}

// SystemPowerdown sends the system_powerdown command and waits for its
// acknowledgement. A QEMU acknowledging this command only agrees to
// deliver an ACPI power button event to the guest — it does not imply
// the guest has exited.
func (q *Conn) SystemPowerdown(deadline time.Duration) error {
	if err := q.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return &FailureError{Kind: ChannelError, Err: err}
	}
	if err := q.enc.Encode(map[string]any{"execute": "system_powerdown"}); err != nil {
		return &FailureError{Kind: ChannelError, Err: fmt.Errorf("send system_powerdown: %w", err)}
	}
	if _, err := q.awaitReturn(); err != nil {
		return &FailureError{Kind: ChannelError, Err: fmt.Errorf("system_powerdown: %w", err)}
	}
	return nil
}

// awaitReturn reads messages until one carries a "return" key, skipping
// "event" messages, or an "error" key is seen (returned as an error).
func (q *Conn) awaitReturn() (map[string]any, error) {
	for {
		msg, err := q.readMessage()
		if err != nil {
			return nil, err
		}
		if errVal, ok := msg["error"]; ok {
			return nil, fmt.Errorf("qmp error response: %v", errVal)
		}
		if ret, ok := msg["return"]; ok {
			if m, ok := ret.(map[string]any); ok {
				return m, nil
			}
			return map[string]any{}, nil
		}
		// an "event" message; keep waiting for the command's own reply.
	}
}

func (q *Conn) readMessage() (map[string]any, error) {
	var v map[string]any
	if err := q.dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
