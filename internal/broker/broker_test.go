package broker

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/event"
)

func startTestBroker(t *testing.T) (*Broker, afero.Fs, string) {
	t.Helper()
	fs := afero.NewMemMapFs()
	stateRoot := "/state"
	rec := &event.Recorder{}
	b := New(fs, stateRoot, rec)
	require.NoError(t, b.Listen(0))
	go b.Serve()
	t.Cleanup(func() { b.Close() })
	return b, fs, stateRoot
}

func TestBroker_HandshakeRoundTrip(t *testing.T) {
	b, fs, stateRoot := startTestBroker(t)

	conn, err := net.DialTimeout("tcp", b.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	reader := bufio.NewReader(conn)
	greet, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, greeting, greet)

	_, err = conn.Write([]byte("hello vm:devbox\n"))
	require.NoError(t, err)

	reply, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ok\n", reply)

	h, err := ReadHandshake(fs, stateRoot, "devbox")
	require.NoError(t, err)
	assert.Equal(t, "devbox", h.VM)
	assert.True(t, IsFresh(h, time.Now()))
}

func TestBroker_MalformedHelloRejectedButConnectionSurvivesServer(t *testing.T) {
	b, _, _ := startTestBroker(t)

	conn, err := net.DialTimeout("tcp", b.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	reader := bufio.NewReader(conn)
	_, err = reader.ReadString('\n') // greeting
	require.NoError(t, err)

	_, err = conn.Write([]byte("not-a-hello-line\n"))
	require.NoError(t, err)
	reply, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Regexp(t, "^error:", reply)

	// server must still accept a fresh connection afterward.
	conn2, err := net.DialTimeout("tcp", b.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(conn2).ReadString('\n')
	require.NoError(t, err)
}

func TestParseHello(t *testing.T) {
	id, ok := parseHello("hello vm:devbox\n")
	assert.True(t, ok)
	assert.Equal(t, "devbox", id)

	id, ok = parseHello("HELLO devbox\r\n")
	assert.True(t, ok)
	assert.Equal(t, "devbox", id)

	_, ok = parseHello("goodbye devbox\n")
	assert.False(t, ok)
}

func TestSanitizeIdentity(t *testing.T) {
	assert.Equal(t, "api-0", sanitizeIdentity("api-0"))
	assert.Equal(t, "api_0_x", sanitizeIdentity("api/0.x"))
}

func TestIsFresh_StaleTimestampRejected(t *testing.T) {
	h := &Handshake{VM: "devbox", Timestamp: time.Now().Add(-time.Hour).Unix()}
	assert.False(t, IsFresh(h, time.Now()))
}
