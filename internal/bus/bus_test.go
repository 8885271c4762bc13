package bus

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castra-project/castra/internal/event"
)

func TestPublishAndReadAll_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Publish(fs, "/state", event.New(event.KindVmLaunched, "devbox", map[string]any{"pid": 123})))
	require.NoError(t, Publish(fs, "/state", event.New(event.KindShutdownRequested, "devbox", nil)))

	events, err := ReadAll(fs, "/state")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindVmLaunched, events[0].Kind)
	assert.Equal(t, event.KindShutdownRequested, events[1].Kind)
}

func TestSink_EmitAppendsToBus(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := &Sink{FS: fs, StateRoot: "/state"}
	sink.Emit(event.New(event.KindBrokerStarted, "", nil))

	events, err := ReadAll(fs, "/state")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTail_DeliversFramesAppendedAfterStart(t *testing.T) {
	fs := afero.NewOsFs()
	stateRoot := t.TempDir()

	require.NoError(t, Publish(fs, stateRoot, event.New(event.KindVmLaunched, "devbox", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan event.Event, 4)
	go func() {
		_ = Tail(ctx, fs, stateRoot, 0, func(e event.Event) {
			received <- e
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, Publish(fs, stateRoot, event.New(event.KindShutdownRequested, "devbox", nil)))

	select {
	case e := <-received:
		assert.Equal(t, event.KindShutdownRequested, e.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tailed event")
	}
}
