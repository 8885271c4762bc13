// Package bus implements the append-only event log every emitted Event
// is mirrored into: a newline-delimited JSON file under
// <state_root>/logs/bus.ndjson, with bus-publish appending external
// frames and bus-tail following the stream as it grows.
package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/castra-project/castra/internal/event"
)

const busFileName = "bus.ndjson"

func path(stateRoot string) string {
	return filepath.Join(stateRoot, "logs", busFileName)
}

// Sink is an event.Sink that appends every emitted Event to the bus
// file as one ndjson line. It does not buffer; each Emit does one
// append-mode write.
type Sink struct {
	FS        afero.Fs
	StateRoot string
}

func (s *Sink) Emit(e event.Event) {
	_ = Publish(s.FS, s.StateRoot, e)
}

// Publish appends one frame to the bus file, creating it and its parent
// directory if needed.
func Publish(fs afero.Fs, stateRoot string, e event.Event) error {
	dir := filepath.Join(stateRoot, "logs")
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	f, err := fs.OpenFile(path(stateRoot), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(raw)
	return err
}

// ReadAll parses every frame currently in the bus file.
func ReadAll(fs afero.Fs, stateRoot string) ([]event.Event, error) {
	f, err := fs.Open(path(stateRoot))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e event.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// Tail streams new frames appended to the bus file to out until ctx is
// canceled. It seeks to the current end of file first, so only frames
// written after Tail starts are delivered (plus the last N already on
// disk, when tailLines > 0).
func Tail(ctx context.Context, fs afero.Fs, stateRoot string, tailLines int, out func(event.Event)) error {
	existing, err := ReadAll(fs, stateRoot)
	if err != nil && !isNotExist(err) {
		return err
	}
	if tailLines > 0 && len(existing) > 0 {
		start := len(existing) - tailLines
		if start < 0 {
			start = 0
		}
		for _, e := range existing[start:] {
			out(e)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Join(stateRoot, "logs")
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	offset := int64(len(existing))
	readNew := func() {
		all, err := ReadAll(fs, stateRoot)
		if err != nil {
			return
		}
		if int64(len(all)) <= offset {
			return
		}
		for _, e := range all[offset:] {
			out(e)
		}
		offset = int64(len(all))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == busFileName {
				readNew()
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return werr
		}
	}
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
