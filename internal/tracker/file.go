package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/fakeyudi/pulse/internal/event"
)

var json = sonic.ConfigStd

// ParseEvent decodes one NDJSON line into an event.
func ParseEvent(line []byte) (event.TrackingEvent, error) {
	var ev event.TrackingEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, fmt.Errorf("malformed event: %w", err)
	}
	if !ev.Type.Known() {
		return ev, fmt.Errorf("invalid event type: %q", ev.Type)
	}
	return ev, nil
}

// FileTracker follows an NDJSON file of events, emitting each line appended
// to it. Lines that do not parse are reported as error events.
type FileTracker struct {
	Path string
	// FromStart emits the lines already in the file before following it.
	FromStart bool
	Emitter   Emitter
	Logger    zerolog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	offset  int64
	partial []byte
	line    int
}

// Start begins following the file. The file's directory must exist; the
// file itself may appear later.
func (ft *FileTracker) Start(ctx context.Context) error {
	if ft.cancel != nil {
		return errors.New("file tracker already started")
	}
	path, err := filepath.Abs(ft.Path)
	if err != nil {
		return err
	}
	ft.Path = path

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so that creation and rotation are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	if !ft.FromStart {
		if info, err := os.Stat(path); err == nil {
			ft.offset = info.Size()
		}
	}
	ft.readNew()

	ctx, ft.cancel = context.WithCancel(ctx)
	ft.done = make(chan struct{})
	go ft.loop(ctx, watcher)
	return nil
}

func (ft *FileTracker) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(ft.done)
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != ft.Path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				ft.offset, ft.partial = 0, nil
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				ft.readNew()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ft.Logger.Warn().Err(err).Str("path", ft.Path).Msg("watch error")
		}
	}
}

// readNew emits every complete line appended since the last read.
func (ft *FileTracker) readNew() {
	f, err := os.Open(ft.Path)
	if err != nil {
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < ft.offset {
		ft.Logger.Info().Str("path", ft.Path).Msg("file truncated, reading from start")
		ft.offset, ft.partial = 0, nil
	}
	if _, err := f.Seek(ft.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		ft.Logger.Warn().Err(err).Str("path", ft.Path).Msg("read failed")
		return
	}
	ft.offset += int64(len(data))

	data = append(ft.partial, data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		ft.emitLine(data[:i])
		data = data[i+1:]
	}
	ft.partial = append([]byte(nil), data...)
}

func (ft *FileTracker) emitLine(raw []byte) {
	ft.line++
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	ev, err := ParseEvent(raw)
	if err != nil {
		ft.Emitter.Emit(event.NewError(err.Error(), "", ft.Path, ft.line, 0))
		return
	}
	ft.Emitter.Emit(ev)
}

// Stop stops following the file and waits for the watcher to exit.
func (ft *FileTracker) Stop() error {
	if ft.cancel == nil {
		return nil
	}
	ft.cancel()
	<-ft.done
	ft.cancel = nil
	return nil
}
