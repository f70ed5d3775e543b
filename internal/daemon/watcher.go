package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to the database file or one of its sidecar files
// ("-wal", "-journal").
type FileEvent struct {
	// Path is the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// DBWatcher watches the directory holding a database for writes to that
// database. fsnotify cannot watch a single SQLite file reliably because the
// WAL lives next to it, so the parent directory is watched and events are
// filtered by name.
type DBWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dbPath  string
}

// NewDBWatcher creates a watcher. It must be started before it emits events.
func NewDBWatcher() (*DBWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &DBWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dbPath.
func (w *DBWatcher) Start(dbPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dbPath, err)
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", filepath.Dir(abs), err)
	}

	w.dbPath = abs
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It is safe to call on a
// watcher that was never started.
func (w *DBWatcher) Stop() error {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if !wasRunning {
		return w.watcher.Close()
	}

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of database file events.
func (w *DBWatcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *DBWatcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *DBWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *DBWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent keeps events for the database and its sidecar files.
func (w *DBWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || !w.isDBFile(abs) {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}
	return FileEvent{Path: abs, Op: op}, true
}

func (w *DBWatcher) isDBFile(path string) bool {
	if path == w.dbPath {
		return true
	}
	rest, ok := strings.CutPrefix(path, w.dbPath)
	if !ok {
		return false
	}
	switch rest {
	case "-wal", "-journal":
		return true
	}
	return false
}
