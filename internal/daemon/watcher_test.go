package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewDBWatcher verifies that creating a watcher succeeds.
func TestNewDBWatcher(t *testing.T) {
	w, err := NewDBWatcher()
	if err != nil {
		t.Fatalf("NewDBWatcher() failed: %v", err)
	}
	defer w.Stop()

	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestDBWatcher_StartStop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relaysync.db")

	w, err := NewDBWatcher()
	if err != nil {
		t.Fatalf("NewDBWatcher() failed: %v", err)
	}
	if err := w.Start(dbPath); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := w.Start(dbPath); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if _, ok := <-w.Events(); ok {
		t.Error("Events channel should be closed after Stop()")
	}
}

func TestDBWatcher_StartMissingDirectory(t *testing.T) {
	w, err := NewDBWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(filepath.Join(t.TempDir(), "missing", "relaysync.db")); err == nil {
		t.Error("Start() should fail for a missing directory")
	}
}

func TestDBWatcher_Events(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relaysync.db")

	w, err := NewDBWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(dbPath); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		wantOp EventOp
	}{
		{"database created", dbPath, OpCreate},
		{"wal created", dbPath + "-wal", OpCreate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// An ignored file first; it must not surface.
			if err := os.WriteFile(filepath.Join(dir, "other.db"), []byte("z"), 0644); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(tt.path, []byte("data"), 0644); err != nil {
				t.Fatal(err)
			}

			select {
			case ev := <-w.Events():
				if ev.Path != tt.path {
					t.Errorf("event path = %s, want %s", ev.Path, tt.path)
				}
				if ev.Op != tt.wantOp {
					t.Errorf("event op = %v, want %v", ev.Op, tt.wantOp)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Timeout waiting for database event")
			}
			drain(w)
		})
	}
}

// drain discards queued events so the next case starts clean.
func drain(w *DBWatcher) {
	for {
		select {
		case <-w.Events():
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestDBWatcher_IsDBFile(t *testing.T) {
	w := &DBWatcher{dbPath: "/data/relaysync.db"}
	tests := []struct {
		path string
		want bool
	}{
		{"/data/relaysync.db", true},
		{"/data/relaysync.db-wal", true},
		{"/data/relaysync.db-journal", true},
		{"/data/relaysync.db-shm", false},
		{"/data/relaysync.db.bak", false},
		{"/data/other.db", false},
	}
	for _, tt := range tests {
		if got := w.isDBFile(tt.path); got != tt.want {
			t.Errorf("isDBFile(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestEventOp_String(t *testing.T) {
	for op, want := range map[EventOp]string{OpCreate: "create", OpModify: "modify", OpDelete: "delete", EventOp(9): "unknown"} {
		if got := op.String(); got != want {
			t.Errorf("EventOp(%d).String() = %q, want %q", op, got, want)
		}
	}
}
