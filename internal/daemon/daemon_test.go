package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/chain"
)

// fakeSyncer counts cycles and reports a fixed result.
type fakeSyncer struct {
	mu     sync.Mutex
	calls  int
	result chain.Result
	onSync func()
}

func (f *fakeSyncer) PerformSync(ctx context.Context) chain.Result {
	f.mu.Lock()
	f.calls++
	res, hook := f.result, f.onSync
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res
}

func (f *fakeSyncer) State() chain.State { return chain.Idle }
func (f *fakeSyncer) Cancel()            {}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu      sync.Mutex
	pending int
	head    int64
}

func (s *fakeStore) CountPendingLogs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *fakeStore) LastPinnedHeadID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *fakeStore) set(pending int, head int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending, s.head = pending, head
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []chain.Result
	heads   []int64
}

func (n *recordingNotifier) SyncComplete(res chain.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
}

func (n *recordingNotifier) HeadChanged(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.heads = append(n.heads, id)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startDaemon runs d.Start in the background and stops it at cleanup.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- d.Start(context.Background()) }()
	t.Cleanup(func() {
		d.Stop()
		if err := <-errc; err != nil {
			t.Errorf("Start() returned %v", err)
		}
	})
}

func TestNew_Validation(t *testing.T) {
	syncer := &fakeSyncer{}
	store := &fakeStore{}

	tests := []struct {
		name    string
		syncer  chain.Syncer
		store   Store
		dbPath  string
		cfg     *Config
		wantErr bool
	}{
		{"valid without watcher", syncer, store, "", &Config{Logger: quietLogger()}, false},
		{"nil syncer", nil, store, "", &Config{}, true},
		{"nil store", syncer, nil, "", &Config{}, true},
		{"watch without path", syncer, store, "", &Config{WatchDB: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.syncer, tt.store, tt.dbPath, tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SyncInterval != 30*time.Second || cfg.DebounceInterval != 500*time.Millisecond || !cfg.WatchDB {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}

func TestDaemon_IntervalCycles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := &fakeSyncer{}
	d, err := New(syncer, &fakeStore{}, "", &Config{
		SyncInterval: time.Minute,
		Logger:       quietLogger(),
		Clock:        clock,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)

	waitFor(t, "startup cycle", func() bool { return syncer.count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}

	clock.Advance(time.Minute)
	waitFor(t, "interval cycle", func() bool { return syncer.count() == 2 })
	clock.Advance(time.Minute)
	waitFor(t, "second interval cycle", func() bool { return syncer.count() == 3 })

	if st := d.Stats(); st.Cycles != 3 || st.Failures != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestDaemon_TriggerSync(t *testing.T) {
	syncer := &fakeSyncer{}
	d, err := New(syncer, &fakeStore{}, "", &Config{
		SyncInterval: time.Hour,
		Logger:       quietLogger(),
		Clock:        clockwork.NewFakeClock(),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)
	waitFor(t, "startup cycle", func() bool { return syncer.count() == 1 })

	d.TriggerSync()
	waitFor(t, "manual cycle", func() bool { return syncer.count() == 2 })
}

func TestDaemon_NotifiesResultsAndHeadChanges(t *testing.T) {
	store := &fakeStore{head: 3}
	syncer := &fakeSyncer{result: chain.Result{Downloaded: 2, Applied: 2}}
	syncer.onSync = func() { store.set(0, 9) }
	notifier := &recordingNotifier{}

	d, err := New(syncer, store, "", &Config{
		SyncInterval: time.Hour,
		Logger:       quietLogger(),
		Clock:        clockwork.NewFakeClock(),
	}, notifier)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)

	waitFor(t, "notification", func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.heads) == 1
	})
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.heads[0] != 9 {
		t.Errorf("HeadChanged(%d), want 9", notifier.heads[0])
	}
	if len(notifier.results) != 1 || notifier.results[0].Applied != 2 {
		t.Errorf("SyncComplete results = %+v", notifier.results)
	}
}

func TestDaemon_CountsFailures(t *testing.T) {
	syncer := &fakeSyncer{result: chain.Result{HasErrors: true, Err: errors.New("relay down")}}
	d, err := New(syncer, &fakeStore{}, "", &Config{
		SyncInterval: time.Hour,
		Logger:       quietLogger(),
		Clock:        clockwork.NewFakeClock(),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)
	waitFor(t, "failed cycle", func() bool { return d.Stats().Failures == 1 })
}

func TestDaemon_DatabaseWriteTriggersDebouncedSync(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relaysync.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	clock := clockwork.NewFakeClock()
	store := &fakeStore{pending: 1}
	syncer := &fakeSyncer{}
	d, err := New(syncer, store, dbPath, &Config{
		SyncInterval:     time.Hour,
		DebounceInterval: time.Second,
		WatchDB:          true,
		Logger:           quietLogger(),
		Clock:            clock,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)
	waitFor(t, "startup cycle", func() bool { return syncer.count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dbPath+"-wal", []byte("frame"), 0644); err != nil {
		t.Fatal(err)
	}

	// Ticker plus debounce timer.
	if err := clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatalf("debounce timer never armed: %v", err)
	}
	if syncer.count() != 1 {
		t.Fatal("sync ran before the debounce interval elapsed")
	}
	clock.Advance(time.Second)
	waitFor(t, "debounced cycle", func() bool { return syncer.count() == 2 })
}

func TestDaemon_DatabaseWriteWithoutPendingLogs(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relaysync.db")

	clock := clockwork.NewFakeClock()
	syncer := &fakeSyncer{}
	d, err := New(syncer, &fakeStore{}, dbPath, &Config{
		SyncInterval:     time.Hour,
		DebounceInterval: time.Second,
		WatchDB:          true,
		Logger:           quietLogger(),
		Clock:            clock,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)
	waitFor(t, "startup cycle", func() bool { return syncer.count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dbPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	// Give the loop a moment; nothing is pending so no cycle runs.
	time.Sleep(100 * time.Millisecond)
	if n := syncer.count(); n != 1 {
		t.Errorf("cycles = %d, want 1", n)
	}
}
