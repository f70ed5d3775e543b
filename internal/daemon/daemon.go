// Package daemon runs sync cycles in the background.
//
// The daemon:
// 1. Runs a sync cycle at a fixed interval
// 2. Watches the database file for writes by other local processes
// 3. Debounces those writes into an early sync when logs are pending
// 4. Reports every cycle to an optional Notifier
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/chain"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a sync cycle
	SyncInterval time.Duration

	// DebounceInterval is how long the database must stay quiet after a
	// write before an early sync runs
	DebounceInterval time.Duration

	// WatchDB enables the database file watcher
	WatchDB bool

	// Logger for daemon activity
	Logger *log.Logger

	// Clock drives the interval and debounce timers
	Clock clockwork.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		WatchDB:          true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
		Clock:            clockwork.NewRealClock(),
	}
}

// Store is the part of local storage the daemon consults between cycles.
type Store interface {
	CountPendingLogs(ctx context.Context) (int, error)
	LastPinnedHeadID(ctx context.Context) (int64, error)
}

// Notifier receives the outcome of every cycle.
type Notifier interface {
	SyncComplete(res chain.Result)
	HeadChanged(headID int64)
}

// Stats describes the daemon's activity so far.
type Stats struct {
	Cycles     int
	Failures   int
	LastResult chain.Result
	LastRun    time.Time
}

// Daemon schedules sync cycles.
type Daemon struct {
	syncer   chain.Syncer
	store    Store
	dbPath   string
	config   *Config
	notifier Notifier

	watcher *DBWatcher
	trigger chan string

	mu       sync.Mutex
	stats    Stats
	lastHead int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon running syncer. dbPath is the database file to watch
// when cfg.WatchDB is set; notifier may be nil.
func New(syncer chain.Syncer, store Store, dbPath string, cfg *Config, notifier Notifier) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.WatchDB && dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty when watching the database")
	}

	d := &Daemon{
		syncer:   syncer,
		store:    store,
		dbPath:   dbPath,
		config:   cfg,
		notifier: notifier,
		trigger:  make(chan string, 1),
	}
	if cfg.WatchDB {
		w, err := NewDBWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs an initial cycle, then schedules cycles until ctx is cancelled
// or Stop is called. It blocks for the daemon's lifetime.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	if head, err := d.store.LastPinnedHeadID(ctx); err == nil {
		d.lastHead = head
	}

	var events <-chan FileEvent
	var watchErrs <-chan error
	if d.watcher != nil {
		if err := d.watcher.Start(d.dbPath); err != nil {
			return fmt.Errorf("failed to watch database: %w", err)
		}
		defer d.watcher.Stop()
		events, watchErrs = d.watcher.Events(), d.watcher.Errors()
		d.config.Logger.Printf("Watching: %s", d.dbPath)
	}

	d.wg.Add(1)
	defer d.wg.Done()

	d.runCycle(ctx, "startup")

	ticker := d.config.Clock.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	var debounce clockwork.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Daemon stopped")
			return nil

		case <-ticker.Chan():
			d.runCycle(ctx, "interval")

		case reason := <-d.trigger:
			d.runCycle(ctx, reason)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op == OpDelete {
				continue
			}
			if debounce == nil {
				debounce = d.config.Clock.NewTimer(d.config.DebounceInterval)
			} else {
				debounce.Reset(d.config.DebounceInterval)
			}
			debounceC = debounce.Chan()

		case <-debounceC:
			debounceC = nil
			n, err := d.store.CountPendingLogs(ctx)
			if err != nil {
				d.config.Logger.Printf("Warning: failed to count pending logs: %v", err)
				continue
			}
			// Our own cycles write the database too; only pending logs
			// warrant an early sync.
			if n > 0 {
				d.runCycle(ctx, "database change")
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// Stop signals Start to return and waits for it.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if d.syncer.State() != chain.Idle {
		d.syncer.Cancel()
	}
	d.wg.Wait()
	return nil
}

// TriggerSync requests a cycle as soon as the current one finishes. Requests
// made while one is already queued are merged.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- "manual":
	default:
	}
}

// Stats returns a snapshot of the daemon's activity.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Daemon) runCycle(ctx context.Context, reason string) {
	d.config.Logger.Printf("Sync cycle (%s)", reason)
	res := d.syncer.PerformSync(ctx)

	d.mu.Lock()
	d.stats.Cycles++
	if res.Err != nil {
		d.stats.Failures++
	}
	d.stats.LastResult = res
	d.stats.LastRun = d.config.Clock.Now()
	d.mu.Unlock()

	if res.Err != nil {
		d.config.Logger.Printf("Warning: sync cycle failed: %v", res.Err)
	}
	if d.notifier == nil {
		return
	}
	d.notifier.SyncComplete(res)

	head, err := d.store.LastPinnedHeadID(ctx)
	if err != nil {
		d.config.Logger.Printf("Warning: failed to read head id: %v", err)
		return
	}
	if head != d.lastHead {
		d.lastHead = head
		d.notifier.HeadChanged(head)
	}
}
