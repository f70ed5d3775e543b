package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/cancel"
	"github.com/steveyegge/relaysync/internal/conflict"
	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/schema"
)

// cancelID is the cancellation flag of the sync cycle.
const cancelID = "chain-sync"

// State is the phase of a sync cycle.
type State int32

const (
	Idle State = iota
	Uploading
	Downloading
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Downloading:
		return "downloading"
	case Applying:
		return "applying"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures an Engine.
type Config struct {
	// Dest is the relay channel holding the chain (required)
	Dest string

	// Password derives the node encryption key (required)
	Password string

	// DeviceID identifies this device; its own entries are ignored on
	// download (required)
	DeviceID string

	// BatchSize is the number of logs per node (default: 50)
	BatchSize int

	// Logger for sync events (default: stderr with "[sync] " prefix)
	Logger *log.Logger

	// Clock stamps nodes and sync times (default: real clock)
	Clock clockwork.Clock

	// Cancel holds the cycle's cancellation flag (default: private registry)
	Cancel *cancel.Registry
}

// Result summarizes one sync cycle.
type Result struct {
	// Uploaded is the number of nodes appended to the chain
	Uploaded int
	// Downloaded is the number of new remote entries found
	Downloaded int
	// Applied is the number of entries recorded locally
	Applied int
	// HasErrors is set when any phase failed or an entry was skipped
	HasErrors bool
	// Err is the first phase failure, if any
	Err error
}

// Engine runs sync cycles against one relay channel.
type Engine struct {
	cfg    Config
	client relay.Client
	store  Store
	logger *log.Logger

	mu    sync.Mutex
	state atomic.Int32
}

var _ Syncer = (*Engine)(nil)

// New creates an engine. The store must have its schema initialized.
func New(client relay.Client, store Store, cfg Config) (*Engine, error) {
	if client == nil || store == nil {
		return nil, fmt.Errorf("relay client and store are required")
	}
	if cfg.Dest == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = BatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Cancel == nil {
		cfg.Cancel = cancel.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{cfg: cfg, client: client, store: store, logger: logger}, nil
}

// State implements Syncer.State.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Cancel implements Syncer.Cancel.
func (e *Engine) Cancel() {
	e.cfg.Cancel.Cancel(cancelID)
}

func (e *Engine) cancelled() bool {
	return e.cfg.Cancel.Cancelled(cancelID)
}

// PerformSync implements Syncer.PerformSync.
func (e *Engine) PerformSync(ctx context.Context) Result {
	if !e.mu.TryLock() {
		return Result{HasErrors: true, Err: ErrSyncInProgress}
	}
	defer e.mu.Unlock()
	defer e.setState(Idle)
	// A request left over from an idle period must not stop this cycle.
	e.cfg.Cancel.Reset(cancelID)
	defer e.cfg.Cancel.Reset(cancelID)

	var res Result
	fail := func(phase string, err error) Result {
		res.HasErrors = true
		res.Err = fmt.Errorf("%s failed: %w", phase, err)
		e.logger.Printf("Warning: sync cycle stopped during %s: %v", phase, err)
		return res
	}

	uploaded, err := e.Upload(ctx)
	res.Uploaded = uploaded
	if err != nil {
		return fail("upload", err)
	}

	entries, headID, err := e.Download(ctx)
	res.Downloaded = len(entries)
	if err != nil {
		return fail("download", err)
	}

	applied, err := e.Apply(ctx, entries, headID)
	res.Applied = applied
	if err != nil {
		// Per-entry failures leave the rest of the batch committed.
		res.HasErrors = true
		res.Err = err
	}

	if err := e.store.SetLastSyncTime(ctx, e.cfg.Clock.Now()); err != nil {
		e.logger.Printf("Warning: failed to record sync time: %v", err)
	}
	e.logger.Printf("Sync complete: uploaded=%d downloaded=%d applied=%d", res.Uploaded, res.Downloaded, res.Applied)
	return res
}

// Upload appends pending logs to the chain, one node per batch. Each node
// points at the head current when it is written and becomes the new head.
// The first failing batch stops the upload; the count of batches fully
// processed before it is returned with the error.
func (e *Engine) Upload(ctx context.Context) (int, error) {
	e.setState(Uploading)

	pending, err := e.store.GetPendingLogs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending logs: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	done := 0
	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		if e.cancelled() {
			return done, ErrCancelled
		}
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := e.uploadBatch(ctx, pending[start:end]); err != nil {
			return done, fmt.Errorf("batch %d: %w", done, err)
		}
		done++
	}

	e.logger.Printf("Uploaded %d log(s) in %d node(s)", len(pending), done)
	return done, nil
}

func (e *Engine) uploadBatch(ctx context.Context, batch []*schema.LogRecord) error {
	var prevID int64
	head, err := e.client.GetPinned(ctx, e.cfg.Dest)
	switch {
	case err == nil:
		prevID = head.ID
	case errors.Is(err, relay.ErrNoPinned):
	default:
		return fmt.Errorf("failed to fetch head: %w", err)
	}

	node := &schema.ChainNode{
		PrevID:    prevID,
		Entries:   make([]schema.IndexEntry, 0, len(batch)),
		Timestamp: e.cfg.Clock.Now().UnixMilli(),
	}
	for _, rec := range batch {
		node.Entries = append(node.Entries, schema.IndexEntryFromLog(rec))
	}

	blob, err := EncodeNode(node, e.cfg.Password)
	if err != nil {
		return err
	}
	msg, err := sendNode(ctx, e.client, e.cfg.Dest, blob, fmt.Sprintf("sync_index_%d.bin", node.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to send node: %w", err)
	}
	if err := e.client.Pin(ctx, e.cfg.Dest, msg.ID); err != nil {
		return fmt.Errorf("failed to pin node %d: %w", msg.ID, err)
	}

	for _, rec := range batch {
		if err := e.store.MarkUploaded(ctx, rec.ID, msg.ID); err != nil {
			return fmt.Errorf("failed to mark log %s uploaded: %w", rec.ID, err)
		}
	}
	return nil
}

// segment is the entries of one node, oldest first.
type segment struct {
	nodeID  int64
	entries []schema.IndexEntry
}

// Download walks the chain back from the head to the last node seen before
// and returns the entries that are new to this device, oldest first, with
// the head id that Apply records once they are stored. The head id is 0 when
// the chain has not moved. Download itself never advances the high-water
// mark.
//
// The walk stops at the start of the chain, at the stored high-water mark,
// on a revisited node or on an unreadable predecessor; entries collected
// before such an integrity problem are still returned. Cancellation fails
// the phase with ErrCancelled so the next cycle walks the chain again. A
// head that cannot be decoded fails the phase.
func (e *Engine) Download(ctx context.Context) ([]*schema.LogRecord, int64, error) {
	e.setState(Downloading)

	head, err := e.client.GetPinned(ctx, e.cfg.Dest)
	if errors.Is(err, relay.ErrNoPinned) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch head: %w", err)
	}

	last, err := e.store.LastPinnedHeadID(ctx)
	if err != nil {
		return nil, 0, err
	}
	if head.ID <= last {
		return nil, 0, nil
	}

	node, err := readNode(ctx, e.client, head, e.cfg.Password)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read head %d: %w", head.ID, err)
	}

	segments, err := e.backtrack(ctx, head.ID, node, last)
	if err != nil {
		return nil, 0, err
	}

	// Newest segment first; flip to chronological order.
	var out []*schema.LogRecord
	seen := make(map[string]bool)
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		for _, entry := range seg.entries {
			if entry.DeviceID == e.cfg.DeviceID || seen[entry.LogID] {
				continue
			}
			seen[entry.LogID] = true
			exists, err := e.store.LogExists(ctx, entry.LogID)
			if err != nil {
				return nil, 0, err
			}
			if !exists {
				out = append(out, entry.ToLogRecord(seg.nodeID))
			}
		}
	}

	e.logger.Printf("Downloaded %d node(s) up to head %d: %d new entr(ies)", len(segments), head.ID, len(out))
	return out, head.ID, nil
}

// backtrack collects segments starting at the decoded head node. Integrity
// problems end the walk with what was collected; cancellation discards it.
func (e *Engine) backtrack(ctx context.Context, headID int64, headNode *schema.ChainNode, last int64) ([]segment, error) {
	visited := map[int64]bool{}
	var segments []segment

	id, node := headID, headNode
	for {
		visited[id] = true
		segments = append(segments, segment{nodeID: id, entries: node.Entries})

		prev := node.PrevID
		if prev == 0 || prev <= last {
			return segments, nil
		}
		if visited[prev] {
			e.logger.Printf("Warning: %v", &IntegrityError{NodeID: id, Reason: fmt.Sprintf("cycle back to node %d", prev)})
			return segments, nil
		}
		if e.cancelled() {
			e.logger.Printf("Backtrack cancelled at node %d", id)
			return nil, ErrCancelled
		}

		next, err := e.fetchNode(ctx, prev)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Printf("Warning: %v", &IntegrityError{NodeID: prev, Reason: "broken link", Err: err})
			return segments, nil
		}
		id, node = prev, next
	}
}

// fetchNode reads the node stored in message id by forwarding it into the
// channel and deleting the copy afterwards.
func (e *Engine) fetchNode(ctx context.Context, id int64) (*schema.ChainNode, error) {
	fwd, err := e.client.Forward(ctx, e.cfg.Dest, e.cfg.Dest, id)
	if err != nil {
		return nil, fmt.Errorf("failed to forward node %d: %w", id, err)
	}
	defer func() {
		if err := e.client.Delete(ctx, e.cfg.Dest, fwd.ID); err != nil {
			e.logger.Printf("Warning: failed to delete forwarded copy %d of node %d: %v", fwd.ID, id, err)
		}
	}()
	return readNode(ctx, e.client, fwd, e.cfg.Password)
}

// Apply records remote entries locally inside one transaction. Each entry
// runs in its own savepoint: a failing entry is rolled back, logged and
// skipped while the others commit. When headID is non-zero it becomes the
// high-water mark in the same transaction, so entries whose transaction
// fails are downloaded again next cycle. It returns the number of entries
// recorded; the error joins the per-entry failures.
func (e *Engine) Apply(ctx context.Context, entries []*schema.LogRecord, headID int64) (int, error) {
	if len(entries) == 0 {
		if headID > 0 {
			if err := e.store.SetLastPinnedHeadID(ctx, headID); err != nil {
				return 0, fmt.Errorf("failed to store head id: %w", err)
			}
		}
		return 0, nil
	}
	e.setState(Applying)

	var (
		applied int
		errs    []error
	)
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		applied, errs = 0, nil
		for i, rec := range conflict.OrderByTimestamp(entries) {
			var recorded bool
			err := tx.Savepoint(ctx, fmt.Sprintf("apply_entry_%d", i), func() error {
				var err error
				recorded, err = e.applyEntry(ctx, tx, rec)
				return err
			})
			if err != nil {
				e.logger.Printf("Warning: skipping entry %s (%s): %v", rec.ID, rec.RecordKey(), err)
				errs = append(errs, fmt.Errorf("entry %s: %w", rec.ID, err))
				continue
			}
			if recorded {
				applied++
			}
		}
		if headID > 0 {
			if err := tx.SetLastPinnedHeadID(ctx, headID); err != nil {
				return fmt.Errorf("failed to store head id: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply entries: %w", err)
	}
	return applied, errors.Join(errs...)
}

// applyEntry handles one entry. It reports false for entries already known.
func (e *Engine) applyEntry(ctx context.Context, tx *db.Tx, rec *schema.LogRecord) (bool, error) {
	exists, err := tx.LogExists(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	existing, err := tx.GetLogsForRecord(ctx, rec.Table, rec.PrimaryKey)
	if err != nil {
		return false, err
	}

	switch kind := conflict.DetectConflict(rec, existing); kind {
	case conflict.None:
		err = applyOperation(ctx, tx, rec)

	case conflict.FieldConflict:
		local := conflict.NewestConflicting(rec, existing)
		if merged, ok := conflict.TryMerge(rec, local); ok {
			err = tx.PutRecord(ctx, rec.Table, rec.PrimaryKey, merged)
		} else if conflict.ResolveConflict(rec, local) == conflict.UseRemote {
			err = applyOperation(ctx, tx, rec)
		}

	case conflict.DeleteConflict:
		local := conflict.NewestNewer(rec, existing)
		if conflict.ResolveConflict(rec, local) == conflict.UseRemote {
			err = applyOperation(ctx, tx, rec)
		}

	default:
		return false, fmt.Errorf("%w: %s", ErrConflictUnresolved, kind)
	}
	if err != nil {
		return false, err
	}

	if err := tx.InsertLog(ctx, rec); err != nil {
		return false, err
	}
	if err := tx.SetLastAppliedLogID(ctx, rec.ID); err != nil {
		return false, err
	}
	return true, nil
}

// applyOperation writes rec's effect to the synchronized table.
func applyOperation(ctx context.Context, tx *db.Tx, rec *schema.LogRecord) error {
	switch rec.Operation {
	case schema.OpInsert:
		return tx.PutRecord(ctx, rec.Table, rec.PrimaryKey, rec.Data)
	case schema.OpUpdate:
		fields := make(map[string]any)
		for k := range rec.ChangedFields() {
			fields[k] = rec.Data[k]
		}
		return tx.PatchRecord(ctx, rec.Table, rec.PrimaryKey, fields)
	case schema.OpDelete:
		return tx.DeleteRecord(ctx, rec.Table, rec.PrimaryKey)
	default:
		return fmt.Errorf("unknown operation %s", rec.Operation)
	}
}
