package chain

import (
	"context"
	"time"

	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/schema"
)

// Syncer runs sync cycles. The daemon and the CLI depend on this rather
// than on *Engine.
type Syncer interface {
	// PerformSync runs upload, download and apply once.
	//
	// It never panics on relay or storage failures; they are reported in
	// Result.Err together with the counts reached before the failure.
	// Concurrent calls do not interleave: a call made while another is
	// running returns immediately with ErrSyncInProgress.
	//
	// Example:
	//   res := syncer.PerformSync(ctx)
	//   fmt.Printf("up=%d down=%d applied=%d\n", res.Uploaded, res.Downloaded, res.Applied)
	PerformSync(ctx context.Context) Result

	// State returns the phase the current cycle is in.
	State() State

	// Cancel asks a running cycle to stop before its next relay step.
	Cancel()
}

// Store is the local storage the engine reads pending logs from and applies
// remote entries to. *db.DB implements it.
type Store interface {
	GetPendingLogs(ctx context.Context) ([]*schema.LogRecord, error)
	MarkUploaded(ctx context.Context, id string, anchor int64) error
	LogExists(ctx context.Context, id string) (bool, error)
	LastPinnedHeadID(ctx context.Context) (int64, error)
	SetLastPinnedHeadID(ctx context.Context, id int64) error
	SetLastSyncTime(ctx context.Context, t time.Time) error
	WithTx(ctx context.Context, fn func(tx *db.Tx) error) error
}

var _ Store = (*db.DB)(nil)
