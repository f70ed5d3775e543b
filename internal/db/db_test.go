package db

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/schema"
)

// testDB opens an initialized database in a temp directory.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testLog(id string, ts int64) *schema.LogRecord {
	return &schema.LogRecord{
		ID:           id,
		Timestamp:    ts,
		DeviceID:     "device-a",
		Operation:    schema.OpUpdate,
		Table:        "notes",
		PrimaryKey:   "n-1",
		Data:         map[string]any{"title": "new", "n": 2.0},
		PreviousData: map[string]any{"title": "old", "n": 2.0},
	}
}

func TestInitSchema_Tables(t *testing.T) {
	db := testDB(t)

	tables := []string{"sync_logs", "sync_metadata", "records", "transfer_jobs", "transfer_chunks", "download_chunks"}
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestInsertLog_RoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rec := testLog("log-1", 1000)
	if err := db.InsertLog(ctx, rec); err != nil {
		t.Fatalf("InsertLog() failed: %v", err)
	}
	if rec.Checksum == "" {
		t.Error("InsertLog() did not set checksum")
	}

	got, err := db.GetLog(ctx, "log-1")
	if err != nil {
		t.Fatalf("GetLog() failed: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("GetLog() = %+v, want %+v", got, rec)
	}

	exists, err := db.LogExists(ctx, "log-1")
	if err != nil || !exists {
		t.Errorf("LogExists(log-1) = %v, %v", exists, err)
	}
	exists, err = db.LogExists(ctx, "missing")
	if err != nil || exists {
		t.Errorf("LogExists(missing) = %v, %v", exists, err)
	}

	if err := db.InsertLog(ctx, testLog("log-1", 2000)); !errors.Is(err, ErrLogExists) {
		t.Errorf("duplicate InsertLog() = %v, want ErrLogExists", err)
	}
}

func TestInsertLog_Invalid(t *testing.T) {
	db := testDB(t)
	rec := testLog("", 1000)
	if err := db.InsertLog(context.Background(), rec); err == nil {
		t.Error("InsertLog() accepted a record without id")
	}
}

func TestGetLog_ChecksumMismatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.InsertLog(ctx, testLog("log-1", 1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.Exec(`UPDATE sync_logs SET data = '{"title":"evil"}' WHERE id = 'log-1'`); err != nil {
		t.Fatal(err)
	}

	_, err := db.GetLog(ctx, "log-1")
	if !errors.Is(err, schema.ErrChecksumMismatch) {
		t.Errorf("GetLog() after tamper = %v, want ErrChecksumMismatch", err)
	}
}

func TestPendingAndMarkUploaded(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		if err := db.InsertLog(ctx, testLog(id, int64(3000-i*1000))); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.GetPendingLogs(ctx)
	if err != nil {
		t.Fatalf("GetPendingLogs() failed: %v", err)
	}
	var ids []string
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	if want := []string{"b", "a", "c"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("pending order = %v, want %v", ids, want)
	}

	if err := db.MarkUploaded(ctx, "a", 77); err != nil {
		t.Fatalf("MarkUploaded() failed: %v", err)
	}
	got, err := db.GetLog(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Uploaded || got.RelayAnchor == nil || *got.RelayAnchor != 77 {
		t.Errorf("after MarkUploaded: uploaded=%v anchor=%v", got.Uploaded, got.RelayAnchor)
	}

	n, err := db.CountPendingLogs(ctx)
	if err != nil || n != 2 {
		t.Errorf("CountPendingLogs() = %d, %v; want 2", n, err)
	}

	if err := db.MarkUploaded(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkUploaded(missing) = %v, want ErrNotFound", err)
	}
}

func TestListLogs_Filter(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := testLog(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour).UnixMilli())
		if i%2 == 1 {
			rec.Table = "tags"
		}
		if err := db.InsertLog(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{"all", LogFilter{}, 5},
		{"since", LogFilter{Since: base.Add(2 * time.Hour)}, 3},
		{"table", LogFilter{Table: "tags"}, 2},
		{"limit", LogFilter{Limit: 2}, 2},
		{"device miss", LogFilter{DeviceID: "other"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs, err := db.ListLogs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListLogs() failed: %v", err)
			}
			if len(logs) != tt.want {
				t.Errorf("ListLogs() returned %d, want %d", len(logs), tt.want)
			}
		})
	}

	n, err := db.CountLogs(ctx)
	if err != nil || n != 5 {
		t.Errorf("CountLogs() = %d, %v", n, err)
	}
}

func TestRecords_CRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.GetRecord(ctx, "notes", "n-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRecord(missing) = %v, want ErrNotFound", err)
	}

	if err := db.PutRecord(ctx, "notes", "n-1", map[string]any{"a": "1", "b": "1"}); err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}
	if err := db.PatchRecord(ctx, "notes", "n-1", map[string]any{"b": "2", "c": 3}); err != nil {
		t.Fatalf("PatchRecord() failed: %v", err)
	}
	got, err := db.GetRecord(ctx, "notes", "n-1")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"a": "1", "b": "2", "c": 3.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetRecord() = %v, want %v", got, want)
	}

	// Patch on a missing row creates it.
	if err := db.PatchRecord(ctx, "notes", "n-2", map[string]any{"x": true}); err != nil {
		t.Fatal(err)
	}
	all, err := db.ListRecords(ctx, "notes")
	if err != nil || len(all) != 2 {
		t.Fatalf("ListRecords() = %d, %v", len(all), err)
	}

	if err := db.DeleteRecord(ctx, "notes", "n-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteRecord(ctx, "notes", "n-1"); err != nil {
		t.Errorf("second DeleteRecord() = %v, want nil", err)
	}
	if _, err := db.GetRecord(ctx, "notes", "n-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() after delete = %v", err)
	}
}

func TestMetadata(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id1, err := db.DeviceID(ctx)
	if err != nil || id1 == "" {
		t.Fatalf("DeviceID() = %q, %v", id1, err)
	}
	id2, _ := db.DeviceID(ctx)
	if id1 != id2 {
		t.Errorf("DeviceID() changed: %q then %q", id1, id2)
	}

	head, err := db.LastPinnedHeadID(ctx)
	if err != nil || head != 0 {
		t.Errorf("LastPinnedHeadID() unset = %d, %v", head, err)
	}
	if err := db.SetLastPinnedHeadID(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if head, _ = db.LastPinnedHeadID(ctx); head != 100 {
		t.Errorf("LastPinnedHeadID() = %d, want 100", head)
	}

	now := time.UnixMilli(1700000000000)
	if err := db.SetLastSyncTime(ctx, now); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.LastSyncTime(ctx); !got.Equal(now) {
		t.Errorf("LastSyncTime() = %v, want %v", got, now)
	}
}

func TestWithTx_RollbackAndSavepoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutRecord(ctx, "notes", "n-1", map[string]any{"a": 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() = %v, want boom", err)
	}
	if _, err := db.GetRecord(ctx, "notes", "n-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back row is visible: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Savepoint(ctx, "keep", func() error {
			return tx.PutRecord(ctx, "notes", "kept", map[string]any{"a": 1})
		}); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, "drop", func() error {
			if err := tx.PutRecord(ctx, "notes", "dropped", map[string]any{"a": 1}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(spErr, boom) {
			t.Errorf("Savepoint() = %v, want boom", spErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}

	if _, err := db.GetRecord(ctx, "notes", "kept"); err != nil {
		t.Errorf("kept row missing: %v", err)
	}
	if _, err := db.GetRecord(ctx, "notes", "dropped"); !errors.Is(err, ErrNotFound) {
		t.Errorf("dropped row survived savepoint rollback: %v", err)
	}
}

func TestSavepoint_InvalidName(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.Savepoint(ctx, "bad name; DROP", func() error { return nil })
	})
	if err == nil {
		t.Error("Savepoint() accepted an invalid name")
	}
}

func TestRecorder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1700000000000))

	rec, err := NewRecorder(ctx, db, clock)
	if err != nil {
		t.Fatalf("NewRecorder() failed: %v", err)
	}

	ins, err := rec.Insert(ctx, "notes", "n-1", map[string]any{"title": "a", "count": 1})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if ins.Operation != schema.OpInsert || ins.PreviousData != nil {
		t.Errorf("Insert() log = %+v", ins)
	}

	clock.Advance(time.Second)
	upd, err := rec.Update(ctx, "notes", "n-1", map[string]any{"title": "b"})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	wantPrev := map[string]any{"title": "a", "count": 1.0}
	wantData := map[string]any{"title": "b", "count": 1.0}
	if !reflect.DeepEqual(upd.PreviousData, wantPrev) || !reflect.DeepEqual(upd.Data, wantData) {
		t.Errorf("Update() prev=%v data=%v", upd.PreviousData, upd.Data)
	}
	if changed := upd.ChangedFields(); len(changed) != 1 {
		t.Errorf("Update() changed fields = %v, want only title", changed)
	}
	if upd.Timestamp != ins.Timestamp+1000 {
		t.Errorf("Update() timestamp = %d, want %d", upd.Timestamp, ins.Timestamp+1000)
	}

	if _, err := rec.Update(ctx, "notes", "missing", map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}

	del, err := rec.Delete(ctx, "notes", "n-1")
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if del.Data != nil || !reflect.DeepEqual(del.PreviousData, wantData) {
		t.Errorf("Delete() log = %+v", del)
	}

	pending, err := db.GetPendingLogs(ctx)
	if err != nil || len(pending) != 3 {
		t.Fatalf("GetPendingLogs() = %d, %v; want 3", len(pending), err)
	}
	for _, p := range pending {
		if p.DeviceID != rec.DeviceID() {
			t.Errorf("log %s device = %s, want %s", p.ID, p.DeviceID, rec.DeviceID())
		}
	}
}

func TestTransferJobs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	job, err := db.CreateJob(ctx, &TransferJob{
		FileID: "f-1", Name: "movie.mp4", Size: 10, ChunkSize: 4, TotalChunks: 3, State: "pending",
	})
	if err != nil {
		t.Fatalf("CreateJob() failed: %v", err)
	}
	if job.Name != "movie.mp4" || job.TotalChunks != 3 {
		t.Errorf("CreateJob() = %+v", job)
	}

	// Resuming keeps the stored job.
	again, err := db.CreateJob(ctx, &TransferJob{FileID: "f-1", Name: "other", State: "pending"})
	if err != nil || again.Name != "movie.mp4" {
		t.Errorf("CreateJob() on existing = %+v, %v", again, err)
	}

	for _, idx := range []int{2, 0} {
		if err := db.SaveChunk(ctx, "f-1", schema.ChunkInfo{Index: idx, RelayMessageID: int64(10 + idx), RelayFileID: "rf", Hash: "h", Token: "t"}); err != nil {
			t.Fatal(err)
		}
	}
	chunks, err := db.ListChunks(ctx, "f-1")
	if err != nil || len(chunks) != 2 || chunks[0].Index != 0 || chunks[1].Index != 2 {
		t.Errorf("ListChunks() = %+v, %v", chunks, err)
	}

	if err := db.SetJobState(ctx, "f-1", "completed"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetJob(ctx, "f-1"); got.State != "completed" {
		t.Errorf("state = %s, want completed", got.State)
	}
	if err := db.SetJobState(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetJobState(missing) = %v", err)
	}

	if err := db.SaveDownloadedChunk(ctx, "f-1", "/tmp/out", 1); err != nil {
		t.Fatal(err)
	}
	done, err := db.DownloadedChunks(ctx, "f-1", "/tmp/out")
	if err != nil || !done[1] || len(done) != 1 {
		t.Errorf("DownloadedChunks() = %v, %v", done, err)
	}
	if err := db.ClearDownloadedChunks(ctx, "f-1", "/tmp/out"); err != nil {
		t.Fatal(err)
	}
	if done, _ := db.DownloadedChunks(ctx, "f-1", "/tmp/out"); len(done) != 0 {
		t.Errorf("DownloadedChunks() after clear = %v", done)
	}

	jobs, err := db.ListJobs(ctx)
	if err != nil || len(jobs) != 1 {
		t.Errorf("ListJobs() = %d, %v", len(jobs), err)
	}
}
