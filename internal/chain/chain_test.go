package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/crypto"
	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/relay/memrelay"
	"github.com/steveyegge/relaysync/internal/schema"
)

const (
	testDest     = "@chain"
	testPassword = "correct horse battery staple"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type device struct {
	db     *db.DB
	rec    *db.Recorder
	engine *Engine
}

// newDevice opens a fresh database and an engine talking to client.
func newDevice(t *testing.T, client relay.Client, clock clockwork.Clock, password string) *device {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	rec, err := db.NewRecorder(ctx, database, clock)
	if err != nil {
		t.Fatalf("NewRecorder() failed: %v", err)
	}
	engine, err := New(client, database, Config{
		Dest:     testDest,
		Password: password,
		DeviceID: rec.DeviceID(),
		Clock:    clock,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &device{db: database, rec: rec, engine: engine}
}

func (d *device) sync(t *testing.T) Result {
	t.Helper()
	res := d.engine.PerformSync(context.Background())
	if res.Err != nil {
		t.Fatalf("PerformSync() failed: %v", res.Err)
	}
	return res
}

func (d *device) record(t *testing.T, table, pk string) map[string]any {
	t.Helper()
	row, err := d.db.GetRecord(context.Background(), table, pk)
	if err != nil {
		t.Fatalf("GetRecord(%s, %s) failed: %v", table, pk, err)
	}
	return row
}

// injectNode stores an inline node in the relay without a client and
// returns its message id.
func injectNode(t *testing.T, server *memrelay.Server, prevID int64, entries ...schema.IndexEntry) int64 {
	t.Helper()
	blob, err := EncodeNode(&schema.ChainNode{PrevID: prevID, Entries: entries, Timestamp: epoch.UnixMilli()}, testPassword)
	if err != nil {
		t.Fatalf("EncodeNode() failed: %v", err)
	}
	text, ok := InlineText(blob)
	if !ok {
		t.Fatal("test node too large to inline")
	}
	return server.InjectText(testDest, text)
}

func remoteInsert(n int) schema.IndexEntry {
	return schema.IndexEntry{
		LogID:      fmt.Sprintf("remote-log-%d", n),
		DeviceID:   "remote-device",
		Timestamp:  epoch.UnixMilli() + int64(n),
		Operation:  schema.OpInsert,
		Table:      "notes",
		PrimaryKey: fmt.Sprintf("note-%d", n),
		Data:       map[string]any{"n": float64(n)},
	}
}

func logIDs(recs []*schema.LogRecord) []string {
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestNodeCodec(t *testing.T) {
	node := &schema.ChainNode{PrevID: 41, Timestamp: 1700000000000, Entries: []schema.IndexEntry{remoteInsert(1)}}

	blob, err := EncodeNode(node, testPassword)
	if err != nil {
		t.Fatalf("EncodeNode() failed: %v", err)
	}
	got, err := DecodeNode(blob, testPassword)
	if err != nil {
		t.Fatalf("DecodeNode() failed: %v", err)
	}
	if !reflect.DeepEqual(got, node) {
		t.Errorf("DecodeNode() = %+v, want %+v", got, node)
	}

	if _, err := DecodeNode(blob, "wrong"); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("DecodeNode() with wrong password = %v, want ErrDecrypt", err)
	}
}

func TestInlineText(t *testing.T) {
	text, ok := InlineText([]byte("small"))
	if !ok || !strings.HasPrefix(text, InlinePrefix) {
		t.Errorf("InlineText(small) = %q, %v", text, ok)
	}
	if _, ok := InlineText(make([]byte, InlineThreshold)); ok {
		t.Error("InlineText() accepted a blob over the threshold")
	}
	if !IsNodeMessage(&relay.Message{Text: text}) {
		t.Error("IsNodeMessage(inline) = false")
	}
	if !IsNodeMessage(&relay.Message{Caption: AttachmentCaption, Attachment: &relay.Attachment{FileID: "f"}}) {
		t.Error("IsNodeMessage(document) = false")
	}
	if IsNodeMessage(&relay.Message{Text: "hello"}) {
		t.Error("IsNodeMessage(plain text) = true")
	}
}

func TestNew_Validation(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)

	for name, cfg := range map[string]Config{
		"no dest":     {Password: "p", DeviceID: "d"},
		"no password": {Dest: testDest, DeviceID: "d"},
		"no device":   {Dest: testDest, Password: "p"},
	} {
		if _, err := New(server.Client("tok"), d.db, cfg); err == nil {
			t.Errorf("%s: New() succeeded", name)
		}
	}
}

func TestSync_HeadAtHundred(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	a := newDevice(t, server.Client("tok-a"), clock, testPassword)
	b := newDevice(t, server.Client("tok-b"), clock, testPassword)
	ctx := context.Background()

	server.SetNextID(testDest, 100)
	if _, err := a.rec.Insert(ctx, "notes", "n1", map[string]any{"title": "hello", "body": "x"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if _, err := a.rec.Update(ctx, "notes", "n1", map[string]any{"body": "y"}); err != nil {
		t.Fatal(err)
	}

	res := a.sync(t)
	if res.Uploaded != 1 || res.Downloaded != 0 {
		t.Errorf("device A result = %+v", res)
	}
	if got := server.Pinned(testDest); got != 100 {
		t.Fatalf("head = %d, want 100", got)
	}
	if n, _ := a.db.CountPendingLogs(ctx); n != 0 {
		t.Errorf("device A still has %d pending logs", n)
	}

	res = b.sync(t)
	if res.Downloaded != 2 || res.Applied != 2 {
		t.Errorf("device B result = %+v, want 2 downloaded and applied", res)
	}
	if head, _ := b.db.LastPinnedHeadID(ctx); head != 100 {
		t.Errorf("device B lastPinnedHeadId = %d, want 100", head)
	}
	want := map[string]any{"title": "hello", "body": "y"}
	if got := b.record(t, "notes", "n1"); !reflect.DeepEqual(got, want) {
		t.Errorf("device B record = %v, want %v", got, want)
	}

	logs, err := b.db.GetLogsForRecord(ctx, "notes", "n1")
	if err != nil || len(logs) != 2 {
		t.Fatalf("device B logs = %d, %v", len(logs), err)
	}
	for _, l := range logs {
		if !l.Uploaded || l.RelayAnchor == nil || *l.RelayAnchor != 100 {
			t.Errorf("applied log %s: uploaded=%v anchor=%v", l.ID, l.Uploaded, l.RelayAnchor)
		}
	}

	// Nothing new on the next cycle.
	res = b.sync(t)
	if res.Downloaded != 0 || res.Applied != 0 {
		t.Errorf("second sync = %+v, want no work", res)
	}
}

func TestSync_SixFieldConvergence(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	a := newDevice(t, server.Client("tok-a"), clock, testPassword)
	b := newDevice(t, server.Client("tok-b"), clock, testPassword)
	ctx := context.Background()

	initial := map[string]any{"f1": 0, "f2": 0, "f3": 0, "f4": 0, "f5": 0, "f6": 0}
	if _, err := a.rec.Insert(ctx, "items", "r", initial); err != nil {
		t.Fatal(err)
	}
	a.sync(t)
	b.sync(t)

	clock.Advance(time.Second)
	if _, err := a.rec.Update(ctx, "items", "r", map[string]any{"f1": 1, "f2": 2, "f3": 3}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if _, err := b.rec.Update(ctx, "items", "r", map[string]any{"f4": 4, "f5": 5, "f6": 6}); err != nil {
		t.Fatal(err)
	}

	a.sync(t)
	b.sync(t)
	a.sync(t)

	want := map[string]any{"f1": 1.0, "f2": 2.0, "f3": 3.0, "f4": 4.0, "f5": 5.0, "f6": 6.0}
	if got := a.record(t, "items", "r"); !reflect.DeepEqual(got, want) {
		t.Errorf("device A record = %v, want %v", got, want)
	}
	if got := b.record(t, "items", "r"); !reflect.DeepEqual(got, want) {
		t.Errorf("device B record = %v, want %v", got, want)
	}
}

func TestSync_OverlappingFieldsLastWriteWins(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	a := newDevice(t, server.Client("tok-a"), clock, testPassword)
	b := newDevice(t, server.Client("tok-b"), clock, testPassword)
	ctx := context.Background()

	if _, err := a.rec.Insert(ctx, "notes", "n", map[string]any{"title": "draft"}); err != nil {
		t.Fatal(err)
	}
	a.sync(t)
	b.sync(t)

	clock.Advance(time.Second)
	a.rec.Update(ctx, "notes", "n", map[string]any{"title": "from A"})
	clock.Advance(time.Second)
	b.rec.Update(ctx, "notes", "n", map[string]any{"title": "from B"})

	a.sync(t)
	res := b.sync(t)
	if res.Applied != 1 {
		t.Errorf("device B applied %d, want 1 (log recorded even though local wins)", res.Applied)
	}
	a.sync(t)

	for name, d := range map[string]*device{"A": a, "B": b} {
		if got := d.record(t, "notes", "n")["title"]; got != "from B" {
			t.Errorf("device %s title = %v, want the later write", name, got)
		}
	}
}

func TestApply_DeleteConflictKeepsNewerLocalUpdate(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	d := newDevice(t, server.Client("tok"), clock, testPassword)
	ctx := context.Background()

	if _, err := d.rec.Insert(ctx, "notes", "n", map[string]any{"title": "keep"}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := d.rec.Update(ctx, "notes", "n", map[string]any{"title": "kept"}); err != nil {
		t.Fatal(err)
	}

	remoteDelete := schema.IndexEntry{
		LogID: "remote-delete", DeviceID: "remote-device", Timestamp: epoch.Add(time.Second).UnixMilli(),
		Operation: schema.OpDelete, Table: "notes", PrimaryKey: "n",
	}
	n, err := d.engine.Apply(ctx, []*schema.LogRecord{remoteDelete.ToLogRecord(7)}, 0)
	if err != nil || n != 1 {
		t.Fatalf("Apply() = %d, %v", n, err)
	}
	if got := d.record(t, "notes", "n")["title"]; got != "kept" {
		t.Errorf("title = %v, want the newer local value", got)
	}
	if ok, _ := d.db.LogExists(ctx, "remote-delete"); !ok {
		t.Error("losing delete was not recorded")
	}
}

func TestApply_FieldConflictSkipsNewerDisjointUpdate(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	d := newDevice(t, server.Client("tok"), clock, testPassword)
	ctx := context.Background()

	if _, err := d.rec.Insert(ctx, "items", "r", map[string]any{"a": 1, "b": 1}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * time.Millisecond)
	if _, err := d.rec.Update(ctx, "items", "r", map[string]any{"a": 2}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Millisecond)
	if _, err := d.rec.Update(ctx, "items", "r", map[string]any{"b": 2}); err != nil {
		t.Fatal(err)
	}

	// Older than the local change to a, so it loses on a.
	remote := schema.IndexEntry{
		LogID: "remote-a", DeviceID: "remote-device", Timestamp: epoch.Add(10 * time.Millisecond).UnixMilli(),
		Operation: schema.OpUpdate, Table: "items", PrimaryKey: "r",
		Data:         map[string]any{"a": 9.0, "b": 1.0},
		PreviousData: map[string]any{"a": 1.0, "b": 1.0},
	}
	n, err := d.engine.Apply(ctx, []*schema.LogRecord{remote.ToLogRecord(4)}, 0)
	if err != nil || n != 1 {
		t.Fatalf("Apply() = %d, %v", n, err)
	}

	want := map[string]any{"a": 2.0, "b": 2.0}
	if got := d.record(t, "items", "r"); !reflect.DeepEqual(got, want) {
		t.Errorf("record = %v, want %v", got, want)
	}
}

func TestApply_Idempotent(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()

	entries := []*schema.LogRecord{remoteInsert(1).ToLogRecord(1), remoteInsert(2).ToLogRecord(1)}
	if n, err := d.engine.Apply(ctx, entries, 0); err != nil || n != 2 {
		t.Fatalf("first Apply() = %d, %v", n, err)
	}
	before, _ := d.db.CountLogs(ctx)

	if n, err := d.engine.Apply(ctx, entries, 0); err != nil || n != 0 {
		t.Errorf("second Apply() = %d, %v, want 0, nil", n, err)
	}
	if after, _ := d.db.CountLogs(ctx); after != before {
		t.Errorf("log count changed from %d to %d", before, after)
	}
	if last, _ := d.db.LastAppliedLogID(ctx); last != "remote-log-2" {
		t.Errorf("lastAppliedLogId = %q", last)
	}
}

func TestApply_SkipsIrreconcilableEntry(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()

	bad := &schema.LogRecord{
		ID: "bad", Timestamp: 1, DeviceID: "remote-device",
		Operation: schema.OpUpdate, Table: "notes", PrimaryKey: "x",
	}
	good := remoteInsert(5).ToLogRecord(3)

	n, err := d.engine.Apply(ctx, []*schema.LogRecord{bad, good}, 0)
	if !errors.Is(err, ErrConflictUnresolved) {
		t.Errorf("Apply() error = %v, want ErrConflictUnresolved", err)
	}
	if n != 1 {
		t.Errorf("Apply() recorded %d entries, want 1", n)
	}
	if ok, _ := d.db.LogExists(ctx, "bad"); ok {
		t.Error("irreconcilable entry was recorded")
	}
	if got := d.record(t, "notes", "note-5"); got["n"] != 5.0 {
		t.Errorf("good entry not applied: %v", got)
	}
}

func TestDownload_BacktracksWholeChain(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)

	var prev int64
	for i := 1; i <= 5; i++ {
		prev = injectNode(t, server, prev, remoteInsert(i))
	}
	server.SetPinned(testDest, prev)

	got, head, err := d.engine.Download(context.Background())
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if head != 5 {
		t.Errorf("Download() head = %d, want 5", head)
	}
	want := []string{"remote-log-1", "remote-log-2", "remote-log-3", "remote-log-4", "remote-log-5"}
	if ids := logIDs(got); !reflect.DeepEqual(ids, want) {
		t.Errorf("Download() ids = %v, want %v", ids, want)
	}
	for i, r := range got {
		if *r.RelayAnchor != int64(i+1) {
			t.Errorf("entry %s anchored at %d, want %d", r.ID, *r.RelayAnchor, i+1)
		}
	}
	if n := len(server.CallsFor(memrelay.OpForward)); n != 4 {
		t.Errorf("forwarded %d nodes, want 4", n)
	}
	if n := server.MessageCount(testDest); n != 5 {
		t.Errorf("channel has %d messages, want 5 (forwarded copies deleted)", n)
	}
	// The mark moves with Apply, not Download.
	if mark, _ := d.db.LastPinnedHeadID(context.Background()); mark != 0 {
		t.Errorf("lastPinnedHeadId = %d after Download alone, want 0", mark)
	}
	if _, err := d.engine.Apply(context.Background(), got, head); err != nil {
		t.Fatal(err)
	}
	if mark, _ := d.db.LastPinnedHeadID(context.Background()); mark != 5 {
		t.Errorf("lastPinnedHeadId = %d after Apply, want 5", mark)
	}
}

func TestDownload_StopsAtHighWaterMark(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()

	var prev int64
	for i := 1; i <= 5; i++ {
		prev = injectNode(t, server, prev, remoteInsert(i))
	}
	server.SetPinned(testDest, prev)
	if err := d.db.SetLastPinnedHeadID(ctx, 2); err != nil {
		t.Fatal(err)
	}

	got, _, err := d.engine.Download(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids := logIDs(got); !reflect.DeepEqual(ids, []string{"remote-log-3", "remote-log-4", "remote-log-5"}) {
		t.Errorf("Download() ids = %v", ids)
	}
	if n := len(server.CallsFor(memrelay.OpForward)); n != 2 {
		t.Errorf("forwarded %d nodes, want 2", n)
	}

	// Head not beyond the mark: nothing to do.
	if err := d.db.SetLastPinnedHeadID(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if got, head, err := d.engine.Download(ctx); err != nil || len(got) != 0 || head != 0 {
		t.Errorf("Download() at mark = %d entries, %v", len(got), err)
	}
}

func TestDownload_TerminatesOnCycle(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)

	first := injectNode(t, server, 2, remoteInsert(1))
	second := injectNode(t, server, first, remoteInsert(2))
	if first != 1 || second != 2 {
		t.Fatalf("unexpected ids %d, %d", first, second)
	}
	server.SetPinned(testDest, second)

	done := make(chan struct{})
	var got []*schema.LogRecord
	var err error
	go func() {
		defer close(done)
		got, _, err = d.engine.Download(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Download() did not terminate on a cyclic chain")
	}

	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if ids := logIDs(got); !reflect.DeepEqual(ids, []string{"remote-log-1", "remote-log-2"}) {
		t.Errorf("Download() ids = %v, want both nodes' entries", ids)
	}
}

func TestDownload_BrokenLinkKeepsPartial(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()

	n1 := injectNode(t, server, 0, remoteInsert(1))
	n2 := injectNode(t, server, n1, remoteInsert(2))
	n3 := injectNode(t, server, n2, remoteInsert(3))
	if err := server.Client("admin").Delete(ctx, testDest, n2); err != nil {
		t.Fatal(err)
	}
	server.SetPinned(testDest, n3)

	got, head, err := d.engine.Download(ctx)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if ids := logIDs(got); !reflect.DeepEqual(ids, []string{"remote-log-3"}) {
		t.Errorf("Download() ids = %v, want the head's entries only", ids)
	}
	if head != n3 {
		t.Errorf("Download() head = %d, want %d", head, n3)
	}
}

func TestDownload_CancelledKeepsHighWaterMark(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()

	n1 := injectNode(t, server, 0, remoteInsert(1))
	n2 := injectNode(t, server, n1, remoteInsert(2))
	n3 := injectNode(t, server, n2, remoteInsert(3))
	server.SetPinned(testDest, n3)

	d.engine.Cancel()
	got, head, err := d.engine.Download(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Download() error = %v, want ErrCancelled", err)
	}
	if len(got) != 0 || head != 0 {
		t.Errorf("cancelled Download() = %d entries, head %d", len(got), head)
	}
	if mark, _ := d.db.LastPinnedHeadID(ctx); mark != 0 {
		t.Errorf("lastPinnedHeadId = %d after cancelled walk, want 0", mark)
	}

	// The whole chain is still delivered by the next cycle.
	res := d.sync(t)
	if res.Downloaded != 3 || res.Applied != 3 {
		t.Errorf("PerformSync() after cancel = %+v, want 3 downloaded and applied", res)
	}
	if mark, _ := d.db.LastPinnedHeadID(ctx); mark != n3 {
		t.Errorf("lastPinnedHeadId = %d, want %d", mark, n3)
	}
}

func TestDownload_ContextCancelledMidWalk(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)

	n1 := injectNode(t, server, 0, remoteInsert(1))
	n2 := injectNode(t, server, n1, remoteInsert(2))
	server.SetPinned(testDest, n2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.SetFault(func(c memrelay.Call) error {
		if c.Op == memrelay.OpForward {
			cancel()
			return context.Canceled
		}
		return nil
	})

	if _, _, err := d.engine.Download(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Download() error = %v, want context.Canceled", err)
	}
	if mark, _ := d.db.LastPinnedHeadID(context.Background()); mark != 0 {
		t.Errorf("lastPinnedHeadId = %d, want 0", mark)
	}
}

func TestSync_FailedApplyIsDownloadedAgain(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)

	head := injectNode(t, server, 0, remoteInsert(1))
	server.SetPinned(testDest, head)

	got, headID, err := d.engine.Download(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("Download() = %d entries, %v", len(got), err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.engine.Apply(cancelled, got, headID); err == nil {
		t.Fatal("Apply() on a cancelled context succeeded")
	}
	if mark, _ := d.db.LastPinnedHeadID(context.Background()); mark != 0 {
		t.Errorf("lastPinnedHeadId = %d after failed apply, want 0", mark)
	}

	res := d.sync(t)
	if res.Downloaded != 1 || res.Applied != 1 {
		t.Errorf("retry cycle = %+v, want the entry downloaded and applied", res)
	}
	if got := d.record(t, "notes", "note-1"); got["n"] != 1.0 {
		t.Errorf("record = %v", got)
	}
	if mark, _ := d.db.LastPinnedHeadID(context.Background()); mark != head {
		t.Errorf("lastPinnedHeadId = %d, want %d", mark, head)
	}
}

func TestDownload_FiltersOwnAndKnownEntries(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()

	own := remoteInsert(1)
	own.DeviceID = d.engine.cfg.DeviceID
	known := remoteInsert(2)
	if err := d.db.InsertLog(ctx, known.ToLogRecord(1)); err != nil {
		t.Fatal(err)
	}
	head := injectNode(t, server, 0, own, known, remoteInsert(3))
	server.SetPinned(testDest, head)

	got, _, err := d.engine.Download(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids := logIDs(got); !reflect.DeepEqual(ids, []string{"remote-log-3"}) {
		t.Errorf("Download() ids = %v", ids)
	}
}

func TestSync_LargeNodeTravelsAsDocument(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	a := newDevice(t, server.Client("tok-a"), clock, testPassword)
	b := newDevice(t, server.Client("tok-b"), clock, testPassword)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		noise := make([]byte, 300)
		rand.Read(noise)
		if _, err := a.rec.Insert(ctx, "blobs", fmt.Sprint(i), map[string]any{"payload": hex.EncodeToString(noise)}); err != nil {
			t.Fatal(err)
		}
	}
	a.sync(t)

	docs := server.CallsFor(memrelay.OpSendDocument)
	if len(docs) != 1 || docs[0].Caption != AttachmentCaption {
		t.Fatalf("sendDocument calls = %+v, want one node document", docs)
	}
	if n := len(server.CallsFor(memrelay.OpSendText)); n != 0 {
		t.Errorf("large node also sent %d text message(s)", n)
	}

	res := b.sync(t)
	if res.Applied != 10 {
		t.Errorf("device B applied %d entries, want 10", res.Applied)
	}
}

func TestUpload_BatchesAndStopsOnFailure(t *testing.T) {
	server := memrelay.New(nil)
	clock := clockwork.NewFakeClockAt(epoch)
	d := newDevice(t, server.Client("tok"), clock, testPassword)
	d.engine.cfg.BatchSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Millisecond)
		if _, err := d.rec.Insert(ctx, "notes", fmt.Sprint(i), map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	pins := 0
	server.SetFault(func(c memrelay.Call) error {
		if c.Op != memrelay.OpPin {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		pins++
		if pins == 2 {
			return &relay.Error{Op: c.Op, StatusCode: http.StatusForbidden}
		}
		return nil
	})

	n, err := d.engine.Upload(ctx)
	if !errors.Is(err, relay.ErrUnauthorized) {
		t.Errorf("Upload() error = %v, want the pin failure", err)
	}
	if n != 1 {
		t.Errorf("Upload() = %d batches, want 1", n)
	}
	if pending, _ := d.db.CountPendingLogs(ctx); pending != 3 {
		t.Errorf("pending logs = %d, want 3", pending)
	}

	server.SetFault(nil)
	n, err = d.engine.Upload(ctx)
	if err != nil || n != 2 {
		t.Errorf("retry Upload() = %d, %v, want 2 batches", n, err)
	}

	// Every node links to the previous head.
	head := server.Pinned(testDest)
	got, _, err := newDevice(t, server.Client("tok-b"), clock, testPassword).engine.Download(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("chain ending at %d holds %d entries, want 5", head, len(got))
	}
}

func TestUpload_Cancelled(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)
	ctx := context.Background()
	if _, err := d.rec.Insert(ctx, "notes", "a", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}

	d.engine.Cancel()
	if n, err := d.engine.Upload(ctx); !errors.Is(err, ErrCancelled) || n != 0 {
		t.Errorf("Upload() = %d, %v, want ErrCancelled", n, err)
	}

	// A flag raised outside a cycle does not stop the next one.
	if res := d.engine.PerformSync(ctx); res.Err != nil || res.Uploaded != 1 {
		t.Errorf("PerformSync() after stale cancel = %+v", res)
	}
}

func TestPerformSync_WrongPassword(t *testing.T) {
	server := memrelay.New(nil)
	a := newDevice(t, server.Client("tok-a"), nil, testPassword)
	b := newDevice(t, server.Client("tok-b"), nil, "not the password")
	ctx := context.Background()

	if _, err := a.rec.Insert(ctx, "notes", "n", map[string]any{"secret": true}); err != nil {
		t.Fatal(err)
	}
	a.sync(t)

	res := b.engine.PerformSync(ctx)
	if !res.HasErrors || !errors.Is(res.Err, crypto.ErrDecrypt) {
		t.Errorf("PerformSync() = %+v, want a decrypt failure", res)
	}
	if _, err := b.db.GetRecord(ctx, "notes", "n"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("record leaked despite wrong password: %v", err)
	}
	if head, _ := b.db.LastPinnedHeadID(ctx); head != 0 {
		t.Errorf("lastPinnedHeadId advanced to %d after failed read", head)
	}
}

func TestPerformSync_SingleFlight(t *testing.T) {
	server := memrelay.New(nil)
	d := newDevice(t, server.Client("tok"), nil, testPassword)

	d.engine.mu.Lock()
	res := d.engine.PerformSync(context.Background())
	d.engine.mu.Unlock()
	if !errors.Is(res.Err, ErrSyncInProgress) {
		t.Errorf("PerformSync() while locked = %+v, want ErrSyncInProgress", res)
	}
	if d.engine.State() != Idle {
		t.Errorf("State() = %s, want idle", d.engine.State())
	}

	res = d.engine.PerformSync(context.Background())
	if res.Err != nil {
		t.Errorf("PerformSync() = %+v", res)
	}
	if ts, _ := d.db.LastSyncTime(context.Background()); ts.IsZero() {
		t.Error("last sync time not recorded")
	}
}
