// Package transfer moves large payloads over the relay in fixed-size chunks.
//
// Uploads split a byte-addressable source into schema.ChunkSize pieces and
// send them in parallel, one relay document per chunk. Workers share a
// ratelimit.Balancer so every token stays under its per-destination window,
// and each job's worker count shrinks while other jobs are active. Failed
// chunks are retried with exponential backoff; a job that still has gaps
// returns a *ResumableError and can be resumed with the same FileID.
//
// Downloads fetch chunks on demand (NewReader) or write them into a
// resumable ".part" file (DownloadTo).
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/relaysync/internal/cancel"
	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/ratelimit"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/schema"
)

// State is the lifecycle state of a transfer job.
type State string

const (
	StatePending         State = "pending"
	StateInProgress      State = "in_progress"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	StateCancelled       State = "cancelled"
)

// JobStore persists transfer progress. *db.DB implements it.
type JobStore interface {
	CreateJob(ctx context.Context, job *db.TransferJob) (*db.TransferJob, error)
	GetJob(ctx context.Context, fileID string) (*db.TransferJob, error)
	SetJobState(ctx context.Context, fileID, state string) error
	SaveChunk(ctx context.Context, fileID string, chunk schema.ChunkInfo) error
	ListChunks(ctx context.Context, fileID string) ([]schema.ChunkInfo, error)
	SaveDownloadedChunk(ctx context.Context, fileID, target string, index int) error
	DownloadedChunks(ctx context.Context, fileID, target string) (map[int]bool, error)
	ClearDownloadedChunks(ctx context.Context, fileID, target string) error
}

// Progress reports how far a job has come.
type Progress struct {
	FileID    string
	Name      string
	Completed int
	Total     int
	Download  bool
}

// Config configures a Manager.
type Config struct {
	// Dest is the relay destination chunks are sent to (required)
	Dest string

	// ChunkSize is the size of one chunk (default: schema.ChunkSize)
	ChunkSize int64

	// MaxRetries is the number of retries per chunk after the first
	// attempt (default: 5)
	MaxRetries int

	// BaseBackoff is the first retry delay; attempt n waits
	// BaseBackoff << n (default: 1s)
	BaseBackoff time.Duration

	// Clock drives backoff sleeps (default: the balancer's clock)
	Clock clockwork.Clock

	// Logger for transfer events (default: stderr with "[transfer] " prefix)
	Logger *log.Logger

	// Store persists job progress (optional)
	Store JobStore

	// Cancel holds cancellation flags keyed by file id (default: private registry)
	Cancel *cancel.Registry

	// OnProgress is called after every completed chunk (optional)
	OnProgress func(Progress)
}

// Manager runs chunked uploads and downloads.
type Manager struct {
	cfg      Config
	pool     relay.Pool
	balancer *ratelimit.Balancer
	logger   *log.Logger
}

// NewManager creates a manager sending through pool, with tokens handed out
// by balancer.
func NewManager(pool relay.Pool, balancer *ratelimit.Balancer, cfg Config) (*Manager, error) {
	if pool == nil || balancer == nil {
		return nil, fmt.Errorf("pool and balancer are required")
	}
	if cfg.Dest == "" {
		return nil, fmt.Errorf("destination is required")
	}
	for _, t := range balancer.Tokens() {
		if pool.Client(t) == nil {
			return nil, fmt.Errorf("pool has no client for a balancer token")
		}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = schema.ChunkSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = balancer.Limiter().Clock()
	}
	if cfg.Cancel == nil {
		cfg.Cancel = cancel.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transfer] ", log.LstdFlags)
	}
	return &Manager{cfg: cfg, pool: pool, balancer: balancer, logger: logger}, nil
}

// Cancel raises the cancellation flag of fileID. Workers stop before their
// next chunk; chunks already in flight finish.
func (m *Manager) Cancel(fileID string) {
	m.cfg.Cancel.Cancel(fileID)
}

// UploadRequest describes one upload.
type UploadRequest struct {
	// FileID identifies the job; empty starts a new job with a fresh UUID,
	// an existing id resumes it
	FileID string

	// Source provides the payload bytes
	Source io.ReaderAt

	// Name is the original file name carried in captions
	Name string

	// Size is the payload length in bytes
	Size int64

	// Completed lists chunks already uploaded by an earlier attempt that
	// the store does not know about (optional)
	Completed map[int]schema.ChunkInfo
}

// Result is the outcome of an upload.
type Result struct {
	FileID        string
	Name          string
	Size          int64
	ChunkSize     int64
	TotalChunks   int
	Chunks        []schema.ChunkInfo
	FailedIndices []int
	State         State
	Success       bool
}

// Manifest returns the manifest of a successful upload.
func (r *Result) Manifest() *schema.Manifest {
	chunks := append([]schema.ChunkInfo(nil), r.Chunks...)
	schema.SortChunks(chunks)
	return &schema.Manifest{
		FileID:      r.FileID,
		Name:        r.Name,
		Size:        r.Size,
		ChunkSize:   r.ChunkSize,
		TotalChunks: r.TotalChunks,
		Chunks:      chunks,
	}
}

// job is the in-memory state of one running upload.
type job struct {
	fileID string
	name   string
	size   int64
	total  int
	source io.ReaderAt

	mu        sync.Mutex
	completed map[int]schema.ChunkInfo
	failures  map[int]error
}

func (j *job) complete(info schema.ChunkInfo) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed[info.Index] = info
	delete(j.failures, info.Index)
	return len(j.completed)
}

func (j *job) fail(idx int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failures[idx] = err
}

// Upload sends every missing chunk of req.Source. It returns a Result in all
// cases where the job could start; when some chunks are still missing the
// error is a *ResumableError.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*Result, error) {
	if req.Source == nil && req.Size > 0 {
		return nil, fmt.Errorf("source is required")
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("size cannot be negative (got %d)", req.Size)
	}

	j := &job{
		fileID:    req.FileID,
		name:      req.Name,
		size:      req.Size,
		total:     schema.TotalChunks(req.Size, m.cfg.ChunkSize),
		source:    req.Source,
		completed: make(map[int]schema.ChunkInfo),
		failures:  make(map[int]error),
	}
	if j.fileID == "" {
		j.fileID = uuid.NewString()
	}

	if err := m.loadJob(ctx, j); err != nil {
		return nil, err
	}
	for idx, info := range req.Completed {
		if idx < 0 || idx >= j.total {
			continue
		}
		info.Index = idx
		j.completed[idx] = info
		m.saveChunk(ctx, j.fileID, info)
	}

	var remaining []int
	for i := 0; i < j.total; i++ {
		if _, ok := j.completed[i]; !ok {
			remaining = append(remaining, i)
		}
	}

	if len(remaining) > 0 && !m.cfg.Cancel.Cancelled(j.fileID) {
		m.setState(ctx, j.fileID, StateInProgress)
		m.logger.Printf("Uploading %s (%s): %d of %d chunks remaining", j.fileID, j.name, len(remaining), j.total)
		m.run(ctx, j, remaining)
	}

	return m.finish(ctx, j)
}

// loadJob creates or resumes the persisted job and merges stored chunks.
func (m *Manager) loadJob(ctx context.Context, j *job) error {
	if m.cfg.Store == nil {
		return nil
	}
	stored, err := m.cfg.Store.CreateJob(ctx, &db.TransferJob{
		FileID:      j.fileID,
		Name:        j.name,
		Size:        j.size,
		ChunkSize:   m.cfg.ChunkSize,
		TotalChunks: j.total,
		Dest:        m.cfg.Dest,
		State:       string(StatePending),
	})
	if err != nil {
		return fmt.Errorf("failed to create transfer job: %w", err)
	}
	if stored.Size != j.size || stored.ChunkSize != m.cfg.ChunkSize {
		return fmt.Errorf("%w: %s has size %d/chunk %d, request has %d/%d",
			ErrJobMismatch, j.fileID, stored.Size, stored.ChunkSize, j.size, m.cfg.ChunkSize)
	}

	chunks, err := m.cfg.Store.ListChunks(ctx, j.fileID)
	if err != nil {
		return fmt.Errorf("failed to load completed chunks: %w", err)
	}
	for _, c := range chunks {
		j.completed[c.Index] = c
	}
	return nil
}

// run drives the worker pool until the queue drains, the job is cancelled
// or ctx ends.
func (m *Manager) run(ctx context.Context, j *job, remaining []int) {
	release := m.balancer.Begin()
	defer release()

	queue := make(chan int, len(remaining))
	for _, idx := range remaining {
		queue <- idx
	}
	close(queue)

	workers := len(m.balancer.Tokens())
	if workers > len(remaining) {
		workers = len(remaining)
	}

	g := newGate(m.balancer)
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			m.worker(ctx, j, queue, g)
			return nil
		})
	}
	_ = eg.Wait()
}

func (m *Manager) worker(ctx context.Context, j *job, queue <-chan int, g *gate) {
	for {
		if m.cfg.Cancel.Cancelled(j.fileID) || ctx.Err() != nil {
			return
		}
		if err := g.enter(ctx); err != nil {
			return
		}
		idx, ok := <-queue
		if !ok {
			g.leave()
			return
		}

		info, err := m.uploadChunk(ctx, j, idx)
		g.leave()
		if err != nil {
			j.fail(idx, err)
			m.logger.Printf("Warning: chunk %d of %s failed: %v", idx, j.fileID, err)
			continue
		}

		m.saveChunk(ctx, j.fileID, info)
		done := j.complete(info)
		if m.cfg.OnProgress != nil {
			m.cfg.OnProgress(Progress{FileID: j.fileID, Name: j.name, Completed: done, Total: j.total})
		}
	}
}

// uploadChunk sends chunk idx, retrying retryable failures with backoff.
func (m *Manager) uploadChunk(ctx context.Context, j *job, idx int) (schema.ChunkInfo, error) {
	for attempt := 0; ; attempt++ {
		if m.cfg.Cancel.Cancelled(j.fileID) {
			return schema.ChunkInfo{}, ErrCancelled
		}
		token, err := m.balancer.Acquire(ctx, m.cfg.Dest)
		if err != nil {
			return schema.ChunkInfo{}, fmt.Errorf("failed to acquire token: %w", err)
		}

		info, err := m.sendChunk(ctx, j, idx, token)
		if err == nil {
			return info, nil
		}

		if errors.Is(err, relay.ErrRateLimited) {
			m.balancer.Penalize(token, m.cfg.Dest, relay.RetryAfter(err))
		}
		if !relay.IsRetryable(err) || attempt >= m.cfg.MaxRetries {
			return schema.ChunkInfo{}, err
		}

		backoff := m.cfg.BaseBackoff << attempt
		m.logger.Printf("Retrying chunk %d of %s in %s (attempt %d/%d): %v",
			idx, j.fileID, backoff, attempt+1, m.cfg.MaxRetries, err)
		select {
		case <-ctx.Done():
			return schema.ChunkInfo{}, ctx.Err()
		case <-m.cfg.Clock.After(backoff):
		}
	}
}

// sendChunk streams one byte range to the relay. The range is hashed once
// before sending (the hash goes into the caption) and again while streaming;
// a difference means the source changed underneath us.
func (m *Manager) sendChunk(ctx context.Context, j *job, idx int, token string) (schema.ChunkInfo, error) {
	off, n := schema.ChunkBounds(idx, j.size, m.cfg.ChunkSize)

	pre := sha256.New()
	if _, err := io.Copy(pre, io.NewSectionReader(j.source, off, n)); err != nil {
		return schema.ChunkInfo{}, fmt.Errorf("failed to read chunk %d: %w", idx, err)
	}
	want := hex.EncodeToString(pre.Sum(nil))

	streamed := sha256.New()
	body := io.TeeReader(io.NewSectionReader(j.source, off, n), streamed)

	client := m.pool.Client(token)
	msg, err := client.SendDocument(ctx, m.cfg.Dest, relay.Document{
		Name: fmt.Sprintf("%s.%d.chunk", j.fileID, idx),
		Caption: FormatCaption(Caption{
			FileID: j.fileID,
			Index:  idx,
			Total:  j.total,
			Name:   j.name,
			Hash:   want,
		}),
		Body: body,
		Size: n,
	})
	if err != nil {
		return schema.ChunkInfo{}, err
	}

	if got := hex.EncodeToString(streamed.Sum(nil)); got != want {
		if delErr := client.Delete(ctx, m.cfg.Dest, msg.ID); delErr != nil {
			m.logger.Printf("Warning: failed to delete mismatched chunk message %d: %v", msg.ID, delErr)
		}
		return schema.ChunkInfo{}, fmt.Errorf("%w: chunk %d hashed %s before send, %s while streaming", ErrSourceChanged, idx, want, got)
	}
	if msg.Attachment == nil {
		return schema.ChunkInfo{}, fmt.Errorf("relay returned no attachment for chunk %d", idx)
	}

	return schema.ChunkInfo{
		Index:          idx,
		RelayMessageID: msg.ID,
		RelayFileID:    msg.Attachment.FileID,
		Hash:           want,
		Token:          token,
	}, nil
}

// finish assembles the result and persists the final state.
func (m *Manager) finish(ctx context.Context, j *job) (*Result, error) {
	j.mu.Lock()
	res := &Result{
		FileID:      j.fileID,
		Name:        j.name,
		Size:        j.size,
		ChunkSize:   m.cfg.ChunkSize,
		TotalChunks: j.total,
	}
	for _, c := range j.completed {
		res.Chunks = append(res.Chunks, c)
	}
	var lastErr error
	for i := 0; i < j.total; i++ {
		if _, ok := j.completed[i]; !ok {
			res.FailedIndices = append(res.FailedIndices, i)
			if err, ok := j.failures[i]; ok {
				lastErr = err
			}
		}
	}
	j.mu.Unlock()

	schema.SortChunks(res.Chunks)
	sort.Ints(res.FailedIndices)
	res.Success = len(res.Chunks) == res.TotalChunks

	switch {
	case res.Success:
		res.State = StateCompleted
	case m.cfg.Cancel.Cancelled(j.fileID):
		res.State = StateCancelled
		lastErr = ErrCancelled
		// A later Upload with the same id resumes the job.
		m.cfg.Cancel.Reset(j.fileID)
	case ctx.Err() != nil:
		res.State = StatePartiallyFailed
		lastErr = ctx.Err()
	default:
		res.State = StatePartiallyFailed
	}

	// Persist the final state even if ctx is done.
	m.setState(context.WithoutCancel(ctx), j.fileID, res.State)

	if res.Success {
		m.logger.Printf("Upload complete: %s (%d chunks)", j.fileID, res.TotalChunks)
		return res, nil
	}
	m.logger.Printf("Warning: upload %s %s: %d of %d chunks missing",
		j.fileID, res.State, len(res.FailedIndices), res.TotalChunks)
	return res, &ResumableError{Result: res, Err: lastErr}
}

func (m *Manager) saveChunk(ctx context.Context, fileID string, info schema.ChunkInfo) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveChunk(context.WithoutCancel(ctx), fileID, info); err != nil {
		m.logger.Printf("Warning: failed to persist chunk %d of %s: %v", info.Index, fileID, err)
	}
}

func (m *Manager) setState(ctx context.Context, fileID string, state State) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SetJobState(ctx, fileID, string(state)); err != nil {
		m.logger.Printf("Warning: failed to persist state of %s: %v", fileID, err)
	}
}

// Manifest loads the manifest of a stored job.
func (m *Manager) Manifest(ctx context.Context, fileID string) (*schema.Manifest, error) {
	if m.cfg.Store == nil {
		return nil, fmt.Errorf("no job store configured")
	}
	job, err := m.cfg.Store.GetJob(ctx, fileID)
	if err != nil {
		return nil, err
	}
	chunks, err := m.cfg.Store.ListChunks(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &schema.Manifest{
		FileID:      job.FileID,
		Name:        job.Name,
		Size:        job.Size,
		ChunkSize:   job.ChunkSize,
		TotalChunks: job.TotalChunks,
		Chunks:      chunks,
	}, nil
}

// gate caps the number of chunks one job has in flight at the balancer's
// current worker budget. The cap is re-read whenever a chunk finishes or the
// set of active jobs changes.
type gate struct {
	balancer *ratelimit.Balancer

	mu       sync.Mutex
	inFlight int
	notify   chan struct{}
}

func newGate(b *ratelimit.Balancer) *gate {
	return &gate{balancer: b, notify: make(chan struct{})}
}

func (g *gate) enter(ctx context.Context) error {
	for {
		changed := g.balancer.Changed()

		g.mu.Lock()
		if g.inFlight < g.balancer.WorkerBudget() {
			g.inFlight++
			g.mu.Unlock()
			return nil
		}
		notify := g.notify
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-changed:
		}
	}
}

func (g *gate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	close(g.notify)
	g.notify = make(chan struct{})
}
