package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/relaysync/internal/ratelimit"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/schema"
)

// downloadDest is the limiter bucket for attachment downloads.
const downloadDest = ""

// fetchChunk downloads one chunk and checks its length and hash, retrying
// retryable relay failures like uploads do.
func (m *Manager) fetchChunk(ctx context.Context, manifest *schema.Manifest, info schema.ChunkInfo) ([]byte, error) {
	_, want := schema.ChunkBounds(info.Index, manifest.Size, manifest.ChunkSize)

	for attempt := 0; ; attempt++ {
		if m.cfg.Cancel.Cancelled(manifest.FileID) {
			return nil, ErrCancelled
		}
		token, err := m.downloadToken(ctx, info)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire token: %w", err)
		}

		data, err := m.readChunk(ctx, token, info, want)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, relay.ErrRateLimited) {
			m.balancer.Penalize(token, downloadDest, relay.RetryAfter(err))
		}
		if !relay.IsRetryable(err) || attempt >= m.cfg.MaxRetries {
			return nil, err
		}

		backoff := m.cfg.BaseBackoff << attempt
		m.logger.Printf("Retrying download of chunk %d of %s in %s: %v", info.Index, manifest.FileID, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.cfg.Clock.After(backoff):
		}
	}
}

// downloadToken prefers the token that uploaded the chunk, since attachment
// ids may be bound to the credential that created them.
func (m *Manager) downloadToken(ctx context.Context, info schema.ChunkInfo) (string, error) {
	if info.Token != "" && m.pool.Client(info.Token) != nil {
		key := ratelimit.Key{Token: info.Token, Dest: downloadDest}
		if err := m.balancer.Limiter().Wait(ctx, key); err != nil {
			return "", err
		}
		return info.Token, nil
	}
	return m.balancer.Acquire(ctx, downloadDest)
}

func (m *Manager) readChunk(ctx context.Context, token string, info schema.ChunkInfo, want int64) ([]byte, error) {
	rc, err := m.pool.Client(token).Download(ctx, info.RelayFileID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	h := sha256.New()
	var buf bytes.Buffer
	buf.Grow(int(want))
	n, err := io.Copy(io.MultiWriter(&buf, h), io.LimitReader(rc, want+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", info.Index, err)
	}
	if n != want {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrChunkCorrupt, info.Index, n, want)
	}
	if got := hex.EncodeToString(h.Sum(nil)); info.Hash != "" && got != info.Hash {
		return nil, fmt.Errorf("%w: chunk %d hash %s, want %s", ErrChunkCorrupt, info.Index, got, info.Hash)
	}
	return buf.Bytes(), nil
}

// Reader streams a payload chunk by chunk. Only the current chunk is held
// in memory.
type Reader struct {
	ctx      context.Context
	m        *Manager
	manifest *schema.Manifest

	mu   sync.Mutex
	next int
	cur  *bytes.Reader
	err  error
}

// NewReader returns a reader over the payload described by manifest. Chunks
// are fetched when the consumer reaches them.
func (m *Manager) NewReader(ctx context.Context, manifest *schema.Manifest) (*Reader, error) {
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	mf := *manifest
	mf.Chunks = append([]schema.ChunkInfo(nil), manifest.Chunks...)
	schema.SortChunks(mf.Chunks)
	return &Reader{ctx: ctx, m: m, manifest: &mf}, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.cur != nil && r.cur.Len() > 0 {
			return r.cur.Read(p)
		}
		if r.next >= r.manifest.TotalChunks {
			r.err = io.EOF
			continue
		}

		data, err := r.m.fetchChunk(r.ctx, r.manifest, r.manifest.Chunks[r.next])
		if err != nil {
			r.err = err
			continue
		}
		r.cur = bytes.NewReader(data)
		r.next++
		if r.m.cfg.OnProgress != nil {
			r.m.cfg.OnProgress(Progress{
				FileID: r.manifest.FileID, Name: r.manifest.Name,
				Completed: r.next, Total: r.manifest.TotalChunks, Download: true,
			})
		}
	}
}

// Close releases the current chunk. Further reads fail.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = nil
	if r.err == nil {
		r.err = errors.New("reader closed")
	}
	return nil
}

// DownloadTo writes the payload described by manifest to path. Chunks land
// in "<path>.part" at their offsets; completed indices are persisted so an
// interrupted download resumes where it stopped. The part file is renamed to
// path once every chunk is written.
func (m *Manager) DownloadTo(ctx context.Context, manifest *schema.Manifest, path string) error {
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	part := path + ".part"

	done := map[int]bool{}
	if _, err := os.Stat(part); err == nil && m.cfg.Store != nil {
		if done, err = m.cfg.Store.DownloadedChunks(ctx, manifest.FileID, path); err != nil {
			return err
		}
	} else if m.cfg.Store != nil {
		if err := m.cfg.Store.ClearDownloadedChunks(ctx, manifest.FileID, path); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", part, err)
	}
	defer f.Close()
	if err := f.Truncate(manifest.Size); err != nil {
		return fmt.Errorf("failed to size %s: %w", part, err)
	}

	release := m.balancer.Begin()
	defer release()

	var mu sync.Mutex
	completed := len(done)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.balancer.WorkerBudget())
	for _, info := range manifest.Chunks {
		if done[info.Index] {
			continue
		}
		g.Go(func() error {
			data, err := m.fetchChunk(gctx, manifest, info)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", info.Index, err)
			}
			if _, err := f.WriteAt(data, int64(info.Index)*manifest.ChunkSize); err != nil {
				return fmt.Errorf("failed to write chunk %d: %w", info.Index, err)
			}
			if m.cfg.Store != nil {
				if err := m.cfg.Store.SaveDownloadedChunk(context.WithoutCancel(gctx), manifest.FileID, path, info.Index); err != nil {
					return err
				}
			}

			mu.Lock()
			completed++
			n := completed
			mu.Unlock()
			if m.cfg.OnProgress != nil {
				m.cfg.OnProgress(Progress{
					FileID: manifest.FileID, Name: manifest.Name,
					Completed: n, Total: manifest.TotalChunks, Download: true,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("download of %s interrupted (resumable): %w", manifest.FileID, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", part, err)
	}
	if err := os.Rename(part, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", part, err)
	}
	if m.cfg.Store != nil {
		if err := m.cfg.Store.ClearDownloadedChunks(ctx, manifest.FileID, path); err != nil {
			m.logger.Printf("Warning: failed to clear download progress of %s: %v", manifest.FileID, err)
		}
	}
	m.logger.Printf("Download complete: %s -> %s", manifest.FileID, path)
	return nil
}
