package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/relaysync/internal/schema"
)

// TransferJob is the persisted state of one chunked upload.
type TransferJob struct {
	FileID      string
	Name        string
	Size        int64
	ChunkSize   int64
	TotalChunks int
	Dest        string
	State       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateJob stores job if no job with the same file id exists and returns
// the stored job (the existing one when resuming).
func (s *store) CreateJob(ctx context.Context, job *TransferJob) (*TransferJob, error) {
	if job.FileID == "" {
		return nil, fmt.Errorf("file id is required")
	}
	now := time.Now().UnixMilli()
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO transfer_jobs (file_id, name, size, chunk_size, total_chunks, dest, state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_id) DO NOTHING`,
		job.FileID, job.Name, job.Size, job.ChunkSize, job.TotalChunks, job.Dest, job.State, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer job %s: %w", job.FileID, err)
	}
	return s.GetJob(ctx, job.FileID)
}

// GetJob returns a transfer job. Returns ErrNotFound if it doesn't exist.
func (s *store) GetJob(ctx context.Context, fileID string) (*TransferJob, error) {
	var job TransferJob
	var created, updated int64
	err := s.q.QueryRowContext(ctx, `
	SELECT file_id, name, size, chunk_size, total_chunks, dest, state, created_at, updated_at
	FROM transfer_jobs WHERE file_id = ?`, fileID).Scan(
		&job.FileID, &job.Name, &job.Size, &job.ChunkSize, &job.TotalChunks,
		&job.Dest, &job.State, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transfer job %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer job %s: %w", fileID, err)
	}
	job.CreatedAt = time.UnixMilli(created)
	job.UpdatedAt = time.UnixMilli(updated)
	return &job, nil
}

// ListJobs returns every transfer job, newest first.
func (s *store) ListJobs(ctx context.Context) ([]*TransferJob, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT file_id, name, size, chunk_size, total_chunks, dest, state, created_at, updated_at
	FROM transfer_jobs ORDER BY created_at DESC, file_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*TransferJob
	for rows.Next() {
		var job TransferJob
		var created, updated int64
		if err := rows.Scan(&job.FileID, &job.Name, &job.Size, &job.ChunkSize, &job.TotalChunks,
			&job.Dest, &job.State, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan transfer job: %w", err)
		}
		job.CreatedAt = time.UnixMilli(created)
		job.UpdatedAt = time.UnixMilli(updated)
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer jobs: %w", err)
	}
	return jobs, nil
}

// SetJobState updates a job's state.
func (s *store) SetJobState(ctx context.Context, fileID, state string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE transfer_jobs SET state = ?, updated_at = ? WHERE file_id = ?`,
		state, time.Now().UnixMilli(), fileID)
	if err != nil {
		return fmt.Errorf("failed to set state of transfer job %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer job %s: %w", fileID, ErrNotFound)
	}
	return nil
}

// SaveChunk records a completed chunk upload.
func (s *store) SaveChunk(ctx context.Context, fileID string, chunk schema.ChunkInfo) error {
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO transfer_chunks (file_id, idx, message_id, relay_file_id, hash, token)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_id, idx) DO UPDATE SET
		message_id = excluded.message_id,
		relay_file_id = excluded.relay_file_id,
		hash = excluded.hash,
		token = excluded.token`,
		fileID, chunk.Index, chunk.RelayMessageID, chunk.RelayFileID, chunk.Hash, chunk.Token)
	if err != nil {
		return fmt.Errorf("failed to save chunk %d of %s: %w", chunk.Index, fileID, err)
	}
	return nil
}

// ListChunks returns the completed chunks of a job ordered by index.
func (s *store) ListChunks(ctx context.Context, fileID string) ([]schema.ChunkInfo, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT idx, message_id, relay_file_id, hash, token
	FROM transfer_chunks WHERE file_id = ? ORDER BY idx`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", fileID, err)
	}
	defer rows.Close()

	var chunks []schema.ChunkInfo
	for rows.Next() {
		var c schema.ChunkInfo
		if err := rows.Scan(&c.Index, &c.RelayMessageID, &c.RelayFileID, &c.Hash, &c.Token); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// SaveDownloadedChunk records that chunk index of fileID has been written
// to target.
func (s *store) SaveDownloadedChunk(ctx context.Context, fileID, target string, index int) error {
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO download_chunks (file_id, target, idx) VALUES (?, ?, ?)
	ON CONFLICT(file_id, target, idx) DO NOTHING`, fileID, target, index)
	if err != nil {
		return fmt.Errorf("failed to save downloaded chunk %d of %s: %w", index, fileID, err)
	}
	return nil
}

// DownloadedChunks returns the chunk indices of fileID already written to
// target.
func (s *store) DownloadedChunks(ctx context.Context, fileID, target string) (map[int]bool, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT idx FROM download_chunks WHERE file_id = ? AND target = ?`, fileID, target)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloaded chunks of %s: %w", fileID, err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan downloaded chunk: %w", err)
		}
		done[idx] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating downloaded chunks: %w", err)
	}
	return done, nil
}

// ClearDownloadedChunks forgets download progress for (fileID, target).
func (s *store) ClearDownloadedChunks(ctx context.Context, fileID, target string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM download_chunks WHERE file_id = ? AND target = ?`, fileID, target)
	if err != nil {
		return fmt.Errorf("failed to clear downloaded chunks of %s: %w", fileID, err)
	}
	return nil
}
