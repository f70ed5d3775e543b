// Package migrate exports and imports the mutation log as JSONL.
//
// Each line of an export is one log record in its wire form, checksum
// included. Import verifies every checksum, skips ids the database already
// holds and inserts the rest in one transaction.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/schema"
)

// maxLineSize bounds one JSONL line.
const maxLineSize = 16 << 20

// ExportOptions selects the records to export.
type ExportOptions struct {
	Filter db.LogFilter
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Records int
	Path    string
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	// DryRun validates the input without writing
	DryRun bool

	// ResetUploaded marks imported records pending so the next sync
	// uploads them again
	ResetUploaded bool
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int
	Skipped  int
	Invalid  int
	Errors   []string
}

// LogSource lists log records.
type LogSource interface {
	ListLogs(ctx context.Context, filter db.LogFilter) ([]*schema.LogRecord, error)
}

// Export writes the selected log records to w, one JSON object per line.
func Export(ctx context.Context, src LogSource, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	logs, err := src.ListLogs(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, rec := range logs {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode log %s: %w", rec.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	return &ExportResult{Records: len(logs)}, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, src LogSource, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	res, err := Export(ctx, src, f, opts)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	res.Path = path
	return res, nil
}

// ReadJSONL parses log records from r. Blank lines are ignored.
func ReadJSONL(r io.Reader) ([]*schema.LogRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	var logs []*schema.LogRecord
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec schema.LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		logs = append(logs, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return logs, nil
}

// FromJSONL reads a JSONL file and returns the parsed log records.
func FromJSONL(path string) ([]*schema.LogRecord, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return ReadJSONL(f)
}

// Import inserts records into database. Records that fail validation or
// their checksum are reported and skipped; ids already present are skipped.
func Import(ctx context.Context, database *db.DB, records []*schema.LogRecord, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	var valid []*schema.LogRecord
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d (%s): %v", i+1, rec.ID, err))
			continue
		}
		if err := rec.VerifyChecksum(); err != nil {
			result.Invalid++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		valid = append(valid, rec)
	}

	err := database.WithTx(ctx, func(tx *db.Tx) error {
		for _, rec := range valid {
			exists, err := tx.LogExists(ctx, rec.ID)
			if err != nil {
				return err
			}
			if exists {
				result.Skipped++
				continue
			}
			if opts.DryRun {
				result.Imported++
				continue
			}

			copied := *rec
			if opts.ResetUploaded {
				copied.Uploaded = false
				copied.RelayAnchor = nil
			}
			if err := tx.InsertLog(ctx, &copied); err != nil {
				if errors.Is(err, db.ErrLogExists) {
					// Duplicate id within the input.
					result.Skipped++
					continue
				}
				return err
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import logs: %w", err)
	}
	return result, nil
}

// ImportFile reads path and imports its records.
func ImportFile(ctx context.Context, database *db.DB, path string, opts ImportOptions) (*ImportResult, error) {
	records, err := FromJSONL(path)
	if err != nil {
		return nil, err
	}
	return Import(ctx, database, records, opts)
}
