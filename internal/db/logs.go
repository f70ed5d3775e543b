package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/relaysync/internal/schema"
)

// ErrLogExists is returned by InsertLog when a record with the same id is
// already stored.
var ErrLogExists = errors.New("log record already exists")

const logColumns = `id, timestamp, device_id, operation, tbl, pk, data, previous_data,
	uploaded, relay_anchor, checksum`

// InsertLog stores a log record. The record is validated and, if it has no
// checksum yet, one is computed and set on rec.
func (s *store) InsertLog(ctx context.Context, rec *schema.LogRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid log record: %w", err)
	}
	if rec.Checksum == "" {
		rec.Checksum = rec.ComputeChecksum()
	}

	data, err := marshalNullable(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	prev, err := marshalNullable(rec.PreviousData)
	if err != nil {
		return fmt.Errorf("failed to marshal previous data: %w", err)
	}

	var anchor sql.NullInt64
	if rec.RelayAnchor != nil {
		anchor = sql.NullInt64{Int64: *rec.RelayAnchor, Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
	INSERT INTO sync_logs (`+logColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		rec.ID,
		rec.Timestamp,
		rec.DeviceID,
		rec.Operation.String(),
		rec.Table,
		rec.PrimaryKey,
		data,
		prev,
		boolToInt(rec.Uploaded),
		anchor,
		rec.Checksum,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLogExists, rec.ID)
	}
	return nil
}

// LogExists reports whether a log record with id is stored.
func (s *store) LogExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM sync_logs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check log %s: %w", id, err)
	}
	return true, nil
}

// GetLog returns one log record. Returns ErrNotFound if it doesn't exist.
func (s *store) GetLog(ctx context.Context, id string) (*schema.LogRecord, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+logColumns+` FROM sync_logs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query log %s: %w", id, err)
	}
	defer rows.Close()

	logs, err := scanLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("log %s: %w", id, ErrNotFound)
	}
	return logs[0], nil
}

// GetPendingLogs returns every log record not yet uploaded, oldest first.
func (s *store) GetPendingLogs(ctx context.Context) ([]*schema.LogRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT `+logColumns+` FROM sync_logs
	WHERE uploaded = 0
	ORDER BY timestamp ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending logs: %w", err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

// CountPendingLogs returns the number of log records not yet uploaded.
func (s *store) CountPendingLogs(ctx context.Context) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_logs WHERE uploaded = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending logs: %w", err)
	}
	return count, nil
}

// GetLogsForRecord returns every log record touching (table, pk), oldest first.
func (s *store) GetLogsForRecord(ctx context.Context, table, pk string) ([]*schema.LogRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT `+logColumns+` FROM sync_logs
	WHERE tbl = ? AND pk = ?
	ORDER BY timestamp ASC, rowid ASC`, table, pk)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs for %s: %w", schema.RecordKey(table, pk), err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

// MarkUploaded flips a log record to uploaded and records the relay message
// it was appended in.
func (s *store) MarkUploaded(ctx context.Context, id string, anchor int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_logs SET uploaded = 1, relay_anchor = ? WHERE id = ?`, anchor, id)
	if err != nil {
		return fmt.Errorf("failed to mark log %s uploaded: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("log %s: %w", id, ErrNotFound)
	}
	return nil
}

// LogFilter narrows ListLogs results.
type LogFilter struct {
	// Since keeps records at or after this time (zero = all)
	Since time.Time
	// Table filters by table name (empty = all)
	Table string
	// DeviceID filters by originating device (empty = all)
	DeviceID string
	// PendingOnly keeps only records not yet uploaded
	PendingOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListLogs returns log records matching filter, oldest first.
func (s *store) ListLogs(ctx context.Context, filter LogFilter) ([]*schema.LogRecord, error) {
	var conditions []string
	var args []any

	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if filter.Table != "" {
		conditions = append(conditions, "tbl = ?")
		args = append(args, filter.Table)
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.PendingOnly {
		conditions = append(conditions, "uploaded = 0")
	}

	query := `SELECT ` + logColumns + ` FROM sync_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	return scanLogs(rows)
}

// CountLogs returns the total number of stored log records.
func (s *store) CountLogs(ctx context.Context) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_logs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return count, nil
}

// scanLogs reads log rows and verifies each record's checksum.
func scanLogs(rows *sql.Rows) ([]*schema.LogRecord, error) {
	var logs []*schema.LogRecord

	for rows.Next() {
		var rec schema.LogRecord
		var op string
		var data, prev sql.NullString
		var uploaded int
		var anchor sql.NullInt64

		err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.DeviceID,
			&op,
			&rec.Table,
			&rec.PrimaryKey,
			&data,
			&prev,
			&uploaded,
			&anchor,
			&rec.Checksum,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}

		if rec.Operation, err = schema.ParseOperation(op); err != nil {
			return nil, fmt.Errorf("log %s: %w", rec.ID, err)
		}
		if rec.Data, err = unmarshalNullable(data); err != nil {
			return nil, fmt.Errorf("log %s: failed to unmarshal data: %w", rec.ID, err)
		}
		if rec.PreviousData, err = unmarshalNullable(prev); err != nil {
			return nil, fmt.Errorf("log %s: failed to unmarshal previous data: %w", rec.ID, err)
		}
		rec.Uploaded = uploaded != 0
		if anchor.Valid {
			a := anchor.Int64
			rec.RelayAnchor = &a
		}

		if err := rec.VerifyChecksum(); err != nil {
			return nil, err
		}

		logs = append(logs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}

	return logs, nil
}

func marshalNullable(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
