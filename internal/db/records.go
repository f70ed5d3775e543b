package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/relaysync/internal/schema"
)

// Record is one row of a synchronized table.
type Record struct {
	Table      string
	PrimaryKey string
	Data       map[string]any
	UpdatedAt  time.Time
}

// GetRecord returns the current row for (table, pk).
// Returns ErrNotFound if the row doesn't exist.
func (s *store) GetRecord(ctx context.Context, table, pk string) (map[string]any, error) {
	var raw string
	err := s.q.QueryRowContext(ctx, `SELECT data FROM records WHERE tbl = ? AND pk = ?`, table, pk).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", schema.RecordKey(table, pk), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", schema.RecordKey(table, pk), err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", schema.RecordKey(table, pk), err)
	}
	return data, nil
}

// PutRecord inserts or replaces the row for (table, pk).
func (s *store) PutRecord(ctx context.Context, table, pk string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", schema.RecordKey(table, pk), err)
	}

	_, err = s.q.ExecContext(ctx, `
	INSERT INTO records (tbl, pk, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(tbl, pk) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at`,
		table, pk, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put record %s: %w", schema.RecordKey(table, pk), err)
	}
	return nil
}

// PatchRecord overlays fields onto the current row. A missing row is created
// from fields alone.
func (s *store) PatchRecord(ctx context.Context, table, pk string, fields map[string]any) error {
	current, err := s.GetRecord(ctx, table, pk)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if current == nil {
		current = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		current[k] = v
	}
	return s.PutRecord(ctx, table, pk, current)
}

// DeleteRecord removes the row for (table, pk).
// Returns nil if the row doesn't exist (idempotent).
func (s *store) DeleteRecord(ctx context.Context, table, pk string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND pk = ?`, table, pk)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", schema.RecordKey(table, pk), err)
	}
	return nil
}

// ListRecords returns every row of table ordered by primary key. An empty
// table name lists all tables.
func (s *store) ListRecords(ctx context.Context, table string) ([]*Record, error) {
	query := `SELECT tbl, pk, data, updated_at FROM records`
	var args []any
	if table != "" {
		query += ` WHERE tbl = ?`
		args = append(args, table)
	}
	query += ` ORDER BY tbl, pk`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var raw string
		var updated int64
		if err := rows.Scan(&r.Table, &r.PrimaryKey, &raw, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %s: %w", schema.RecordKey(r.Table, r.PrimaryKey), err)
		}
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}
