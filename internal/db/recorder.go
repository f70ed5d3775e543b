package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/schema"
)

// Recorder applies local mutations to the synchronized table and captures a
// pending log record for each one in the same transaction.
type Recorder struct {
	db       *DB
	deviceID string
	clock    clockwork.Clock
}

// NewRecorder creates a Recorder for the database's device.
// If clock is nil, the real clock is used.
func NewRecorder(ctx context.Context, db *DB, clock clockwork.Clock) (*Recorder, error) {
	deviceID, err := db.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device id: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{db: db, deviceID: deviceID, clock: clock}, nil
}

// DeviceID returns the device the recorder writes logs as.
func (r *Recorder) DeviceID() string {
	return r.deviceID
}

// Insert creates a row and records an insert log.
func (r *Recorder) Insert(ctx context.Context, table, pk string, data map[string]any) (*schema.LogRecord, error) {
	data, err := schema.NormalizeData(data)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}

	rec := r.newLog(schema.OpInsert, table, pk)
	rec.Data = data

	err = r.db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutRecord(ctx, table, pk, data); err != nil {
			return err
		}
		return tx.InsertLog(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record insert: %w", err)
	}
	return rec, nil
}

// Update overlays changes onto an existing row and records an update log
// whose previous data is the row before the change.
func (r *Recorder) Update(ctx context.Context, table, pk string, changes map[string]any) (*schema.LogRecord, error) {
	changes, err := schema.NormalizeData(changes)
	if err != nil {
		return nil, err
	}

	rec := r.newLog(schema.OpUpdate, table, pk)

	err = r.db.WithTx(ctx, func(tx *Tx) error {
		prev, err := tx.GetRecord(ctx, table, pk)
		if err != nil {
			return err
		}
		next := make(map[string]any, len(prev)+len(changes))
		for k, v := range prev {
			next[k] = v
		}
		for k, v := range changes {
			next[k] = v
		}
		rec.PreviousData = prev
		rec.Data = next

		if err := tx.PutRecord(ctx, table, pk, next); err != nil {
			return err
		}
		return tx.InsertLog(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record update: %w", err)
	}
	return rec, nil
}

// Delete removes a row and records a delete log carrying its last contents.
func (r *Recorder) Delete(ctx context.Context, table, pk string) (*schema.LogRecord, error) {
	rec := r.newLog(schema.OpDelete, table, pk)

	err := r.db.WithTx(ctx, func(tx *Tx) error {
		prev, err := tx.GetRecord(ctx, table, pk)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		rec.PreviousData = prev

		if err := tx.DeleteRecord(ctx, table, pk); err != nil {
			return err
		}
		return tx.InsertLog(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record delete: %w", err)
	}
	return rec, nil
}

func (r *Recorder) newLog(op schema.Operation, table, pk string) *schema.LogRecord {
	return &schema.LogRecord{
		ID:         uuid.NewString(),
		Timestamp:  r.clock.Now().UnixMilli(),
		DeviceID:   r.deviceID,
		Operation:  op,
		Table:      table,
		PrimaryKey: pk,
	}
}
