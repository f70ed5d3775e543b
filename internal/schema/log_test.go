package schema

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func validLog() *LogRecord {
	return &LogRecord{
		ID:           "log-1",
		Timestamp:    1700000000000,
		DeviceID:     "device-a",
		Operation:    OpUpdate,
		Table:        "notes",
		PrimaryKey:   "n-1",
		Data:         map[string]any{"title": "new", "body": "same"},
		PreviousData: map[string]any{"title": "old", "body": "same"},
	}
}

func TestLogRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *LogRecord)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid update",
			mutate: func(r *LogRecord) {},
		},
		{
			name:    "missing id",
			mutate:  func(r *LogRecord) { r.ID = "" },
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing device",
			mutate:  func(r *LogRecord) { r.DeviceID = "" },
			wantErr: true,
			errMsg:  "device id is required",
		},
		{
			name:    "missing table",
			mutate:  func(r *LogRecord) { r.Table = "" },
			wantErr: true,
			errMsg:  "table is required",
		},
		{
			name:    "zero timestamp",
			mutate:  func(r *LogRecord) { r.Timestamp = 0 },
			wantErr: true,
			errMsg:  "timestamp must be positive",
		},
		{
			name: "insert with previous data",
			mutate: func(r *LogRecord) {
				r.Operation = OpInsert
			},
			wantErr: true,
			errMsg:  "insert cannot carry previous data",
		},
		{
			name: "valid insert",
			mutate: func(r *LogRecord) {
				r.Operation = OpInsert
				r.PreviousData = nil
			},
		},
		{
			name: "delete with data",
			mutate: func(r *LogRecord) {
				r.Operation = OpDelete
			},
			wantErr: true,
			errMsg:  "delete cannot carry data",
		},
		{
			name: "valid delete",
			mutate: func(r *LogRecord) {
				r.Operation = OpDelete
				r.Data = nil
			},
		},
		{
			name:    "unknown operation",
			mutate:  func(r *LogRecord) { r.Operation = Operation(9) },
			wantErr: true,
			errMsg:  "invalid operation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validLog()
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestLogRecord_Checksum(t *testing.T) {
	r := validLog()
	r.Checksum = r.ComputeChecksum()

	if len(r.Checksum) != 64 {
		t.Fatalf("checksum length = %d, want 64", len(r.Checksum))
	}
	if err := r.VerifyChecksum(); err != nil {
		t.Fatalf("VerifyChecksum() on fresh record: %v", err)
	}

	// Propagation state does not affect the checksum.
	anchor := int64(42)
	r.Uploaded = true
	r.RelayAnchor = &anchor
	if err := r.VerifyChecksum(); err != nil {
		t.Errorf("VerifyChecksum() after MarkUploaded fields: %v", err)
	}

	r.Data["title"] = "tampered"
	err := r.VerifyChecksum()
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("VerifyChecksum() after tamper = %v, want ErrChecksumMismatch", err)
	}

	r.Checksum = ""
	if err := r.VerifyChecksum(); err != nil {
		t.Errorf("VerifyChecksum() without checksum = %v, want nil", err)
	}
}

func TestLogRecord_ChecksumMapOrder(t *testing.T) {
	a := validLog()
	b := validLog()
	b.Data = map[string]any{"body": "same", "title": "new"}

	if a.ComputeChecksum() != b.ComputeChecksum() {
		t.Error("checksum depends on map insertion order")
	}
}

func TestLogRecord_ChangedFields(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		prev map[string]any
		want map[string]struct{}
	}{
		{
			name: "one field changed",
			data: map[string]any{"a": 1.0, "b": "x"},
			prev: map[string]any{"a": 1.0, "b": "y"},
			want: map[string]struct{}{"b": {}},
		},
		{
			name: "no previous data",
			data: map[string]any{"a": 1.0, "b": "x"},
			want: map[string]struct{}{"a": {}, "b": {}},
		},
		{
			name: "new key",
			data: map[string]any{"a": 1.0, "c": true},
			prev: map[string]any{"a": 1.0},
			want: map[string]struct{}{"c": {}},
		},
		{
			name: "nested equal",
			data: map[string]any{"tags": []any{"x", "y"}},
			prev: map[string]any{"tags": []any{"x", "y"}},
			want: map[string]struct{}{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &LogRecord{Data: tt.data, PreviousData: tt.prev}
			got := r.ChangedFields()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ChangedFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperation_JSON(t *testing.T) {
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		b, err := json.Marshal(op)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", op, err)
		}
		var got Operation
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", b, err)
		}
		if got != op {
			t.Errorf("round trip %v = %v", op, got)
		}
	}

	var op Operation
	if err := json.Unmarshal([]byte(`"upsert"`), &op); err == nil {
		t.Error("Unmarshal(upsert) should fail")
	}
	if _, err := json.Marshal(Operation(0)); err == nil {
		t.Error("Marshal(0) should fail")
	}
}

func TestNormalizeData(t *testing.T) {
	in := map[string]any{"n": 3, "s": "x", "nested": map[string]int{"k": 1}}
	got, err := NormalizeData(in)
	if err != nil {
		t.Fatalf("NormalizeData() failed: %v", err)
	}
	want := map[string]any{"n": 3.0, "s": "x", "nested": map[string]any{"k": 1.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeData() = %#v, want %#v", got, want)
	}

	if got, err := NormalizeData(nil); err != nil || got != nil {
		t.Errorf("NormalizeData(nil) = %v, %v", got, err)
	}
}
