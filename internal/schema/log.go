package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrChecksumMismatch is returned when a stored log record no longer matches
// the checksum recorded at creation time.
var ErrChecksumMismatch = errors.New("log record checksum mismatch")

// Operation is the kind of mutation captured by a LogRecord.
//
// Each variant constrains which payloads are present:
//   - OpInsert carries Data and never PreviousData
//   - OpUpdate carries Data and usually PreviousData
//   - OpDelete carries PreviousData and never Data
type Operation int

const (
	// OpInsert records a new row.
	OpInsert Operation = iota + 1
	// OpUpdate records a change to an existing row.
	OpUpdate
	// OpDelete records a removed row.
	OpDelete
)

// String returns the wire name of the operation.
func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperation converts a wire name back into an Operation.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

// MarshalJSON encodes the operation as its wire name.
func (op Operation) MarshalJSON() ([]byte, error) {
	if op < OpInsert || op > OpDelete {
		return nil, fmt.Errorf("cannot marshal operation %d", int(op))
	}
	return json.Marshal(op.String())
}

// UnmarshalJSON decodes a wire name.
func (op *Operation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("operation must be a string: %w", err)
	}
	parsed, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// LogRecord is one captured mutation of a synchronized table.
type LogRecord struct {
	// ===== Identity (immutable) =====
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix millis
	DeviceID  string `json:"deviceId"`

	// ===== Mutation =====
	Operation    Operation      `json:"operation"`
	Table        string         `json:"table"`
	PrimaryKey   string         `json:"primaryKey"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousData map[string]any `json:"previousData,omitempty"`

	// ===== Propagation state =====
	Uploaded    bool   `json:"uploaded"`
	RelayAnchor *int64 `json:"relayAnchor,omitempty"`

	Checksum string `json:"checksum,omitempty"`
}

// Validate checks the record identity and the payload rules of its operation.
func (r *LogRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if r.Table == "" {
		return fmt.Errorf("table is required")
	}
	if r.PrimaryKey == "" {
		return fmt.Errorf("primary key is required")
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", r.Timestamp)
	}
	switch r.Operation {
	case OpInsert:
		if r.Data == nil {
			return fmt.Errorf("insert requires data")
		}
		if r.PreviousData != nil {
			return fmt.Errorf("insert cannot carry previous data")
		}
	case OpUpdate:
		if r.Data == nil {
			return fmt.Errorf("update requires data")
		}
	case OpDelete:
		if r.Data != nil {
			return fmt.Errorf("delete cannot carry data")
		}
	default:
		return fmt.Errorf("invalid operation %d", int(r.Operation))
	}
	return nil
}

// RecordKey identifies the row this record mutates: "table:primaryKey".
func (r *LogRecord) RecordKey() string {
	return RecordKey(r.Table, r.PrimaryKey)
}

// RecordKey builds the grouping key for a table row.
func RecordKey(table, primaryKey string) string {
	return table + ":" + primaryKey
}

// ComputeChecksum returns the hex SHA-256 over the canonical concatenation of
// every field except the propagation state and the checksum itself.
func (r *LogRecord) ComputeChecksum() string {
	data, _ := json.Marshal(r.Data)
	prev, _ := json.Marshal(r.PreviousData)

	h := sha256.New()
	for _, part := range []string{
		r.ID,
		strconv.FormatInt(r.Timestamp, 10),
		r.DeviceID,
		r.Operation.String(),
		r.Table,
		r.PrimaryKey,
		string(data),
		string(prev),
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum recomputes the checksum. Records without a checksum pass.
func (r *LogRecord) VerifyChecksum() error {
	if r.Checksum == "" {
		return nil
	}
	if got := r.ComputeChecksum(); got != r.Checksum {
		return fmt.Errorf("%w: log %s stored=%s computed=%s", ErrChecksumMismatch, r.ID, r.Checksum, got)
	}
	return nil
}

// ChangedFields returns the keys whose value in Data differs from
// PreviousData. Without PreviousData every key of Data counts as changed.
func (r *LogRecord) ChangedFields() map[string]struct{} {
	changed := make(map[string]struct{}, len(r.Data))
	for k, v := range r.Data {
		if r.PreviousData == nil {
			changed[k] = struct{}{}
			continue
		}
		prev, ok := r.PreviousData[k]
		if !ok || !reflect.DeepEqual(prev, v) {
			changed[k] = struct{}{}
		}
	}
	return changed
}

// NormalizeData round-trips a value map through JSON so that numbers and
// nested values have the same Go types they will have after crossing the
// wire. Comparisons between local and remote payloads rely on this.
func NormalizeData(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return out, nil
}
