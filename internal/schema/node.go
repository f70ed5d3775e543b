package schema

import "fmt"

// ChainNode is one batch of log entries appended to the chain. PrevID is the
// relay message id of the head at the time the node was created, or 0 for the
// first node of a chain.
type ChainNode struct {
	PrevID    int64        `json:"prevId"`
	Entries   []IndexEntry `json:"entries"`
	Timestamp int64        `json:"timestamp"`
}

// IndexEntry is the serialized form of a LogRecord inside a chain node.
// Propagation state and checksum are local concerns and are not carried.
type IndexEntry struct {
	LogID        string         `json:"logId"`
	DeviceID     string         `json:"deviceId"`
	Timestamp    int64          `json:"timestamp"`
	Operation    Operation      `json:"operation"`
	Table        string         `json:"table"`
	PrimaryKey   string         `json:"primaryKey"`
	Data         map[string]any `json:"data,omitempty"`
	PreviousData map[string]any `json:"previousData,omitempty"`
}

// IndexEntryFromLog converts a local log record into its chain form.
func IndexEntryFromLog(r *LogRecord) IndexEntry {
	return IndexEntry{
		LogID:        r.ID,
		DeviceID:     r.DeviceID,
		Timestamp:    r.Timestamp,
		Operation:    r.Operation,
		Table:        r.Table,
		PrimaryKey:   r.PrimaryKey,
		Data:         r.Data,
		PreviousData: r.PreviousData,
	}
}

// ToLogRecord converts a remote entry into a log record anchored at the chain
// node it was read from. The result is marked uploaded and carries a fresh
// checksum.
func (e IndexEntry) ToLogRecord(anchor int64) *LogRecord {
	a := anchor
	r := &LogRecord{
		ID:           e.LogID,
		Timestamp:    e.Timestamp,
		DeviceID:     e.DeviceID,
		Operation:    e.Operation,
		Table:        e.Table,
		PrimaryKey:   e.PrimaryKey,
		Data:         e.Data,
		PreviousData: e.PreviousData,
		Uploaded:     true,
		RelayAnchor:  &a,
	}
	r.Checksum = r.ComputeChecksum()
	return r
}

// Validate checks that the node carries at least one well-formed entry.
func (n *ChainNode) Validate() error {
	if n.PrevID < 0 {
		return fmt.Errorf("prevId cannot be negative (got %d)", n.PrevID)
	}
	if len(n.Entries) == 0 {
		return fmt.Errorf("node has no entries")
	}
	for i, e := range n.Entries {
		if e.LogID == "" {
			return fmt.Errorf("entry %d: logId is required", i)
		}
		if e.DeviceID == "" {
			return fmt.Errorf("entry %d: deviceId is required", i)
		}
	}
	return nil
}
