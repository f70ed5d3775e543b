// Package schema defines the data model shared by the chain sync engine and
// the chunk transfer manager.
//
// # Log Records
//
// Every local mutation of a synchronized table produces a LogRecord. Records
// are created pending (Uploaded=false), flipped to uploaded once the batch that
// carries them has been appended to the chain, and are never deleted:
//
//	rec := &schema.LogRecord{
//	    ID:         uuid.NewString(),
//	    Timestamp:  time.Now().UnixMilli(),
//	    DeviceID:   deviceID,
//	    Operation:  schema.OpUpdate,
//	    Table:      "notes",
//	    PrimaryKey: "n-1",
//	    Data:       map[string]any{"title": "new"},
//	    PreviousData: map[string]any{"title": "old"},
//	}
//	rec.Checksum = rec.ComputeChecksum()
//
// # Chain Nodes
//
// A ChainNode is one batch of IndexEntry values plus a back-pointer to the
// previous head. The wire form is JSON:
//
//	{
//	  "prevId": 99,
//	  "entries": [{"logId": "...", "deviceId": "...", "timestamp": 1700000000000,
//	               "operation": "update", "table": "notes", "primaryKey": "n-1",
//	               "data": {...}, "previousData": {...}}],
//	  "timestamp": 1700000000123
//	}
//
// # Chunked Transfers
//
// Large payloads are split into ChunkSize pieces. A Manifest lists the
// ChunkInfo of every uploaded chunk and is enough to reassemble the payload.
package schema
