// Package chain replicates the local log over the relay as an encrypted,
// append-only chain of batches.
//
// Overview
//
// Every device appends its pending log records to a shared channel as chain
// nodes. The relay's pinned message is the head of the chain; each node
// points at the head that existed when it was written:
//
//	pinned ─► node 130 ─prevId─► node 117 ─prevId─► node 100 ─prevId─► 0
//
// A sync cycle has three phases that run one after another:
//
//	Upload       pending logs → batches of 50 → encode → send → pin
//	Download     head → backtrack until a known node → chronological entries
//	Applying     one transaction, one savepoint per entry, conflict resolution
//
// Encoding
//
// A node is JSON, gzip-compressed, then encrypted with AES-256-GCM under a
// key derived from the shared password. Small nodes travel inline as text
// ("sync_index:" followed by base64); larger ones are uploaded as binary
// documents captioned "sync_index".
//
// Reading history
//
// The relay cannot fetch a message by id. Earlier nodes are read by
// forwarding them into the same channel, decoding the forwarded copy and
// deleting it again. Node ids always refer to the original message.
//
// Usage
//
//	engine, err := chain.New(client, database, chain.Config{
//	    Dest:     "@my-sync-channel",
//	    Password: password,
//	    DeviceID: deviceID,
//	})
//	if err != nil {
//	    return err
//	}
//	result := engine.PerformSync(ctx)
//	if result.Err != nil {
//	    log.Printf("sync failed: %v", result.Err)
//	}
//
// PerformSync is single-flight: a second call while one is running returns
// ErrSyncInProgress instead of interleaving uploads, which could fork the
// chain.
package chain
