package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/relaysync/internal/chain"
	"github.com/steveyegge/relaysync/internal/daemon"
	"github.com/steveyegge/relaysync/internal/transfer"
)

// SyncCompleteData describes one finished sync cycle
type SyncCompleteData struct {
	Uploaded   int    `json:"uploaded"`
	Downloaded int    `json:"downloaded"`
	Applied    int    `json:"applied"`
	HasErrors  bool   `json:"has_errors"`
	Error      string `json:"error,omitempty"`
}

// TransferProgressData describes the progress of one transfer job
type TransferProgressData struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction"` // upload, download
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// HeadChangedData carries the new chain head
type HeadChangedData struct {
	HeadID int64 `json:"head_id"`
}

// StatsData contains cumulative statistics
type StatsData struct {
	Cycles          int   `json:"cycles"`
	Failures        int   `json:"failures"`
	Uploaded        int   `json:"uploaded"`
	Downloaded      int   `json:"downloaded"`
	Applied         int   `json:"applied"`
	HeadID          int64 `json:"head_id"`
	ActiveTransfers int   `json:"active_transfers"`
}

// Handler turns daemon and transfer events into dashboard messages.
// It satisfies daemon.Notifier and its OnTransferProgress method fits
// transfer.Config.OnProgress.
type Handler struct {
	server *Server
	logger *log.Logger

	mu        sync.Mutex
	stats     StatsData
	transfers map[string]bool
}

var _ daemon.Notifier = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server:    server,
		logger:    logger,
		transfers: make(map[string]bool),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// SyncComplete handles the end of a sync cycle
func (h *Handler) SyncComplete(res chain.Result) {
	h.logger.Printf("Sync complete: %d uploaded, %d downloaded, %d applied", res.Uploaded, res.Downloaded, res.Applied)

	h.mu.Lock()
	h.stats.Cycles++
	if res.Err != nil {
		h.stats.Failures++
	}
	h.stats.Uploaded += res.Uploaded
	h.stats.Downloaded += res.Downloaded
	h.stats.Applied += res.Applied
	h.mu.Unlock()

	data := SyncCompleteData{
		Uploaded:   res.Uploaded,
		Downloaded: res.Downloaded,
		Applied:    res.Applied,
		HasErrors:  res.HasErrors,
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	h.send(MessageTypeSyncComplete, data)
	h.broadcastStats()
}

// HeadChanged handles a move of the chain head
func (h *Handler) HeadChanged(headID int64) {
	h.logger.Printf("Head changed: %d", headID)

	h.mu.Lock()
	h.stats.HeadID = headID
	h.mu.Unlock()

	h.send(MessageTypeHeadChanged, HeadChangedData{HeadID: headID})
	h.broadcastStats()
}

// OnTransferProgress handles a completed chunk. It may be called from
// several transfer workers at once.
func (h *Handler) OnTransferProgress(p transfer.Progress) {
	direction := "upload"
	if p.Download {
		direction = "download"
	}
	key := direction + ":" + p.FileID

	h.mu.Lock()
	wasActive := h.transfers[key]
	done := p.Completed >= p.Total
	if done {
		delete(h.transfers, key)
	} else {
		h.transfers[key] = true
	}
	h.stats.ActiveTransfers = len(h.transfers)
	changed := wasActive == done
	h.mu.Unlock()

	h.send(MessageTypeTransferProgress, TransferProgressData{
		FileID:    p.FileID,
		Name:      p.Name,
		Direction: direction,
		Completed: p.Completed,
		Total:     p.Total,
	})
	if changed {
		h.broadcastStats()
	}
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}

func (h *Handler) statsMessage() Message {
	dataJSON, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	}
}
