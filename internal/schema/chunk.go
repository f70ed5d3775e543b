package schema

import (
	"fmt"
	"sort"
)

// ChunkSize is the default size of one transfer chunk (4 MiB).
const ChunkSize int64 = 4 << 20

// ChunkInfo describes one uploaded chunk.
type ChunkInfo struct {
	Index          int    `json:"index"`
	RelayMessageID int64  `json:"relayMessageId"`
	RelayFileID    string `json:"relayFileId"`
	Hash           string `json:"hash"`
	Token          string `json:"token,omitempty"`
}

// Manifest is everything needed to reassemble an uploaded payload.
type Manifest struct {
	FileID      string      `json:"fileId"`
	Name        string      `json:"name"`
	Size        int64       `json:"size"`
	ChunkSize   int64       `json:"chunkSize"`
	TotalChunks int         `json:"totalChunks"`
	Chunks      []ChunkInfo `json:"chunks"`
}

// TotalChunks returns ceil(size/chunkSize). An empty source has zero chunks.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkBounds returns the byte offset and length of chunk index.
func ChunkBounds(index int, size, chunkSize int64) (offset, length int64) {
	offset = int64(index) * chunkSize
	length = chunkSize
	if offset+length > size {
		length = size - offset
	}
	if length < 0 {
		length = 0
	}
	return offset, length
}

// SortChunks orders chunk infos by index.
func SortChunks(chunks []ChunkInfo) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
}

// Validate checks that the manifest lists exactly one chunk per index.
func (m *Manifest) Validate() error {
	if m.FileID == "" {
		return fmt.Errorf("fileId is required")
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive (got %d)", m.ChunkSize)
	}
	if want := TotalChunks(m.Size, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("totalChunks = %d, want %d for size %d", m.TotalChunks, want, m.Size)
	}
	if len(m.Chunks) != m.TotalChunks {
		return fmt.Errorf("manifest lists %d chunks, want %d", len(m.Chunks), m.TotalChunks)
	}
	seen := make(map[int]bool, len(m.Chunks))
	for _, c := range m.Chunks {
		if c.Index < 0 || c.Index >= m.TotalChunks {
			return fmt.Errorf("chunk index %d out of range [0,%d)", c.Index, m.TotalChunks)
		}
		if seen[c.Index] {
			return fmt.Errorf("duplicate chunk index %d", c.Index)
		}
		seen[c.Index] = true
		if c.RelayFileID == "" {
			return fmt.Errorf("chunk %d: relayFileId is required", c.Index)
		}
	}
	return nil
}

// Chunk returns the info for index, if listed.
func (m *Manifest) Chunk(index int) (ChunkInfo, bool) {
	for _, c := range m.Chunks {
		if c.Index == index {
			return c, true
		}
	}
	return ChunkInfo{}, false
}
