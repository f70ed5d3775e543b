package transfer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/schema"
)

// captionPrefix marks chunk attachments.
const captionPrefix = "[CHUNK]"

// Caption is the metadata carried by every chunk attachment.
type Caption struct {
	FileID string
	Index  int
	Total  int
	Name   string
	Hash   string
}

// FormatCaption renders c as
// "[CHUNK]|fileId:<id>|chunk:<i>|total:<n>|name:<name>|hash:<hex>".
// A '|' in the name is replaced with '_'.
func FormatCaption(c Caption) string {
	name := strings.ReplaceAll(c.Name, "|", "_")
	return fmt.Sprintf("%s|fileId:%s|chunk:%d|total:%d|name:%s|hash:%s",
		captionPrefix, c.FileID, c.Index, c.Total, name, c.Hash)
}

// ParseCaption parses a caption written by FormatCaption.
func ParseCaption(s string) (Caption, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 || parts[0] != captionPrefix {
		return Caption{}, fmt.Errorf("not a chunk caption: %q", s)
	}

	var c Caption
	seen := map[string]bool{}
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(p, ":")
		if !ok {
			return Caption{}, fmt.Errorf("malformed caption field %q", p)
		}
		seen[key] = true
		var err error
		switch key {
		case "fileId":
			c.FileID = value
		case "chunk":
			c.Index, err = strconv.Atoi(value)
		case "total":
			c.Total, err = strconv.Atoi(value)
		case "name":
			c.Name = value
		case "hash":
			c.Hash = value
		}
		if err != nil {
			return Caption{}, fmt.Errorf("caption field %s: %w", key, err)
		}
	}

	for _, key := range []string{"fileId", "chunk", "total", "hash"} {
		if !seen[key] {
			return Caption{}, fmt.Errorf("caption missing %s", key)
		}
	}
	if c.Index < 0 || c.Index >= c.Total {
		return Caption{}, fmt.Errorf("chunk index %d out of range [0,%d)", c.Index, c.Total)
	}
	return c, nil
}

// ManifestsFromMessages rebuilds upload manifests from chunk attachments,
// for instance after listing a channel. Messages that are not chunk
// attachments are ignored. Size and chunk size are derived from attachment
// sizes; the first chunk sets the chunk size.
func ManifestsFromMessages(messages []*relay.Message) []*schema.Manifest {
	byFile := map[string]*schema.Manifest{}
	sizes := map[string]map[int]int64{}

	for _, msg := range messages {
		if msg == nil || msg.Attachment == nil {
			continue
		}
		c, err := ParseCaption(msg.Caption)
		if err != nil {
			continue
		}
		m, ok := byFile[c.FileID]
		if !ok {
			m = &schema.Manifest{FileID: c.FileID, Name: c.Name, TotalChunks: c.Total}
			byFile[c.FileID] = m
			sizes[c.FileID] = map[int]int64{}
		}
		if _, dup := sizes[c.FileID][c.Index]; dup {
			continue
		}
		sizes[c.FileID][c.Index] = msg.Attachment.Size
		m.Chunks = append(m.Chunks, schema.ChunkInfo{
			Index:          c.Index,
			RelayMessageID: msg.ID,
			RelayFileID:    msg.Attachment.FileID,
			Hash:           c.Hash,
		})
	}

	out := make([]*schema.Manifest, 0, len(byFile))
	for id, m := range byFile {
		schema.SortChunks(m.Chunks)
		for _, n := range sizes[id] {
			m.Size += n
		}
		if first, ok := sizes[id][0]; ok {
			m.ChunkSize = first
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}
