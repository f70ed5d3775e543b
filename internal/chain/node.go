package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/steveyegge/relaysync/internal/crypto"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/schema"
)

const (
	// BatchSize is the number of log entries per chain node.
	BatchSize = 50

	// InlineThreshold is the encoded length below which a node is sent as
	// a text message.
	InlineThreshold = 3500

	// InlinePrefix starts every inline node message.
	InlinePrefix = "sync_index:"

	// AttachmentCaption is the caption of nodes sent as documents.
	AttachmentCaption = "sync_index"

	// maxNodeSize bounds attachment downloads.
	maxNodeSize = 64 << 20
)

// EncodeNode serializes, compresses and encrypts a node.
func EncodeNode(node *schema.ChainNode, password string) ([]byte, error) {
	plain, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node: %w", err)
	}
	compressed, err := crypto.Compress(plain)
	if err != nil {
		return nil, err
	}
	return crypto.Encrypt(compressed, password)
}

// DecodeNode reverses EncodeNode and validates the result. A wrong password
// or tampered blob yields an error matching crypto.ErrDecrypt.
func DecodeNode(blob []byte, password string) (*schema.ChainNode, error) {
	compressed, err := crypto.Decrypt(blob, password)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decompress(compressed)
	if err != nil {
		return nil, err
	}
	var node schema.ChainNode
	if err := json.Unmarshal(plain, &node); err != nil {
		return nil, fmt.Errorf("failed to parse node: %w", err)
	}
	if err := node.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node: %w", err)
	}
	return &node, nil
}

// InlineText returns the text message carrying blob, and false when the
// encoded form is too long to go inline.
func InlineText(blob []byte) (string, bool) {
	enc := base64.StdEncoding.EncodeToString(blob)
	if len(enc) >= InlineThreshold {
		return "", false
	}
	return InlinePrefix + enc, true
}

// IsNodeMessage reports whether msg looks like a chain node.
func IsNodeMessage(msg *relay.Message) bool {
	if msg == nil {
		return false
	}
	if strings.HasPrefix(msg.Text, InlinePrefix) {
		return true
	}
	return msg.Attachment != nil && msg.Caption == AttachmentCaption
}

// sendNode posts an encoded node, inline when it fits.
func sendNode(ctx context.Context, client relay.Client, dest string, blob []byte, name string) (*relay.Message, error) {
	if text, ok := InlineText(blob); ok {
		return client.SendText(ctx, dest, text)
	}
	return client.SendDocument(ctx, dest, relay.Document{
		Name:    name,
		Caption: AttachmentCaption,
		Body:    bytes.NewReader(blob),
		Size:    int64(len(blob)),
	})
}

// readNode extracts and decodes the node carried by msg.
func readNode(ctx context.Context, client relay.Client, msg *relay.Message, password string) (*schema.ChainNode, error) {
	switch {
	case strings.HasPrefix(msg.Text, InlinePrefix):
		blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(msg.Text, InlinePrefix)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode inline node %d: %w", msg.ID, err)
		}
		return DecodeNode(blob, password)

	case msg.Attachment != nil && msg.Caption == AttachmentCaption:
		rc, err := client.Download(ctx, msg.Attachment.FileID)
		if err != nil {
			return nil, fmt.Errorf("failed to download node %d: %w", msg.ID, err)
		}
		defer rc.Close()
		blob, err := io.ReadAll(io.LimitReader(rc, maxNodeSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read node %d: %w", msg.ID, err)
		}
		return DecodeNode(blob, password)

	default:
		return nil, fmt.Errorf("message %d is not a chain node", msg.ID)
	}
}
