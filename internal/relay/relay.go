// Package relay defines the capability surface of the message relay used as
// the only shared medium between devices, plus an HTTP implementation for a
// Telegram-style bot API and a rate-limited wrapper.
//
// A relay offers a handful of primitives per destination (a channel or chat):
// send text, send a document, pin a message, read the pinned message, forward
// a message, delete a message and download an attachment. There is no
// "get message by id"; reading an old message requires forwarding it first.
package relay

import (
	"context"
	"errors"
	"io"
)

// ErrNoPinned is returned by GetPinned when the destination has no pinned
// message.
var ErrNoPinned = errors.New("no pinned message")

// Message is a relay message as seen by a reader.
type Message struct {
	ID         int64
	Text       string
	Caption    string
	Attachment *Attachment
}

// Attachment describes a document stored on the relay.
type Attachment struct {
	FileID string
	Name   string
	Size   int64
}

// Document is an outgoing attachment. Body is streamed to the relay and
// read exactly once.
type Document struct {
	Name    string
	Caption string
	Body    io.Reader
	Size    int64
}

// Client is the set of relay operations used by sync and transfer.
//
// Every method may return a *Error describing an HTTP or network failure.
type Client interface {
	// SendText posts a text message to dest.
	SendText(ctx context.Context, dest, text string) (*Message, error)

	// SendDocument uploads doc to dest. The returned message carries the
	// attachment id needed for Download.
	SendDocument(ctx context.Context, dest string, doc Document) (*Message, error)

	// Pin marks messageID as the pinned message of dest.
	Pin(ctx context.Context, dest string, messageID int64) error

	// GetPinned returns the pinned message of dest, or ErrNoPinned.
	GetPinned(ctx context.Context, dest string) (*Message, error)

	// Forward copies messageID from one destination to another. The copy
	// gets a new id and the same content.
	Forward(ctx context.Context, from, to string, messageID int64) (*Message, error)

	// Delete removes messageID from dest.
	Delete(ctx context.Context, dest string, messageID int64) error

	// Download opens the content of an attachment. The caller closes it.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Pool hands out one Client per credential.
type Pool interface {
	// Tokens lists the credentials the pool can serve.
	Tokens() []string

	// Client returns the client bound to token.
	Client(token string) Client
}

// StaticPool is a Pool built from a fixed token to client map.
type StaticPool struct {
	tokens  []string
	clients map[string]Client
}

// NewStaticPool creates a pool with one client per token, built by newClient.
func NewStaticPool(tokens []string, newClient func(token string) Client) *StaticPool {
	p := &StaticPool{
		tokens:  append([]string(nil), tokens...),
		clients: make(map[string]Client, len(tokens)),
	}
	for _, t := range tokens {
		p.clients[t] = newClient(t)
	}
	return p
}

// Tokens implements Pool.
func (p *StaticPool) Tokens() []string {
	return append([]string(nil), p.tokens...)
}

// Client implements Pool. Unknown tokens return nil.
func (p *StaticPool) Client(token string) Client {
	return p.clients[token]
}
