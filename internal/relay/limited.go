package relay

import (
	"context"
	"errors"
	"io"

	"github.com/steveyegge/relaysync/internal/ratelimit"
)

// downloadDest is the limiter bucket used for attachment downloads, which
// are not addressed to a destination.
const downloadDest = ""

// Limited wraps a Client so that every call first waits for the limiter
// bucket of (token, destination). A 429 reply feeds its retry-after into the
// same bucket.
type Limited struct {
	next    Client
	limiter *ratelimit.Limiter
	token   string
}

// NewLimited wraps next, whose calls are made with token.
func NewLimited(next Client, limiter *ratelimit.Limiter, token string) *Limited {
	return &Limited{next: next, limiter: limiter, token: token}
}

func (l *Limited) wait(ctx context.Context, dest string) error {
	return l.limiter.Wait(ctx, ratelimit.Key{Token: l.token, Dest: dest})
}

func (l *Limited) observe(dest string, err error) error {
	if errors.Is(err, ErrRateLimited) {
		l.limiter.Penalize(ratelimit.Key{Token: l.token, Dest: dest}, RetryAfter(err))
	}
	return err
}

// SendText implements Client.
func (l *Limited) SendText(ctx context.Context, dest, text string) (*Message, error) {
	if err := l.wait(ctx, dest); err != nil {
		return nil, err
	}
	m, err := l.next.SendText(ctx, dest, text)
	return m, l.observe(dest, err)
}

// SendDocument implements Client.
func (l *Limited) SendDocument(ctx context.Context, dest string, doc Document) (*Message, error) {
	if err := l.wait(ctx, dest); err != nil {
		return nil, err
	}
	m, err := l.next.SendDocument(ctx, dest, doc)
	return m, l.observe(dest, err)
}

// Pin implements Client.
func (l *Limited) Pin(ctx context.Context, dest string, messageID int64) error {
	if err := l.wait(ctx, dest); err != nil {
		return err
	}
	return l.observe(dest, l.next.Pin(ctx, dest, messageID))
}

// GetPinned implements Client.
func (l *Limited) GetPinned(ctx context.Context, dest string) (*Message, error) {
	if err := l.wait(ctx, dest); err != nil {
		return nil, err
	}
	m, err := l.next.GetPinned(ctx, dest)
	return m, l.observe(dest, err)
}

// Forward implements Client. The call counts against the target destination.
func (l *Limited) Forward(ctx context.Context, from, to string, messageID int64) (*Message, error) {
	if err := l.wait(ctx, to); err != nil {
		return nil, err
	}
	m, err := l.next.Forward(ctx, from, to, messageID)
	return m, l.observe(to, err)
}

// Delete implements Client.
func (l *Limited) Delete(ctx context.Context, dest string, messageID int64) error {
	if err := l.wait(ctx, dest); err != nil {
		return err
	}
	return l.observe(dest, l.next.Delete(ctx, dest, messageID))
}

// Download implements Client.
func (l *Limited) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := l.wait(ctx, downloadDest); err != nil {
		return nil, err
	}
	rc, err := l.next.Download(ctx, fileID)
	return rc, l.observe(downloadDest, err)
}
