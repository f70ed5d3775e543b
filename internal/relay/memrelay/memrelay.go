// Package memrelay is an in-process relay for tests and load simulations.
//
// It keeps per-destination message lists with monotonically increasing ids,
// a pinned message per destination, and a blob store for documents. Every
// call made through a Client is recorded with the token that made it, and
// faults can be injected per operation.
package memrelay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/relaysync/internal/relay"
)

// Operation names used in Call and FailNext.
const (
	OpSendText     = "sendText"
	OpSendDocument = "sendDocument"
	OpPin          = "pin"
	OpGetPinned    = "getPinned"
	OpForward      = "forward"
	OpDelete       = "delete"
	OpDownload     = "download"
)

// Call is one recorded relay call.
type Call struct {
	Op      string
	Token   string
	Dest    string
	Caption string
	At      time.Time
}

type message struct {
	id      int64
	text    string
	caption string
	fileID  string
	name    string
	size    int64
}

type channel struct {
	nextID   int64
	messages map[int64]*message
	pinned   int64
}

// Server is the shared state behind every Client.
type Server struct {
	clock clockwork.Clock

	mu       sync.Mutex
	channels map[string]*channel
	files    map[string][]byte
	nextFile int
	calls    []Call
	failures map[string][]error
	fault    func(Call) error
	latency  time.Duration
}

// New creates an empty relay. If clock is nil the real clock is used.
func New(clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		clock:    clock,
		channels: make(map[string]*channel),
		files:    make(map[string][]byte),
		failures: make(map[string][]error),
	}
}

func (s *Server) channel(dest string) *channel {
	ch, ok := s.channels[dest]
	if !ok {
		ch = &channel{nextID: 1, messages: make(map[int64]*message)}
		s.channels[dest] = ch
	}
	return ch
}

func (s *Server) add(dest string, m *message) *message {
	ch := s.channel(dest)
	m.id = ch.nextID
	ch.nextID++
	ch.messages[m.id] = m
	return m
}

// SetNextID makes the next message in dest get id. It only moves forward.
func (s *Server) SetNextID(dest string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channel(dest)
	if id > ch.nextID {
		ch.nextID = id
	}
}

// InjectText stores a text message in dest without going through a client
// and returns its id.
func (s *Server) InjectText(dest, text string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(dest, &message{text: text}).id
}

// InjectDocument stores a document message in dest and returns its id.
func (s *Server) InjectDocument(dest, name, caption string, data []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fileID := s.storeFile(data)
	return s.add(dest, &message{caption: caption, fileID: fileID, name: name, size: int64(len(data))}).id
}

// SetPinned pins id in dest directly.
func (s *Server) SetPinned(dest string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(dest).pinned = id
}

// Pinned returns the pinned id of dest, 0 when none.
func (s *Server) Pinned(dest string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel(dest).pinned
}

// MessageCount returns how many messages dest currently holds.
func (s *Server) MessageCount(dest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channel(dest).messages)
}

// FileData returns a copy of a stored document.
func (s *Server) FileData(fileID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[fileID]
	return append([]byte(nil), b...), ok
}

// FailNext queues errors returned by the next calls of op, one per call.
func (s *Server) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// SetFault installs a function consulted on every call. A non-nil result
// fails the call. Pass nil to remove it.
func (s *Server) SetFault(fn func(Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetLatency delays every call by d on the server clock.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns every recorded call.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the recorded calls of op.
func (s *Server) CallsFor(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) storeFile(data []byte) string {
	s.nextFile++
	id := fmt.Sprintf("file-%d", s.nextFile)
	s.files[id] = data
	return id
}

// begin records a call and returns any injected failure.
func (s *Server) begin(ctx context.Context, c Call) error {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return &relay.Error{Op: c.Op, Err: ctx.Err()}
		case <-s.clock.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return &relay.Error{Op: c.Op, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c.At = s.clock.Now()
	s.calls = append(s.calls, c)

	if q := s.failures[c.Op]; len(q) > 0 {
		s.failures[c.Op] = q[1:]
		return q[0]
	}
	if s.fault != nil {
		return s.fault(c)
	}
	return nil
}

func (m *message) toRelay() *relay.Message {
	out := &relay.Message{ID: m.id, Text: m.text, Caption: m.caption}
	if m.fileID != "" {
		out.Attachment = &relay.Attachment{FileID: m.fileID, Name: m.name, Size: m.size}
	}
	return out
}

// Client returns a relay.Client bound to token.
func (s *Server) Client(token string) relay.Client {
	return &client{s: s, token: token}
}

// Pool returns a relay.Pool over tokens.
func (s *Server) Pool(tokens ...string) relay.Pool {
	return relay.NewStaticPool(tokens, s.Client)
}

type client struct {
	s     *Server
	token string
}

func notFound(op string, id int64) error {
	return &relay.Error{Op: op, StatusCode: http.StatusNotFound, Description: fmt.Sprintf("message %d not found", id)}
}

func (c *client) SendText(ctx context.Context, dest, text string) (*relay.Message, error) {
	if err := c.s.begin(ctx, Call{Op: OpSendText, Token: c.token, Dest: dest}); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.add(dest, &message{text: text}).toRelay(), nil
}

func (c *client) SendDocument(ctx context.Context, dest string, doc relay.Document) (*relay.Message, error) {
	if err := c.s.begin(ctx, Call{Op: OpSendDocument, Token: c.token, Dest: dest, Caption: doc.Caption}); err != nil {
		// Drain like a real server would before rejecting.
		_, _ = io.Copy(io.Discard, doc.Body)
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, doc.Body); err != nil {
		return nil, &relay.Error{Op: OpSendDocument, Err: err}
	}
	if doc.Size > 0 && int64(buf.Len()) != doc.Size {
		return nil, &relay.Error{Op: OpSendDocument, StatusCode: http.StatusBadRequest,
			Description: fmt.Sprintf("size mismatch: got %d, declared %d", buf.Len(), doc.Size)}
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	fileID := c.s.storeFile(buf.Bytes())
	m := c.s.add(dest, &message{caption: doc.Caption, fileID: fileID, name: doc.Name, size: int64(buf.Len())})
	return m.toRelay(), nil
}

func (c *client) Pin(ctx context.Context, dest string, messageID int64) error {
	if err := c.s.begin(ctx, Call{Op: OpPin, Token: c.token, Dest: dest}); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch := c.s.channel(dest)
	if _, ok := ch.messages[messageID]; !ok {
		return notFound(OpPin, messageID)
	}
	ch.pinned = messageID
	return nil
}

func (c *client) GetPinned(ctx context.Context, dest string) (*relay.Message, error) {
	if err := c.s.begin(ctx, Call{Op: OpGetPinned, Token: c.token, Dest: dest}); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch := c.s.channel(dest)
	m, ok := ch.messages[ch.pinned]
	if ch.pinned == 0 || !ok {
		return nil, relay.ErrNoPinned
	}
	return m.toRelay(), nil
}

func (c *client) Forward(ctx context.Context, from, to string, messageID int64) (*relay.Message, error) {
	if err := c.s.begin(ctx, Call{Op: OpForward, Token: c.token, Dest: to}); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	src, ok := c.s.channel(from).messages[messageID]
	if !ok {
		return nil, notFound(OpForward, messageID)
	}
	cp := *src
	return c.s.add(to, &cp).toRelay(), nil
}

func (c *client) Delete(ctx context.Context, dest string, messageID int64) error {
	if err := c.s.begin(ctx, Call{Op: OpDelete, Token: c.token, Dest: dest}); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ch := c.s.channel(dest)
	if _, ok := ch.messages[messageID]; !ok {
		return notFound(OpDelete, messageID)
	}
	delete(ch.messages, messageID)
	if ch.pinned == messageID {
		ch.pinned = 0
	}
	return nil
}

func (c *client) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := c.s.begin(ctx, Call{Op: OpDownload, Token: c.token}); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	data, ok := c.s.files[fileID]
	if !ok {
		return nil, &relay.Error{Op: OpDownload, StatusCode: http.StatusNotFound, Description: "file not found"}
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}
