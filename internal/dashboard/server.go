// Package dashboard streams sync and transfer activity to WebSocket clients.
//
// The daemon reports every sync cycle and head change through a Handler, and
// the transfer manager reports chunk progress. The Handler formats these as
// JSON messages and the Server fans them out to every connected client.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the event carried by a Message.
type MessageType string

const (
	MessageTypeSyncComplete     MessageType = "sync_complete"
	MessageTypeTransferProgress MessageType = "transfer_progress"
	MessageTypeHeadChanged      MessageType = "head_changed"
	MessageTypeStats            MessageType = "stats"
)

// Message is one JSON frame pushed to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
)

// peers is the set of connected clients.
type peers struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

func (p *peers) add(conn *websocket.Conn) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[conn] = struct{}{}
	return len(p.conns)
}

// remove reports whether conn was present and the count left behind.
func (p *peers) remove(conn *websocket.Conn) (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[conn]; !ok {
		return false, len(p.conns)
	}
	delete(p.conns, conn)
	return true, len(p.conns)
}

func (p *peers) snapshot() []*websocket.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(p.conns))
	for conn := range p.conns {
		out = append(out, conn)
	}
	return out
}

// drain empties the set and returns what it held.
func (p *peers) drain() []*websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(p.conns))
	for conn := range p.conns {
		out = append(out, conn)
	}
	p.conns = make(map[*websocket.Conn]struct{})
	return out
}

func (p *peers) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Server accepts dashboard clients on /ws and pushes queued messages to them.
type Server struct {
	addr     string
	listener net.Listener
	httpSrv  *http.Server

	peers *peers
	queue chan Message

	welcomeMu sync.RWMutex
	welcome   func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config selects the listen address. Port 0 picks a free port.
type Config struct {
	Host   string
	Port   int
	Logger *log.Logger
}

func DefaultConfig() *Config {
	return &Config{Port: 8080, Logger: log.Default()}
}

func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		peers:  &peers{conns: make(map[*websocket.Conn]struct{})},
		queue:  make(chan Message, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		welcome: func() Message {
			return Message{Type: MessageTypeStats, Timestamp: time.Now()}
		},
	}
}

// SetWelcome sets the builder for the first frame each new client reads.
func (s *Server) SetWelcome(fn func() Message) {
	s.welcomeMu.Lock()
	s.welcome = fn
	s.welcomeMu.Unlock()
}

// Handler serves /ws and /health. Every other path is a 404.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.acceptClient)
	mux.HandleFunc("/health", s.serveHealth)
	return mux
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard: listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("dashboard: serve: %v", err)
		}
	}()
	return nil
}

// Stop closes every client, then shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()
	for _, conn := range s.peers.drain() {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("dashboard shutdown: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("dashboard: stopped")
	return nil
}

// Broadcast queues msg for every client. It drops msg rather than block when
// the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("dashboard: queue full, dropped %s", msg.Type)
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			frame, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("dashboard: encode %s: %v", msg.Type, err)
				continue
			}
			for _, conn := range s.peers.snapshot() {
				if err := s.send(conn, frame); err != nil {
					s.logger.Printf("dashboard: send: %v", err)
					s.dropClient(conn)
				}
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) acceptClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("dashboard: accept: %v", err)
		return
	}

	// Sent before registration so no broadcast can precede it.
	s.welcomeMu.RLock()
	hello := s.welcome()
	s.welcomeMu.RUnlock()
	if frame, err := json.Marshal(hello); err == nil {
		_ = s.send(conn, frame)
	}

	n := s.peers.add(conn)
	s.logger.Printf("dashboard: client joined (%d connected)", n)

	// Client frames are discarded; the read only detects disconnects.
	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropClient(conn *websocket.Conn) {
	ok, n := s.peers.remove(conn)
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("dashboard: client left (%d connected)", n)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// GetAddr returns the bound address once started, else the configured one.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) ClientCount() int {
	return s.peers.count()
}
