package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	maxLine      = 1 << 20
	writeTimeout = 2 * time.Second
	socketMode   = 0o600
)

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// peer is one connected client. Responses and broadcast events share the
// connection, so every write goes through wmu.
type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peer) write(line []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := p.conn.Write(line)
	return err
}

// Server listens on a Unix domain socket and dispatches NDJSON messages.
// Viewers that stop reading are dropped instead of stalling Broadcast.
type Server struct {
	socketPath string
	logger     *slog.Logger

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	peers    map[*peer]struct{}
	closed   bool
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		peers:      make(map[*peer]struct{}),
		logger:     logger,
	}
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.hmu.Lock()
	s.handlers[method] = h
	s.hmu.Unlock()
}

func (s *Server) handler(method string) (HandlerFunc, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// Start listens and serves until ctx is cancelled or Shutdown is called.
// A stale socket file left by a crashed daemon is removed first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening", "socket", s.socketPath)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		p := &peer{conn: conn}
		s.mu.Lock()
		s.peers[p] = struct{}{}
		s.mu.Unlock()
		go s.serve(ctx, p)
	}
}

// Clients reports the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Broadcast sends an event to all connected clients. A client whose write
// fails or times out is disconnected.
func (s *Server) Broadcast(msg Message) {
	line, err := encodeLine(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "method", msg.Method, "err", err)
		return
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(line); err != nil {
			s.logger.Warn("dropping client", "method", msg.Method, "err", err)
			s.drop(p)
		}
	}
}

// Shutdown stops accepting, disconnects every client and removes the socket.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	peers := s.peers
	s.peers = make(map[*peer]struct{})
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for p := range peers {
		p.conn.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove socket", "err", err)
	}
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.conn.Close()
}

func (s *Server) serve(ctx context.Context, p *peer) {
	defer s.drop(p)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("invalid message", "err", err)
			continue
		}
		if msg.Type != MsgTypeReq {
			continue
		}

		resp := s.dispatch(ctx, msg)
		line, err := encodeLine(resp)
		if err != nil {
			s.logger.Error("marshal response error", "method", msg.Method, "err", err)
			line, _ = encodeLine(NewErrorResponse(msg.ID, msg.Method, "internal error"))
		}
		if err := p.write(line); err != nil {
			s.logger.Warn("write response error", "method", msg.Method, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) Message {
	h, ok := s.handler(msg.Method)
	if !ok {
		return NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method))
	}
	result, err := h(ctx, msg)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	resp, err := NewResponse(msg.ID, msg.Method, result)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("encode result: %v", err))
	}
	return resp
}

func encodeLine(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
