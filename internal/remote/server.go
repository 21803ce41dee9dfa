package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNilHandler       = errors.New("remote: nil handler")
	ErrDuplicateHandler = errors.New("remote: duplicate handler")
	ErrUnknownOperation = errors.New("remote: unknown operation")
)

const defaultIdleTimeout = 30 * time.Second

// Handler serves one operation. A returned error is sent to the caller as
// {"ok":false}.
type Handler func(ctx context.Context, request json.RawMessage) (json.RawMessage, error)

// Server dispatches request lines to registered handlers.
type Server struct {
	IdleTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	clients atomic.Int64
	served  atomic.Uint64
	conns   sync.WaitGroup
}

func NewServer() *Server {
	return &Server{
		IdleTimeout: defaultIdleTimeout,
		handlers:    make(map[string]Handler),
	}
}

func (s *Server) Handle(operation string, h Handler) error {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return fmt.Errorf("%w: empty operation", ErrUnknownOperation)
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, operation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[operation]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, operation)
	}
	s.handlers[operation] = h
	return nil
}

// Operations returns registered operation names, sorted.
func (s *Server) Operations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for op := range s.handlers {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func (s *Server) ActiveClients() int64 {
	return s.clients.Load()
}

// Served reports how many requests reached a handler.
func (s *Server) Served() uint64 {
	return s.served.Load()
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx ends, then closes ln and waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Strs("operations", s.Operations()).Msg("remote.Server listening")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.conns.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn answers one response line per request line. Handlers get a
// context that ends when the connection does, so a caller hanging up stops
// its handler.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	lines := make(chan []byte)
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		_ = conn.Close()
		<-readerDone
	}()
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("remote.Server client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("remote.Server client disconnected")
	}()

	s.idle(conn)
	go func() {
		defer close(readerDone)
		defer cancel()
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-connCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && connCtx.Err() == nil {
			log.Warn().Str("remote", remote).Err(err).Msg("remote.Server read")
		}
	}()

	for line := range lines {
		// The reader keeps watching for hang-ups while the handler runs.
		_ = conn.SetReadDeadline(time.Time{})
		resp := s.dispatch(connCtx, line)
		if err := writeLine(conn, resp); err != nil {
			if connCtx.Err() == nil {
				log.Warn().Str("remote", remote).Err(err).Msg("remote.Server write")
			}
			return
		}
		s.idle(conn)
	}
}

func (s *Server) idle(conn net.Conn) {
	if s.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) callResponse {
	var req callRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return callResponse{OK: false, Error: err.Error()}
	}
	op := strings.TrimSpace(req.Operation)
	s.mu.RLock()
	h, ok := s.handlers[op]
	s.mu.RUnlock()
	if !ok {
		return callResponse{OK: false, Error: fmt.Sprintf("%v: %s", ErrUnknownOperation, op)}
	}

	s.served.Add(1)
	start := time.Now()
	payload, err := h(ctx, req.Request)
	if err != nil {
		log.Warn().Str("operation", op).Dur("elapsed", time.Since(start)).Err(err).Msg("remote.Server handler failed")
		return callResponse{OK: false, Error: err.Error()}
	}
	log.Debug().Str("operation", op).Dur("elapsed", time.Since(start)).Msg("remote.Server handled")
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return callResponse{OK: true, Payload: payload}
}
