package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/foconctl/internal/logging"
	"github.com/kstaniek/foconctl/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("monitor: listen")
	ErrAccept    = errors.New("monitor: accept")
	ErrHandshake = errors.New("monitor: handshake")
	ErrConnWrite = errors.New("monitor: conn_write")
	ErrContext   = errors.New("monitor: context_cancelled")
)

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultHandshakeTimeout = 3 * time.Second
	defaultOutBufSize       = 256
)

// Server accepts read-only monitor clients and streams tapped frames to
// them. It is one-directional: no reader goroutine, since clients never
// send anything after the handshake.
type Server struct {
	mu   sync.RWMutex
	addr string
	Hub  *Hub

	flushInterval    time.Duration
	batchSize        int
	handshakeTimeout time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	listener  net.Listener
	clientsMu sync.RWMutex
	clients   map[*Client]net.Conn
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalHandshakeErr atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// NewServer builds a Server configured via the functional-options pattern.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		clients:          make(map[*Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Hub == nil {
		s.Hub = NewHub()
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(h *Hub) ServerOption          { return func(s *Server) { s.Hub = h } }
func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}
func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}
func WithMaxClients(n int) ServerOption { return func(s *Server) { s.maxClients = n } }
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Addr returns the server's actual listen address once Serve has started.
func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// Ready closes once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve accepts monitor clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(metrics.ErrMonitorAccept)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("monitor_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(metrics.ErrMonitorAccept)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if err := handshake(ctx, conn, s.handshakeTimeout); err != nil {
		metrics.IncError(metrics.ErrHandshake)
		s.totalHandshakeErr.Add(1)
		connLogger.Warn("monitor_handshake_failed", "error", err)
		_ = conn.Close()
		return nil
	}

	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		connLogger.Warn("monitor_client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}

	client := s.newClient()
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("monitor_client_connected")
	s.startWriter(ctx.Done(), conn, client, connLogger)
	return nil
}

func (s *Server) newClient() *Client {
	bufSize := defaultOutBufSize
	if s.Hub.OutBufSize > 0 {
		bufSize = s.Hub.OutBufSize
	}
	cl := &Client{Out: make(chan Tapped, bufSize), Closed: make(chan struct{})}
	s.Hub.Add(cl)
	return cl
}

// startWriter launches the goroutine pushing hub frames to one client,
// batching writes over flushInterval.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.Hub.Remove(cl)
			s.totalDisconnected.Add(1)
			logger.Info("monitor_client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]Tapped, 0, s.batchSize)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			_, err := encodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				metrics.IncError(metrics.ErrMonitorWrite)
				logger.Warn("monitor_write_failed", "error", err)
				return false
			}
			return true
		}
		for {
			select {
			case tap := <-cl.Out:
				batch = append(batch, tap)
				if len(batch) >= s.batchSize {
					if !flush() {
						return
					}
				}
			case <-t.C:
				if !flush() {
					return
				}
			case <-cl.Closed:
				flush()
				return
			case <-ctxDone:
				flush()
				return
			}
		}
	}()
}

// Shutdown closes all connections and waits for writer goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("monitor_shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeErr.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return nil
	}
}
