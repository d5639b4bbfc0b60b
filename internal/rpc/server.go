package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/teller"
	"github.com/loykin/banco/internal/wire"
)

const DefaultSocketPath = "/var/run/banco/teller.sock"

var (
	ErrAddrInUse = errors.New("address in use")
	ErrClosed    = errors.New("server closed")
)

type Config struct {
	SocketPath    string `mapstructure:"socket"`
	MaxFrameBytes int    `mapstructure:"max_frame_bytes"`
}

// Server exposes a teller.Service on a unix socket. Every connection gets
// its own reader goroutine and every request its own handler goroutine, so
// responses on one connection may come back out of order.
type Server struct {
	cfg  Config
	svc  teller.Service
	log  *slog.Logger
	hook func(op wire.Op, err error)
	ln   net.Listener
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRequestHook is called after every handled request.
func WithRequestHook(fn func(op wire.Op, err error)) Option {
	return func(s *Server) { s.hook = fn }
}

// Listen binds the socket. A leftover socket file nobody answers on is
// replaced; a live one yields ErrAddrInUse.
func Listen(cfg Config, svc teller.Service, opts ...Option) (*Server, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wire.DefaultMaxFrame
	}
	s := &Server{cfg: cfg, svc: svc, log: logger.Discard(), conns: make(map[net.Conn]struct{})}
	for _, o := range opts {
		o(s)
	}
	if err := prepareSocket(cfg.SocketPath, s.log); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.SocketPath, err)
	}
	s.ln = ln
	s.base, s.stop = context.WithCancel(context.Background())
	s.log.Info("teller socket listening", "socket", cfg.SocketPath)
	return s, nil
}

func prepareSocket(path string, log *slog.Logger) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("socket dir: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	c, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		_ = c.Close()
		return fmt.Errorf("%w: %s", ErrAddrInUse, path)
	}
	log.Warn("removing stale socket", "socket", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) Addr() string { return s.cfg.SocketPath }

// Serve accepts connections until Close is called or ctx ends. It returns
// nil after a regular shutdown.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.base.Done():
		}
	}()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		s.wg.Add(1)
		go s.serveConn(c)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting, drops open connections, waits for in-flight
// handlers and removes the socket file. Removal failures are logged only.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	s.stop()
	if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.log.Warn("remove socket", "socket", s.cfg.SocketPath, "err", rmErr)
	}
	s.log.Info("teller socket closed", "socket", s.cfg.SocketPath)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

type conn struct {
	net.Conn
	wmu sync.Mutex
}

func (c *conn) send(resp wire.Response, max int) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteMessage(c.Conn, resp, max)
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	defer s.untrack(nc)
	defer nc.Close()

	c := &conn{Conn: nc}
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		payload, err := wire.ReadFrame(nc, s.cfg.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, wire.ErrFrameTooLarge):
				s.log.Warn("dropping connection", "reason", "frame too large", "err", err)
			default:
				s.log.Debug("connection read", "err", err)
			}
			return
		}
		var req wire.Request
		if err := wire.Unmarshal(payload, &req); err != nil {
			id := wire.RequestID(payload)
			s.log.Warn("malformed request", "id", id, "err", err)
			if err := c.send(wire.Response{ID: id, Error: &wire.Error{Kind: wire.KindInternal, Reason: "malformed request"}}, s.cfg.MaxFrameBytes); err != nil {
				return
			}
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp, reply := s.handle(req)
			if !reply {
				return
			}
			if err := c.send(resp, s.cfg.MaxFrameBytes); err != nil {
				s.log.Debug("write response", "id", req.ID, "op", string(req.Op), "err", err)
			}
		}()
	}
}

// handle runs one request. The second result is false for requests that
// never get a response.
func (s *Server) handle(req wire.Request) (wire.Response, bool) {
	ctx := s.base
	resp := wire.Response{ID: req.ID}
	var err error
	switch req.Op {
	case wire.OpListNodes:
		var out teller.ListNodesResponse
		out, err = s.svc.ListNodes(ctx)
		if err == nil {
			resp.Nodes = wire.FromNodes(out.Nodes)
		}
	case wire.OpStartNode:
		if req.Node == nil {
			err = errors.New("start_node without node")
			break
		}
		n, convErr := req.Node.ToNode()
		if convErr != nil {
			err = convErr
			break
		}
		err = s.svc.StartNode(ctx, n)
	case wire.OpHeartbeat:
		s.svc.Heartbeat(ctx, req.Name)
		s.done(req.Op, nil)
		return resp, false
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		s.log.Debug("request failed", "id", req.ID, "op", string(req.Op), "err", err)
	}
	resp.Error = wire.ErrorFrom(err)
	s.done(req.Op, err)
	return resp, true
}

func (s *Server) done(op wire.Op, err error) {
	if s.hook != nil {
		s.hook(op, err)
	}
}
