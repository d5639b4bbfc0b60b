package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/loykin/banco/internal/logger"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/teller"
	"github.com/loykin/banco/internal/wire"
)

var ErrClosed = errors.New("teller connection closed")

// Client talks to a teller over its unix socket. It is safe for concurrent
// use; concurrent calls are multiplexed on one connection and matched by
// request id.
type Client struct {
	conn   net.Conn
	max    int
	log    *slog.Logger
	nextID atomic.Uint64
	wmu    sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan wire.Response
	err     error
	done    chan struct{}
}

var _ teller.Service = (*Client)(nil)

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMaxFrame bounds response frames; it should match the server setting.
func WithMaxFrame(n int) Option {
	return func(c *Client) { c.max = n }
}

// Dial connects to the teller socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial teller %s: %w", path, err)
	}
	c := &Client{
		conn:    conn,
		max:     wire.DefaultMaxFrame,
		log:     logger.Discard(),
		pending: make(map[uint64]chan wire.Response),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	for {
		var resp wire.Response
		if err = wire.ReadMessage(c.conn, &resp, c.max); err != nil {
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			// late replies to canceled calls are expected; an error nobody
			// can claim means the teller could not read a request
			if resp.ID == 0 || resp.Error != nil {
				c.log.Warn("unmatched teller reply", "id", resp.ID, "err", resp.Error.Err())
			} else {
				c.log.Debug("response without pending request", "id", resp.ID)
			}
			continue
		}
		ch <- resp
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.pending = nil
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) send(req wire.Request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteMessage(c.conn, req, c.max); err != nil {
		return fmt.Errorf("send %s: %w", req.Op, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return wire.Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		c.mu.Unlock()
	}
	if err := c.send(req); err != nil {
		forget()
		return wire.Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, resp.Error.Err()
	case <-ctx.Done():
		forget()
		return wire.Response{}, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return wire.Response{}, err
	}
}

func (c *Client) ListNodes(ctx context.Context) (teller.ListNodesResponse, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpListNodes})
	if err != nil {
		return teller.ListNodesResponse{}, err
	}
	nodes, err := wire.ToNodes(resp.Nodes)
	if err != nil {
		return teller.ListNodesResponse{}, err
	}
	return teller.ListNodesResponse{Nodes: nodes}, nil
}

// StartNode asks the teller to spawn n. Errors match node.ErrNodeAlreadyExists
// and node.ErrFailedToSpawn with errors.Is.
func (c *Client) StartNode(ctx context.Context, n node.Node) error {
	wn := wire.FromNode(n)
	_, err := c.call(ctx, wire.Request{Op: wire.OpStartNode, Node: &wn})
	return err
}

// Heartbeat sends a heartbeat and does not wait; failures are logged.
func (c *Client) Heartbeat(ctx context.Context, name string) {
	if err := c.SendHeartbeat(ctx, name); err != nil {
		c.log.Warn("heartbeat not sent", "node", name, "err", err)
	}
}

// SendHeartbeat is Heartbeat with the write error returned.
func (c *Client) SendHeartbeat(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	default:
	}
	return c.send(wire.Request{ID: c.nextID.Add(1), Op: wire.OpHeartbeat, Name: name})
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
