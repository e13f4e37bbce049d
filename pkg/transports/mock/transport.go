package mock

import (
	"context"
	"sync"

	"github.com/Agions/xfyun-sdk/pkg/transports"
)

// OpKind tags an entry in the channel's operation log.
type OpKind string

const (
	OpOpen  OpKind = "open"
	OpSend  OpKind = "send"
	OpClose OpKind = "close"
)

// Op is one recorded channel operation.
type Op struct {
	Kind OpKind
	Data []byte
	URL  string
}

// Channel is an in-memory transports.Channel for local testing.
// Inbound traffic is injected with Push, SimulateError and SimulateClose.
type Channel struct {
	mu      sync.Mutex
	handler transports.Handler
	open    bool
	openErr error
	sendErr error
	ops     []Op
}

func New() *Channel {
	return &Channel{}
}

func (c *Channel) Name() string { return "mock" }

// FailOpen makes subsequent Open calls fail with err.
func (c *Channel) FailOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

// FailSend makes subsequent Send calls on an open channel fail with err.
func (c *Channel) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Channel) Open(ctx context.Context, url string, h transports.Handler) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	_ = c.Close()
	c.mu.Lock()
	if c.openErr != nil {
		err := c.openErr
		c.mu.Unlock()
		return err
	}
	c.handler = h
	c.open = true
	c.ops = append(c.ops, Op{Kind: OpOpen, URL: url})
	c.mu.Unlock()

	h.OnOpen()
	return nil
}

func (c *Channel) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transports.ErrNotOpen
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.ops = append(c.ops, Op{Kind: OpSend, Data: append([]byte(nil), msg...)})
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	h := c.handler
	c.open = false
	c.handler = nil
	c.ops = append(c.ops, Op{Kind: OpClose})
	c.mu.Unlock()

	h.OnClose()
	return nil
}

// Push injects an inbound message.
func (c *Channel) Push(raw []byte) {
	if h := c.live(); h != nil {
		h.OnMessage(raw)
	}
}

// SimulateError reports a connection error to the owner.
func (c *Channel) SimulateError(err error) {
	if h := c.live(); h != nil {
		h.OnError(err)
	}
}

// SimulateClose drops the connection as if the peer closed it.
func (c *Channel) SimulateClose() {
	c.mu.Lock()
	h := c.handler
	c.open = false
	c.handler = nil
	c.mu.Unlock()
	if h != nil {
		h.OnClose()
	}
}

func (c *Channel) live() transports.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	return c.handler
}

// IsOpen reports whether a connection is live.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Ops returns a copy of the operation log.
func (c *Channel) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

// Sent returns every message passed to Send, in order.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, op := range c.ops {
		if op.Kind == OpSend {
			out = append(out, op.Data)
		}
	}
	return out
}
