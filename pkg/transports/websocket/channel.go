package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Agions/xfyun-sdk/pkg/errorsx"
	"github.com/Agions/xfyun-sdk/pkg/redact"
	"github.com/Agions/xfyun-sdk/pkg/transports"
)

type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	// CloseWait bounds how long Close waits for the peer to acknowledge the
	// close handshake before dropping the socket.
	CloseWait  time.Duration `mapstructure:"close_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Header     http.Header   `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseWait <= 0 {
		c.CloseWait = time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Channel is a transports.Channel backed by a gorilla websocket client.
type Channel struct {
	cfg    Config
	dialer *gws.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	current *conn
}

func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg: cfg,
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: slog.Default().With("component", "transport.websocket"),
	}
}

// WithLogger replaces the channel logger.
func (c *Channel) WithLogger(logger *slog.Logger) *Channel {
	if logger != nil {
		c.logger = logger
	}
	return c
}

func (c *Channel) Name() string { return "websocket" }

func (c *Channel) ReadyFields() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := map[string]any{"open": c.current != nil}
	if c.current != nil {
		fields["remote_addr"] = c.current.ws.RemoteAddr().String()
	}
	return fields
}

func (c *Channel) Open(ctx context.Context, url string, h transports.Handler) error {
	if h == nil {
		return errors.New("transport: handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = c.Close()

	ws, resp, err := c.dialer.DialContext(ctx, url, c.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		c.logger.Warn("websocket_dial_failed", "url", redact.URL(url), "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}

	cn := &conn{
		ws:       ws,
		cfg:      c.cfg,
		logger:   c.logger,
		sendCh:   make(chan []byte, c.cfg.SendBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.mu.Lock()
	c.current = cn
	c.mu.Unlock()

	c.logger.Debug("websocket_opened", "url", redact.URL(url))
	h.OnOpen()
	go cn.run(h, func() { c.detach(cn) })
	return nil
}

func (c *Channel) detach(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == cn {
		c.current = nil
	}
}

func (c *Channel) Send(msg []byte) error {
	c.mu.Lock()
	cn := c.current
	c.mu.Unlock()
	if cn == nil {
		return transports.ErrNotOpen
	}
	return cn.send(msg)
}

func (c *Channel) Close() error {
	c.mu.Lock()
	cn := c.current
	c.current = nil
	c.mu.Unlock()
	if cn != nil {
		cn.close()
	}
	return nil
}

type conn struct {
	ws     *gws.Conn
	cfg    Config
	logger *slog.Logger

	sendCh   chan []byte
	done     chan struct{}
	readDone chan struct{}
	finished chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
}

func (c *conn) send(msg []byte) error {
	if c.closing.Load() {
		return transports.ErrNotOpen
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return transports.ErrNotOpen
	case <-c.finished:
		return transports.ErrNotOpen
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
	})
}

func (c *conn) run(h transports.Handler, detach func()) {
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return c.readLoop(h) })
	g.Go(func() error { return c.writeLoop(gctx) })
	err := g.Wait()
	_ = c.ws.Close()
	close(c.finished)
	detach()

	if err != nil && !c.closing.Load() {
		c.logger.Warn("websocket_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		h.OnError(err)
	}
	h.OnClose()
}

func (c *conn) readLoop(h transports.Handler) error {
	defer close(c.readDone)
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() || isNormalClose(err) {
				return nil
			}
			return errorsx.Wrap(fmt.Errorf("websocket read: %w", err), errorsx.ReasonTransportRead)
		}
		h.OnMessage(payload)
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.readDone:
			return nil
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "")
			if err := c.ws.WriteControl(gws.CloseMessage, msg, deadline); err == nil {
				select {
				case <-c.readDone:
				case <-time.After(c.cfg.CloseWait):
				}
			}
			_ = c.ws.Close()
			return nil
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				_ = c.ws.Close()
				return err
			}
		}
	}
}

// flush writes messages queued before Close was requested.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(gws.TextMessage, msg); err != nil {
		return errorsx.Wrap(fmt.Errorf("websocket write: %w", err), errorsx.ReasonTransportSend)
	}
	return nil
}

func isNormalClose(err error) bool {
	return gws.IsCloseError(err,
		gws.CloseNormalClosure,
		gws.CloseGoingAway,
		gws.CloseNoStatusReceived,
	)
}
