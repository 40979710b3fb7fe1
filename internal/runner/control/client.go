package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// Handler receives every inbound control-plane envelope.
type Handler func(env *Envelope)

// Client maintains the WebSocket connection from the runner to the control
// plane, reconnecting with a fixed interval when it drops. Sends while
// disconnected fail without side effects; the coordinator's pending-approval
// registry covers redelivery through the sync protocol.
type Client struct {
	url    string
	logger *logger.Logger

	conn      *websocket.Conn
	connected bool
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	handler   Handler
	onConnect func()

	reconnectInterval time.Duration
	maxReconnectTries int

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a control-plane client. maxReconnectTries of 0 means
// retry forever.
func NewClient(url string, reconnectInterval time.Duration, maxReconnectTries int, log *logger.Logger) *Client {
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	return &Client{
		url:               url,
		logger:            log.WithFields(zap.String("component", "control-client")),
		reconnectInterval: reconnectInterval,
		maxReconnectTries: maxReconnectTries,
		done:              make(chan struct{}),
	}
}

// SetHandler registers the inbound message handler. Must be called before Run.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// SetOnConnect registers a hook invoked after every successful (re)connect,
// before the read loop starts consuming messages.
func (c *Client) SetOnConnect(fn func()) {
	c.onConnect = fn
}

// Run connects and keeps the connection alive until ctx is canceled or Close
// is called. It returns when reconnect attempts are exhausted or the client
// is stopped.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if err := c.connect(ctx); err != nil {
			failures++
			if c.maxReconnectTries > 0 && failures >= c.maxReconnectTries {
				return fmt.Errorf("control plane unreachable after %d attempts: %w", failures, err)
			}
			c.logger.Warn("control plane connect failed, retrying",
				zap.Error(err),
				zap.Int("attempt", failures),
				zap.Duration("retry_in", c.reconnectInterval))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			case <-time.After(c.reconnectInterval):
			}
			continue
		}

		failures = 0
		if c.onConnect != nil {
			c.onConnect()
		}
		c.readLoop()
		c.logger.Warn("control plane connection lost, reconnecting")
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("connected to control plane", zap.String("url", c.url))
	return nil
}

// IsConnected reports whether a connection is currently established.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Send writes one envelope to the control plane.
func (c *Client) Send(env *Envelope) error {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return fmt.Errorf("not connected to control plane")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// SendPayload marshals payload into an envelope of msgType and sends it.
func (c *Client) SendPayload(msgType string, payload interface{}) error {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return c.Send(env)
}

func (c *Client) readLoop() {
	for {
		c.connMu.RLock()
		conn, connected := c.conn, c.connected
		c.connMu.RUnlock()
		if !connected || conn == nil {
			return
		}
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("control plane read error", zap.Error(err))
			}
			c.markDisconnected()
			return
		}
		if c.handler != nil {
			c.handler(&env)
		}
	}
}

func (c *Client) markDisconnected() {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()
}

// Close stops the reconnect loop and closes the live connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	c.markDisconnected()
	return nil
}
