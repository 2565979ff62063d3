package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Blaxat/VideoChat/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingBuffer = 64
)

var (
	// ErrDisconnected is reported once the relay link is lost. The channel
	// never reconnects on its own.
	ErrDisconnected = errors.New("signaling channel disconnected")

	// ErrNotConnected is returned by Send before Connect succeeded.
	ErrNotConnected = errors.New("signaling channel not connected")

	errOutgoingFull = errors.New("signaling outgoing queue full")
)

// Client manages the WebSocket connection to the relay and implements
// Channel.
type Client struct {
	*Router

	serverURL string
	logger    *slog.Logger
	resolver  *dns.Resolver

	// MaxConnectTime bounds the retries of the initial dial.
	MaxConnectTime time.Duration

	conn     *websocket.Conn
	outgoing chan *Message
	done     chan struct{}

	mu        sync.Mutex
	connected bool
	err       error
	closeOnce sync.Once
}

// NewClient creates a new signaling client for serverURL (ws:// or wss://).
// If logger is nil, slog.Default() is used.
func NewClient(serverURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Router:         NewRouter(),
		serverURL:      serverURL,
		logger:         logger.With("component", "signaling"),
		resolver:       dns.Default,
		MaxConnectTime: 15 * time.Second,
		outgoing:       make(chan *Message, outgoingBuffer),
		done:           make(chan struct{}),
	}
}

// SetResolver replaces the resolver used to dial the relay.
func (c *Client) SetResolver(r *dns.Resolver) {
	c.resolver = r
}

// Connect establishes the WebSocket connection, retrying the dial with
// exponential backoff until MaxConnectTime elapses or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = c.resolver.DialContext

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 3 * time.Second
	policy.MaxElapsedTime = c.MaxConnectTime

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		var dialErr error
		conn, _, dialErr = dialer.DialContext(ctx, u.String(), nil)
		if dialErr != nil {
			c.logger.Debug("relay dial failed", "attempt", attempt, "err", dialErr)
			if ctx.Err() != nil {
				return backoff.Permanent(dialErr)
			}
			return dialErr
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to relay", "url", u.Redacted(), "attempts", attempt)

	go c.readPump()
	go c.writePump()

	return nil
}

// readPump reads messages from the WebSocket and dispatches them to the
// registered handlers.
func (c *Client) readPump() {
	defer c.shutdown(ErrDisconnected)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay read failed", "err", err)
			}
			return
		}

		if !c.Dispatch(&msg) {
			c.logger.Debug("no handler for event", "event", msg.Event)
		}
	}
}

// writePump writes queued messages and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("relay write failed", "event", msg.Event, "err", err)
				c.shutdown(ErrDisconnected)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(ErrDisconnected)
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues event for delivery. Delivery is best effort.
func (c *Client) Send(event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	connected, closedErr := c.connected, c.err
	c.mu.Unlock()
	if closedErr != nil {
		return closedErr
	}
	if !connected {
		return ErrNotConnected
	}

	select {
	case <-c.done:
		return c.Err()
	case c.outgoing <- msg:
		return nil
	default:
		return errOutgoingFull
	}
}

// Done is closed when the connection is gone, either because the relay
// dropped it or because Close was called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why Done was closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.shutdown(ErrDisconnected)
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn == nil {
			return
		}
		// Unblock a reader still waiting on the socket. The write pump sends
		// the close frame first when it is the one observing done.
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = conn.Close()
		}()
	})
}
