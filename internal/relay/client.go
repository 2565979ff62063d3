package relay

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/Blaxat/VideoChat/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with embedded
	// candidates for audio, video and a data channel stays well below.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one participant's websocket connection.
type Client struct {
	hub *Hub

	// ID is assigned by the relay on connect and is how peers address
	// each other.
	ID string

	// Email is the identity announced in room:join.
	Email string

	// RoomID is empty until the client joins a room.
	RoomID string

	conn *websocket.Conn

	// send is drained by writePump; only the hub writes to or closes it.
	send chan *signaling.Message

	// dropped is set by the hub when send overflowed and was closed.
	dropped bool
}

// readPump pumps messages from the websocket connection to the hub.
//
// There is at most one reader per connection; this goroutine is it.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client read failed", "client", c.ID, "err", err)
			}
			return
		}

		select {
		case c.hub.inbound <- &inbound{msg: &msg, client: c}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// There is at most one writer per connection; this goroutine is it.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Warn("client write failed", "client", c.ID, "event", msg.Event, "err", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
