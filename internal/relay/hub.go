package relay

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Blaxat/VideoChat/internal/signaling"
)

// Hub is the central brain of the relay.
// It manages all active rooms and clients from a single goroutine.
type Hub struct {
	rooms   map[string]*Room
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan *inbound
	done       chan struct{}

	logger *slog.Logger
}

// NewHub creates a new Hub instance. If logger is nil, slog.Default() is used.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inbound),
		done:       make(chan struct{}),
		logger:     logger.With("component", "relay"),
	}
}

func newClientID() string {
	return uuid.NewString()
}

// Run starts the hub's main processing loop and blocks until ctx is done.
// This is the single goroutine that manages all state (rooms, clients).
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, c := range h.clients {
			close(c.send)
		}
		h.clients = nil
		h.rooms = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client.ID] = client
			h.logger.Info("client registered", "client", client.ID, "remote", client.conn.RemoteAddr())

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; !ok {
				continue
			}
			h.leaveRoom(client)
			delete(h.clients, client.ID)
			close(client.send)
			h.logger.Info("client unregistered", "client", client.ID)

		case in := <-h.inbound:
			if _, ok := h.clients[in.client.ID]; !ok {
				continue
			}
			h.handle(in.client, in.msg)
		}
	}
}

func (h *Hub) handle(from *Client, msg *signaling.Message) {
	h.logger.Debug("message received", "client", from.ID, "event", msg.Event)

	switch msg.Event {
	case signaling.EventRoomJoin:
		h.handleJoin(from, msg)

	case signaling.EventUserCall:
		var p signaling.UserCallPayload
		if !h.decode(from, msg, &p) {
			return
		}
		h.forward(from, p.To, signaling.EventIncomingCall, signaling.IncomingCallPayload{
			From:  from.ID,
			Offer: p.Offer,
			Mail:  from.Email,
		})

	case signaling.EventCallAccepted:
		var p signaling.CallAcceptedPayload
		if !h.decode(from, msg, &p) {
			return
		}
		h.forward(from, p.To, signaling.EventCallAccepted, signaling.CallAcceptedPayload{
			From: from.ID,
			Ans:  p.Ans,
		})

	case signaling.EventNegoNeeded:
		var p signaling.NegoNeededPayload
		if !h.decode(from, msg, &p) {
			return
		}
		h.forward(from, p.To, signaling.EventNegoNeeded, signaling.NegoNeededPayload{
			From:  from.ID,
			Offer: p.Offer,
		})

	case signaling.EventNegoDone:
		var p signaling.NegoDonePayload
		if !h.decode(from, msg, &p) {
			return
		}
		h.forward(from, p.To, signaling.EventNegoFinal, signaling.NegoFinalPayload{
			From: from.ID,
			Ans:  p.Ans,
		})

	default:
		h.logger.Warn("unknown event", "client", from.ID, "event", msg.Event)
		h.deliver(from, errorMessage(errUnknownEvent))
	}
}

func (h *Hub) handleJoin(from *Client, msg *signaling.Message) {
	var p signaling.RoomJoinPayload
	if !h.decode(from, msg, &p) {
		return
	}
	if p.Email == "" {
		h.deliver(from, errorMessage(errEmailRequired))
		return
	}
	if p.Room == "" {
		p.Room = h.freeRoomID()
	}

	// Rejoining the current room is a no-op apart from the ack.
	if from.RoomID != p.Room {
		room, ok := h.rooms[p.Room]
		if ok && room.Full() {
			h.logger.Info("room join rejected", "client", from.ID, "room", p.Room, "reason", "full")
			h.deliver(from, errorMessage(errRoomFull))
			return
		}

		h.leaveRoom(from)
		if !ok {
			room = newRoom(p.Room)
			h.rooms[room.ID] = room
			h.logger.Info("room created", "room", room.ID)
		}
		room.Members[from.ID] = from
		from.RoomID = room.ID
	}
	from.Email = p.Email

	h.logger.Info("client joined room", "client", from.ID, "room", from.RoomID)

	ack, _ := signaling.NewMessage(signaling.EventRoomJoin, signaling.RoomJoinPayload{
		Email: from.Email,
		Room:  from.RoomID,
		ID:    from.ID,
	})
	h.deliver(from, ack)
	room, ok := h.rooms[from.RoomID]
	if !ok {
		return
	}

	joined, _ := signaling.NewMessage(signaling.EventUserJoined, signaling.UserJoinedPayload{
		Email: from.Email,
		ID:    from.ID,
	})
	for _, other := range room.Others(from) {
		h.deliver(other, joined)
	}
}

func (h *Hub) freeRoomID() string {
	for {
		id := GenerateRoomID()
		if _, ok := h.rooms[id]; !ok {
			return id
		}
	}
}

// leaveRoom removes c from its room, notifying the remaining member and
// deleting the room once empty.
func (h *Hub) leaveRoom(c *Client) {
	if c.RoomID == "" {
		return
	}
	room, ok := h.rooms[c.RoomID]
	c.RoomID = ""
	if !ok {
		return
	}

	delete(room.Members, c.ID)
	if len(room.Members) == 0 {
		delete(h.rooms, room.ID)
		h.logger.Info("room deleted", "room", room.ID)
		return
	}

	left, _ := signaling.NewMessage(signaling.EventUserLeft, signaling.UserLeftPayload{ID: c.ID})
	for _, other := range room.Members {
		h.deliver(other, left)
	}
	h.logger.Info("peer left room", "client", c.ID, "room", room.ID)
}

// forward delivers event to the participant addressed by to. Only members
// of the sender's room can be addressed.
func (h *Hub) forward(from *Client, to, event string, payload any) {
	if from.RoomID == "" {
		h.deliver(from, errorMessage(errNotInRoom))
		return
	}
	target, ok := h.rooms[from.RoomID].Members[to]
	if !ok || target == from {
		h.logger.Warn("relay target not found", "client", from.ID, "to", to, "event", event)
		h.deliver(from, errorMessage(errPeerNotFound))
		return
	}

	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		h.logger.Error("encode relayed message", "event", event, "err", err)
		return
	}
	h.logger.Debug("relaying message", "event", event, "from", from.ID, "to", target.ID, "room", from.RoomID)
	h.deliver(target, msg)
}

func (h *Hub) decode(from *Client, msg *signaling.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		h.logger.Warn("malformed payload", "client", from.ID, "event", msg.Event, "err", err)
		h.deliver(from, errorMessage(errBadPayload))
		return false
	}
	return true
}

// deliver queues msg for c without blocking the hub. A client whose buffer
// is full is dropped.
func (h *Hub) deliver(c *Client, msg *signaling.Message) {
	if c.dropped {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("client send buffer full, dropping client", "client", c.ID)
		c.dropped = true
		h.leaveRoom(c)
		delete(h.clients, c.ID)
		close(c.send)
	}
}
