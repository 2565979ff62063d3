package relay

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Blaxat/VideoChat/internal/signaling"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB

	// Terminal clients send no Origin header; browsers are not served here.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServeMux returns the relay routes: the websocket endpoint on /ws and
// a health check on /health.
func NewServeMux(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("GET /ws", ServeWs(hub))
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Signaling relay is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands
// the connection to hub.
func ServeWs(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
			return
		}

		client := &Client{
			hub:  hub,
			ID:   newClientID(),
			conn: conn,
			send: make(chan *signaling.Message, sendBuffer),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		// The client's lifecycle is driven by its pumps.
		go client.writePump()
		go client.readPump()
	}
}
