package signaling_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Blaxat/VideoChat/internal/relay"
	"github.com/Blaxat/VideoChat/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) (url string, stop context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(quietLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(relay.NewServeMux(hub))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", cancel
}

func connect(t *testing.T, url string) *signaling.Client {
	t.Helper()
	c := signaling.NewClient(url, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
		panic("unreachable")
	}
}

func TestClient_JoinAndAnnounce(t *testing.T) {
	url, _ := startRelay(t)
	a, b := connect(t, url), connect(t, url)

	acks := make(chan signaling.RoomJoinPayload, 2)
	for _, c := range []*signaling.Client{a, b} {
		c.On(signaling.EventRoomJoin, func(msg *signaling.Message) {
			var p signaling.RoomJoinPayload
			if err := msg.Decode(&p); err == nil {
				acks <- p
			}
		})
	}
	joined := make(chan signaling.UserJoinedPayload, 1)
	sub := a.On(signaling.EventUserJoined, func(msg *signaling.Message) {
		var p signaling.UserJoinedPayload
		if err := msg.Decode(&p); err == nil {
			joined <- p
		}
	})
	defer sub.Unsubscribe()

	if err := a.Send(signaling.EventRoomJoin, signaling.RoomJoinPayload{Email: "a@example.com", Room: "r"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ackA := waitFor(t, acks)

	if err := b.Send(signaling.EventRoomJoin, signaling.RoomJoinPayload{Email: "b@example.com", Room: "r"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ackB := waitFor(t, acks)

	got := waitFor(t, joined)
	if got.ID != ackB.ID || got.ID == ackA.ID {
		t.Fatalf("user:joined id = %q, acks %q/%q", got.ID, ackA.ID, ackB.ID)
	}
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := signaling.NewClient("ws://127.0.0.1:1/ws", quietLogger())
	if err := c.Send(signaling.EventRoomJoin, nil); !errors.Is(err, signaling.ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	url, _ := startRelay(t)
	c := connect(t, url)

	c.Close()
	c.Close()

	waitFor(t, c.Done())
	if err := c.Send(signaling.EventRoomJoin, nil); !errors.Is(err, signaling.ErrDisconnected) {
		t.Fatalf("Send after Close = %v, want ErrDisconnected", err)
	}
}

func TestClient_RelayShutdownClosesChannel(t *testing.T) {
	url, stop := startRelay(t)
	c := connect(t, url)

	stop()

	waitFor(t, c.Done())
	if !errors.Is(c.Err(), signaling.ErrDisconnected) {
		t.Fatalf("Err = %v, want ErrDisconnected", c.Err())
	}
}

func TestClient_ConnectGivesUp(t *testing.T) {
	c := signaling.NewClient("ws://127.0.0.1:1/ws", quietLogger())
	c.MaxConnectTime = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatalf("Connect to a closed port succeeded")
	}
}
