package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/negotiation"
	"github.com/Blaxat/VideoChat/internal/session"
)

type fakeController struct {
	events   chan session.Event
	calls    []string
	startErr error
}

func newFakeController() *fakeController {
	return &fakeController{events: make(chan session.Event, 8)}
}

func (f *fakeController) StartCall(context.Context) error {
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeController) HangUp(context.Context) error {
	f.calls = append(f.calls, "hangup")
	return nil
}

func (f *fakeController) ToggleLocalAudio(context.Context) (bool, error) {
	f.calls = append(f.calls, "mic")
	return true, nil
}

func (f *fakeController) ToggleRemoteAudio(context.Context) (bool, error) {
	f.calls = append(f.calls, "speaker")
	return true, nil
}

func (f *fakeController) AddLocalTracks(_ context.Context, cons media.Constraints) error {
	if cons.Video {
		f.calls = append(f.calls, "video")
	}
	return nil
}

func (f *fakeController) Stats(context.Context) (session.Stats, error) {
	return session.Stats{Duration: 75 * time.Second, PacketsReceived: 42, BytesReceived: 2048}, nil
}

func (f *fakeController) Events() <-chan session.Event { return f.events }

func key(k string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

// press sends a key and runs the resulting command the way the runtime
// would, feeding its message back into the model.
func press(t *testing.T, m *RoomModel, k string) {
	t.Helper()
	_, cmd := m.Update(key(k))
	if cmd == nil {
		return
	}
	if msg := cmd(); msg != nil {
		m.Update(msg)
	}
}

func TestRoomModel_CallFlow(t *testing.T) {
	ctrl := newFakeController()
	m := NewRoomModel(ctrl, session.State{Room: "blue-fox-moon", Email: "a@example.com", LocalID: "a1"})

	if v := m.View(); !strings.Contains(v, "blue-fox-moon") || !strings.Contains(v, "nobody yet") {
		t.Fatalf("initial view:\n%s", v)
	}

	m.Update(eventMsg{Type: session.EventPeerJoined, State: session.State{
		Room: "blue-fox-moon", RemoteID: "b1", RemoteEmail: "b@example.com",
	}})
	if v := m.View(); !strings.Contains(v, "b@example.com") || !strings.Contains(v, "press c to call") {
		t.Fatalf("view after join:\n%s", v)
	}

	press(t, m, "c")
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "start" {
		t.Fatalf("calls = %v", ctrl.calls)
	}

	inCall := session.State{Room: "blue-fox-moon", RemoteID: "b1", CallActive: true, Negotiation: negotiation.StateStable}
	m.Update(eventMsg{Type: session.EventCallStarted, State: inCall})
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick during call returned no command")
	}
	m.Update(statsMsg{Duration: 75 * time.Second, PacketsReceived: 42, BytesReceived: 2048})

	v := m.View()
	for _, want := range []string{"LIVE", "1m15s", "stable", "42 packets", "2.00 KB"} {
		if !strings.Contains(v, want) {
			t.Errorf("in-call view missing %q:\n%s", want, v)
		}
	}

	// c is ignored while in a call.
	press(t, m, "c")
	press(t, m, "m")
	press(t, m, "s")
	press(t, m, "v")
	press(t, m, "h")
	want := []string{"start", "mic", "speaker", "video", "hangup"}
	if strings.Join(ctrl.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", ctrl.calls, want)
	}
}

func TestRoomModel_ActionError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = session.NewError("start call", session.ErrNoRemotePeer)
	m := NewRoomModel(ctrl, session.State{Room: "r"})

	press(t, m, "c")
	if m.Err() == nil {
		t.Fatal("error not recorded")
	}
	if v := m.View(); !strings.Contains(v, "Call failed") || !strings.Contains(v, session.ErrNoRemotePeer.Error()) {
		t.Fatalf("view:\n%s", v)
	}
}

func TestRoomModel_BusyIgnoresKeys(t *testing.T) {
	ctrl := newFakeController()
	m := NewRoomModel(ctrl, session.State{Room: "r", RemoteID: "b"})

	_, cmd := m.Update(key("c"))
	if cmd == nil {
		t.Fatal("no command for call")
	}
	if _, again := m.Update(key("h")); again != nil {
		t.Fatal("key accepted while an action is running")
	}
	m.Update(cmd())
	if _, cmd := m.Update(key("h")); cmd == nil {
		t.Fatal("key ignored after the action finished")
	}
}

func TestRoomModel_Disconnect(t *testing.T) {
	ctrl := newFakeController()
	m := NewRoomModel(ctrl, session.State{Room: "r"})

	m.Update(eventMsg{
		Type: session.EventDisconnected,
		Err:  session.WrapError("signaling", session.ErrChannelDisconnected, "EOF"),
	})
	if !m.Disconnected() {
		t.Fatal("disconnect not recorded")
	}
	if v := m.View(); !strings.Contains(v, "rejoin") {
		t.Fatalf("view:\n%s", v)
	}

	close(ctrl.events)
	msg := m.listen()()
	if _, ok := msg.(eventsClosed); !ok {
		t.Fatalf("listen on closed events = %T", msg)
	}
	if _, cmd := m.Update(msg); cmd == nil {
		t.Fatal("closed events did not quit")
	}
	if m.View() != "" {
		t.Fatal("view rendered after quit")
	}
}

func TestRoomModel_RemoteHangUpIsNotAnError(t *testing.T) {
	m := NewRoomModel(newFakeController(), session.State{Room: "r"})
	m.Update(eventMsg{Type: session.EventEnded, Err: session.NewError("call", session.ErrRemoteHangUp)})
	if m.Err() != nil {
		t.Fatalf("remote hang-up shown as error: %v", m.Err())
	}
	if !strings.Contains(m.View(), "Call ended") {
		t.Fatal("status not updated")
	}
}

func TestCallSummaryView(t *testing.T) {
	v := CallSummaryView(session.Stats{
		Room:            "blue-fox-moon",
		Remote:          "b1",
		RemoteEmail:     "b@example.com",
		Started:         time.Now(),
		Duration:        3*time.Hour + 5*time.Minute,
		LocalTracks:     2,
		RemoteTracks:    2,
		PacketsReceived: 1000,
		BytesReceived:   3 * 1024 * 1024,
		Negotiation:     negotiation.Stats{Offers: 3, Answers: 2, Renegotiations: 2, Requests: 1},
	})
	for _, want := range []string{"Call Summary", "blue-fox-moon", "b@example.com (b1)", "3h05m", "2 / 2", "3.00 MB", "3 / 2", "2 (1)"} {
		if !strings.Contains(v, want) {
			t.Errorf("summary missing %q:\n%s", want, v)
		}
	}
}
