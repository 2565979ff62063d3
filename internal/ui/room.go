package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/negotiation"
	"github.com/Blaxat/VideoChat/internal/session"
)

// actionTimeout bounds a single user intent, including SDP generation.
const actionTimeout = 30 * time.Second

// Controller is the session surface the room view drives.
// *session.Controller implements it.
type Controller interface {
	StartCall(ctx context.Context) error
	HangUp(ctx context.Context) error
	ToggleLocalAudio(ctx context.Context) (bool, error)
	ToggleRemoteAudio(ctx context.Context) (bool, error)
	AddLocalTracks(ctx context.Context, cons media.Constraints) error
	Stats(ctx context.Context) (session.Stats, error)
	Events() <-chan session.Event
}

type (
	eventMsg      session.Event
	eventsClosed  struct{}
	actionDoneMsg struct {
		action string
		err    error
	}
	statsMsg session.Stats
	tickMsg  time.Time
)

// RoomModel is the interactive room view: who is here, the call state and
// the mute controls.
type RoomModel struct {
	ctrl    Controller
	state   session.State
	stats   session.Stats
	spinner spinner.Model

	status string
	err    error
	busy   bool

	disconnected bool
	quitting     bool
}

// NewRoomModel creates the room view for a joined session.
func NewRoomModel(ctrl Controller, initial session.State) *RoomModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &RoomModel{
		ctrl:    ctrl,
		state:   initial,
		spinner: s,
		status:  "Waiting for someone to join",
	}
}

// Disconnected reports whether the view ended because the relay was lost.
func (m *RoomModel) Disconnected() bool { return m.disconnected }

// Err returns the last error shown.
func (m *RoomModel) Err() error { return m.err }

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen(), tick())
}

func (m *RoomModel) listen() tea.Cmd {
	events := m.ctrl.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosed{}
		}
		return eventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// run executes one intent off the UI goroutine.
func (m *RoomModel) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	m.busy = true
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m *RoomModel) fetchStats() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := m.ctrl.Stats(ctx)
		if err != nil {
			return nil
		}
		return statsMsg(s)
	}
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg.String())

	case eventMsg:
		m.handleEvent(session.Event(msg))
		return m, m.listen()

	case eventsClosed:
		m.quitting = true
		return m, tea.Quit

	case actionDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			m.status = fmt.Sprintf("%s failed", msg.action)
		}
		return m, nil

	case statsMsg:
		m.stats = session.Stats(msg)
		return m, nil

	case tickMsg:
		if m.state.CallActive {
			return m, tea.Batch(tick(), m.fetchStats())
		}
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *RoomModel) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return tea.Quit
	}
	if m.busy {
		return nil
	}
	m.err = nil

	switch key {
	case "c":
		if m.state.CallActive {
			return nil
		}
		m.status = "Calling"
		return m.run("Call", m.ctrl.StartCall)
	case "h":
		return m.run("Hang up", m.ctrl.HangUp)
	case "m":
		return m.run("Mute microphone", func(ctx context.Context) error {
			_, err := m.ctrl.ToggleLocalAudio(ctx)
			return err
		})
	case "s":
		return m.run("Mute speaker", func(ctx context.Context) error {
			_, err := m.ctrl.ToggleRemoteAudio(ctx)
			return err
		})
	case "v":
		if m.state.LocalStream != nil && len(m.state.LocalStream.VideoTracks()) > 0 {
			return nil
		}
		return m.run("Start camera", func(ctx context.Context) error {
			return m.ctrl.AddLocalTracks(ctx, media.Constraints{Video: true})
		})
	}
	return nil
}

func (m *RoomModel) handleEvent(ev session.Event) {
	m.state = ev.State

	switch ev.Type {
	case session.EventPeerJoined:
		m.status = "Participant joined, press c to call"
	case session.EventPeerLeft:
		m.status = "Participant left"
	case session.EventIncomingCall:
		m.status = "Answering incoming call"
	case session.EventCallStarted:
		m.status = "In call"
		m.stats = session.Stats{}
	case session.EventRemoteTrack:
		m.status = "Receiving media"
	case session.EventEnded:
		m.status = "Call ended"
	case session.EventDisconnected:
		m.disconnected = true
		m.status = "Relay connection lost, rejoin to continue"
	}

	if ev.Err != nil && !errors.Is(ev.Err, session.ErrRemoteHangUp) {
		m.err = ev.Err
	}
}

func (m *RoomModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	s := m.state

	b.WriteString(TitleStyle.Render(fmt.Sprintf("%s Room %s", IconRoom, s.Room)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s You:  %s %s\n", IconPeer, s.Email, MutedStyle.Render(s.LocalID))

	switch {
	case s.RemoteID == "":
		fmt.Fprintf(&b, "%s Peer: %s\n", IconWaiting, MutedStyle.Render("nobody yet"))
	case s.RemoteEmail != "":
		fmt.Fprintf(&b, "%s Peer: %s %s\n", IconPeer, s.RemoteEmail, MutedStyle.Render(s.RemoteID))
	default:
		fmt.Fprintf(&b, "%s Peer: %s\n", IconPeer, s.RemoteID)
	}
	b.WriteString("\n")

	if s.CallActive {
		fmt.Fprintf(&b, "%s %s  %s %s\n",
			LiveStyle.Render("LIVE"),
			formatDuration(m.stats.Duration),
			MutedStyle.Render("negotiation:"),
			negotiationLabel(s.Negotiation),
		)
		fmt.Fprintf(&b, "%s  %s  %s\n", micLabel(s), speakerLabel(s), mediaLabel(s))
		if m.stats.PacketsReceived > 0 {
			b.WriteString(MutedStyle.Render(fmt.Sprintf("%d packets, %s received",
				m.stats.PacketsReceived, formatBytes(m.stats.BytesReceived))))
			b.WriteString("\n")
		}
		if s.PeerAudioMuted {
			b.WriteString(WarningStyle.Render("Peer muted their microphone"))
			b.WriteString("\n")
		}
	} else {
		fmt.Fprintf(&b, "%s %s\n", StatusStyle.Render("IDLE"), MutedStyle.Render("not in a call"))
	}

	b.WriteString("\n")
	status := m.status
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(status)
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(ErrorBoxStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpLine(s))
	return b.String()
}

func negotiationLabel(st negotiation.State) string {
	if st == negotiation.StateStable {
		return SuccessStyle.Render(st.String())
	}
	return WarningStyle.Render(st.String())
}

func micLabel(s session.State) string {
	if s.LocalAudioMuted {
		return IconMicOff + " mic off"
	}
	return IconMic + " mic on"
}

func speakerLabel(s session.State) string {
	if s.RemoteAudioMuted {
		return IconMuted + " speaker off"
	}
	return IconSpeaker + " speaker on"
}

func mediaLabel(s session.State) string {
	sent, received := 0, 0
	if s.LocalStream != nil {
		sent = len(s.LocalStream.Tracks())
	}
	if s.RemoteStream != nil {
		received = len(s.RemoteStream.Tracks())
	}
	return fmt.Sprintf("%s %d sent / %d received", IconVideo, sent, received)
}

func helpLine(s session.State) string {
	keys := []string{}
	add := func(key, label string) {
		keys = append(keys, KeyStyle.Render(key)+" "+MutedStyle.Render(label))
	}
	if s.CallActive {
		add("h", "hang up")
		add("m", "mic")
		add("s", "speaker")
		if s.LocalStream == nil || len(s.LocalStream.VideoTracks()) == 0 {
			add("v", "camera")
		}
	} else if s.RemoteID != "" {
		add("c", "call")
	}
	add("q", "quit")
	return strings.Join(keys, "  ")
}
