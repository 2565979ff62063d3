package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Blaxat/VideoChat/internal/config"
	"github.com/Blaxat/VideoChat/internal/media"
	"github.com/Blaxat/VideoChat/internal/peer"
	"github.com/Blaxat/VideoChat/internal/session"
	"github.com/Blaxat/VideoChat/internal/signaling"
	"github.com/Blaxat/VideoChat/internal/ui"
)

var (
	flagDomain    string
	flagRelayURL  string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagRelay     bool
	flagEmail     string
	flagAudioOnly bool
)

var errEmailRequired = errors.New("an email is required (--email or VIDEOCHAT_EMAIL)")

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a room and call the other participant",
	Long: `Join a room on the relay. Once a second participant is in the room,
either side can start the call.

Without a room name the relay creates one; share it with the other
participant.

Examples:
  videochat join --email alice@example.com
  videochat join blue-fox-moon --email bob@example.com
  videochat join --relay-url ws://localhost:8080/ws --audio-only standup`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room := ""
		if len(args) == 1 {
			room = args[0]
		}
		return joinRoom(cmd.Context(), room)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigFile: flagConfig,
		Domain:     flagDomain,
		RelayURL:   flagRelayURL,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
		Email:      flagEmail,
		AudioOnly:  flagAudioOnly,
	})
	if err != nil {
		return nil, session.NewError("load config", err)
	}
	return cfg, nil
}

func joinRoom(ctx context.Context, room string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Email == "" {
		return errEmailRequired
	}
	logger := slog.Default()
	if cfg.ForceRelay {
		ui.PrintInfo("Relaying media through TURN")
	}

	client := signaling.NewClient(cfg.WebSocketURL, logger)
	client.MaxConnectTime = cfg.ConnectTimeout
	if err := ui.RunStep("Connecting to relay...", "Connected to relay", func() error {
		return client.Connect(ctx)
	}); err != nil {
		return session.NewError("connect to relay", err)
	}
	defer client.Close()

	api, err := peer.NewAPI()
	if err != nil {
		return session.NewError("create webrtc api", err)
	}

	ctrl := session.New(session.Options{
		Channel: client,
		NewPeer: session.ManagerFactory(peer.Options{
			API:           api,
			Configuration: cfg.WebRTCConfiguration(),
			Logger:        logger,
		}),
		Constraints:        media.Constraints{Audio: true, Video: !cfg.AudioOnly},
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             logger,
	})
	defer ctrl.Close()

	if err := ui.RunStep("Joining room...", "Joined room", func() error {
		return ctrl.Join(ctx, room, cfg.Email)
	}); err != nil {
		return err
	}

	state, err := ctrl.State(ctx)
	if err != nil {
		return err
	}
	fmt.Println()

	model := ui.NewRoomModel(ctrl, state)
	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("room view: %w", err)
	}

	if model.Disconnected() {
		return model.Err()
	}
	return finishCall(ctrl)
}

// finishCall hangs up a call still running when the view closed and prints
// the summary of the last call.
func finishCall(ctrl *session.Controller) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ctrl.HangUp(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	stats, err := ctrl.Stats(ctx)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return nil
		}
		return err
	}
	ui.RenderCallSummary(stats)
	return nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagEmail, "email", "e", "", "Email shown to the other participant")
	joinCmd.Flags().BoolVarP(&flagAudioOnly, "audio-only", "a", false, "Start calls without video")
	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Relay domain (uses wss://<domain>/ws)")
	joinCmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "Relay WebSocket URL")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
}
