package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Blaxat/VideoChat/internal/relay"
	"github.com/Blaxat/VideoChat/internal/ui"
)

var flagAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the WebSocket relay that pairs participants into rooms of two and
forwards their call signaling. Media never passes through it.

Endpoints:
  GET /ws      WebSocket signaling
  GET /health  health check`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context(), flagAddr)
	},
}

func runRelay(ctx context.Context, addr string) error {
	logger := slog.Default()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := relay.NewHub(logger)
	go hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           relay.NewServeMux(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	ui.PrintSuccess("Relay listening on " + addr)
	logger.Info("relay started", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	ui.PrintInfo("Shutting down relay")
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringVar(&flagAddr, "addr", ":8080", "Listen address")
}
