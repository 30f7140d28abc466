// Roomsignal is a single-process signaling server for local testing.
//
// It admits clients into rooms, relays offers, answers and candidates
// between them and announces membership changes. Rooms live in memory.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/roomsession/internal/devserver"
	"github.com/1ureka/roomsession/internal/util"
)

var (
	flagListen string
	flagToken  string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "roomsignal",
	Short: "Run an in-memory room signaling server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if flagDebug {
			util.EnableDebug()
		}
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagListen, "listen", "l", "127.0.0.1:8080", "address to listen on")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "require this token on every connection")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", flagListen)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: devserver.New(flagToken).Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	pterm.DefaultBox.WithTitle("Signaling Server").Println(
		"Listening : ws://" + addr + "/ws\n" +
			"Room URL  : http://" + addr + "/<room>",
	)
	util.LogInfo("waiting for clients")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		util.LogInfo("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
