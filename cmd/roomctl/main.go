// Roomctl is the CLI entry point.
//
// Joins a room as a receive-only participant and prints membership, stream
// and connection changes until interrupted or the session ends.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/roomsession/internal/config"
	"github.com/1ureka/roomsession/internal/metrics"
	"github.com/1ureka/roomsession/internal/session"
	"github.com/1ureka/roomsession/internal/util"
)

var version = "dev"

var (
	flagName        string
	flagEndpoint    string
	flagSTUN        string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagMaxAttempts int
	flagGrace       time.Duration
	flagMetrics     string
	flagDebug       bool
	flagTrace       bool
)

var rootCmd = &cobra.Command{
	Use:   "roomctl <room-url>",
	Short: "Join a room and follow its participants and streams",
	Long: `Roomctl joins a room through its signaling server, negotiates a peer
connection with every participant and reports what happens in the room.

Examples:
  roomctl https://rooms.example.com/standup --name alice
  roomctl http://127.0.0.1:8080/demo --metrics :9090 --debug`,
	Args:    cobra.ExactArgs(1),
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case flagTrace:
			util.EnableTrace()
		case flagDebug:
			util.EnableDebug()
		}
		return run(cmd.Context(), args[0])
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagName, "name", "n", "", "display name announced to the room")
	f.StringVar(&flagEndpoint, "signaling", "", "signaling WebSocket URL (derived from the room URL by default)")
	f.StringVar(&flagSTUN, "stun", "", "comma-separated STUN servers")
	f.StringVar(&flagTURN, "turn", "", "comma-separated TURN servers")
	f.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	f.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	f.IntVar(&flagMaxAttempts, "max-attempts", 0, "reconnect attempts before giving up")
	f.DurationVar(&flagGrace, "stream-grace", 0, "how long stopped streams stay visible")
	f.StringVar(&flagMetrics, "metrics", "", "serve Prometheus metrics on this address")
	f.BoolVar(&flagDebug, "debug", false, "enable debug logging")
	f.BoolVar(&flagTrace, "trace", false, "enable trace logging, including pion internals")
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

func run(ctx context.Context, roomURL string) error {
	cfg, err := config.Load(config.Options{
		DisplayName: flagName,
		Endpoint:    flagEndpoint,
		STUNServer:  flagSTUN,
		TURNServer:  flagTURN,
		TURNUser:    flagTURNUser,
		TURNPass:    flagTURNPass,
		MaxAttempts: flagMaxAttempts,
		StreamGrace: flagGrace,
	})
	if err != nil {
		return err
	}

	pterm.Info.Println(fmt.Sprintf("Roomctl v%s", version))
	pterm.Println()

	collector := metrics.New()
	if flagMetrics != "" {
		srv := &http.Server{Addr: flagMetrics, Handler: collector.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.LogWarning("metrics endpoint stopped: %v", err)
			}
		}()
		defer srv.Close()
		util.LogInfo("serving metrics on %s/metrics", flagMetrics)
	}

	s, err := session.New(session.Config{Settings: cfg, Metrics: collector})
	if err != nil {
		return err
	}
	sub := s.Subscribe(256)
	go printEvents(sub)

	spinner, _ := pterm.DefaultSpinner.Start("Joining " + roomURL)
	if err := s.JoinRoom(ctx, roomURL, session.JoinOptions{}); err != nil {
		spinner.Fail("join failed")
		_ = s.LeaveRoom(context.Background())
		return err
	}
	spinner.Success("connected to " + roomURL)

	metrics.StartReporter(ctx, collector, 10*time.Second)

	select {
	case <-ctx.Done():
		pterm.Println()
		util.LogInfo("leaving room")
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.LeaveRoom(leaveCtx)
	case <-s.Done():
		return s.Err()
	}
}

func printEvents(sub *session.Subscription) {
	for ev := range sub.Events() {
		switch ev := ev.(type) {
		case session.StateChanged:
			util.LogInfo("connection %s → %s", ev.From, ev.To)
		case session.ParticipantJoined:
			util.LogInfo("%s joined (%s)", displayName(ev.Participant), ev.Participant.ClientID)
		case session.ParticipantLeft:
			util.LogInfo("%s left", ev.ClientID)
		case session.StreamStateChanged:
			switch {
			case ev.Removed:
				util.LogInfo("stream %s/%s removed", ev.ClientID, ev.StreamID)
			case ev.From == ev.To:
				util.LogWarning("stream %s/%s degraded=%v", ev.ClientID, ev.StreamID, ev.Degraded)
			default:
				util.LogInfo("stream %s/%s %s", ev.ClientID, ev.StreamID, ev.To)
			}
		case session.RoomLocked:
			util.LogWarning("room locked: %s", ev.Reason)
		case session.Error:
			util.LogError("%v", ev)
		}
	}
	if n := sub.Dropped(); n > 0 {
		util.LogDebug("%d event(s) were dropped by the console printer", n)
	}
}

func displayName(p session.Participant) string {
	if p.DisplayName == "" {
		return "anonymous"
	}
	return p.DisplayName
}
