package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/veridium/scanmeet/internal/media"
	"github.com/veridium/scanmeet/internal/orchestrator"
	"github.com/veridium/scanmeet/internal/peer"
	"github.com/veridium/scanmeet/internal/signaling"
)

var (
	flagServer  string
	flagRoom    string
	flagName    string
	flagRole    string
	flagNoMedia bool
	flagDebug   bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and run the session until interrupted",
	Long: `Join connects to the signaling server, joins the room, acquires local
media (unless --no-media), and negotiates a direct session with the other
participant.

While the session runs, stdin accepts commands:
  face <message>   send a face scan notification
  hand <message>   send a hand scan notification
  quit             leave the room and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context())
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServer, "server", "ws://127.0.0.1:8080/ws", "signaling websocket URL")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room identifier (required)")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name (required)")
	joinCmd.Flags().StringVar(&flagRole, "role", "guest", "session role: host or guest (host initiates)")
	joinCmd.Flags().BoolVar(&flagNoMedia, "no-media", false, "join receive-only, without camera/microphone")
	joinCmd.Flags().BoolVar(&flagDebug, "debug", false, "debug logging")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(ctx context.Context) error {
	if flagRole != "host" && flagRole != "guest" {
		return fmt.Errorf("invalid --role %q (want host or guest)", flagRole)
	}

	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	healthURL, err := healthURLFor(flagServer)
	if err != nil {
		return err
	}

	cfg := orchestrator.Config{
		ServerURL: flagServer,
		HealthURL: healthURL,
		RoomID:    flagRoom,
		UserName:  flagName,
		Role:      flagRole,
		NoMedia:   flagNoMedia,
		Log:       log,

		OnStateChange: func(from, to orchestrator.State) {
			fmt.Printf("state: %s -> %s\n", from, to)
		},
		OnScan: func(scan signaling.Scan, fromName string) {
			fmt.Printf("scan from %s: %s (%s, %dms)\n", fromName, scan.Message, scan.Type, scan.DurationMs)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			fmt.Printf("remote %s track: %s\n", track.Kind(), track.ID())
		},
		OnRemoteStreamCleared: func() {
			fmt.Println("remote stream cleared")
		},
		OnError: func(serr *orchestrator.SessionError) {
			fmt.Printf("session error [%s]: %s\n", serr.Context, serr.Message)
			for _, s := range serr.Suggestions {
				fmt.Printf("  - %s\n", s)
			}
		},
	}

	if !flagNoMedia {
		selector, err := media.NewCodecSelector()
		if err != nil {
			return fmt.Errorf("configure codecs: %w", err)
		}
		api, err := peer.NewAPI(log, selector)
		if err != nil {
			return fmt.Errorf("configure webrtc: %w", err)
		}
		cfg.Capture = media.DeviceCapture(selector)
		cfg.LocalTracks = func(acq *media.Acquisition) []webrtc.TrackLocal {
			if acq.Stream == nil {
				return nil
			}
			var tracks []webrtc.TrackLocal
			for _, t := range acq.Stream.GetTracks() {
				tracks = append(tracks, t)
			}
			return tracks
		}
		cfg.NewPeer = func(pc peer.Config) (orchestrator.PeerHandle, error) {
			pc.API = api
			return peer.New(pc)
		}
	}

	sess := orchestrator.New(cfg)
	defer sess.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	go readCommands(sess, cancel)

	if err := <-done; err != nil {
		return err
	}
	return nil
}

func readCommands(sess *orchestrator.Orchestrator, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "face":
			sess.SendScan(signaling.ScanTypeFace, orDefault(rest, "Face scan in progress"))
		case "hand":
			sess.SendScan(signaling.ScanTypeHand, orDefault(rest, "Hand scan in progress"))
		case "quit", "exit":
			cancel()
			return
		case "":
		default:
			fmt.Printf("unknown command %q (face <msg>, hand <msg>, quit)\n", verb)
		}
	}
	cancel()
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return strings.TrimSpace(s)
}

// healthURLFor derives the health endpoint from the websocket URL.
func healthURLFor(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("server URL scheme must be ws or wss, got %q", u.Scheme)
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}
