// Peer is a headless rendezvous client. It keeps one offer registered for
// its role, connects to every peer the server pairs it with, and logs what
// arrives on the data channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/mossy-p/sdp-rendezvous/internal/client"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
	"github.com/mossy-p/sdp-rendezvous/internal/peer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverURL    string
		token        string
		username     string
		clientIDFlag string
		roleFlag     string
		label        string
		logLevel     string
		pionLogLevel string
		iceServers   []string
		pollInterval time.Duration
		lifetime     time.Duration
		stream       bool
		greeting     bool
	)

	flagSet := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", "http://localhost:8080", "signaling server URL")
	flagSet.StringVar(&token, "token", os.Getenv("SIGNALING_TOKEN"), "bearer token (default $SIGNALING_TOKEN)")
	flagSet.StringVar(&username, "username", "", "fetch a development token for this user instead of --token")
	flagSet.StringVar(&clientIDFlag, "client-id", "", "client id to register as (default: random)")
	flagSet.StringVarP(&roleFlag, "role", "r", "", "provider or subscriber (required)")
	flagSet.StringVar(&label, "label", peer.DataChannelLabel, "data channel label")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&pionLogLevel, "pion-log-level", "error", "pion log level: disable, error, warn, info, debug or trace")
	flagSet.StringSliceVar(&iceServers, "ice-server", nil, "STUN/TURN URL, may be repeated")
	flagSet.DurationVar(&pollInterval, "poll-interval", time.Second, "pause between answer polls")
	flagSet.DurationVar(&lifetime, "offer-lifetime", 55*time.Minute, "replace an unanswered offer after this long")
	flagSet.BoolVar(&stream, "stream", false, "wait for answers over the websocket stream instead of polling")
	flagSet.BoolVar(&greeting, "greet", true, "send a greeting when a data channel opens")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	role, err := models.ParseRole(roleFlag)
	if err != nil {
		return fmt.Errorf("--role: %w", err)
	}
	var clientID uuid.UUID
	if clientIDFlag != "" {
		if clientID, err = uuid.Parse(clientIDFlag); err != nil {
			return fmt.Errorf("--client-id: %w", err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	pionLevel, err := parsePionLevel(pionLogLevel)
	if err != nil {
		return err
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = pionLevel

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if username != "" {
		if token, err = client.FetchDevToken(ctx, nil, serverURL, username); err != nil {
			return fmt.Errorf("fetching development token: %w", err)
		}
	}
	if token == "" {
		return errors.New("no token: set --token, $SIGNALING_TOKEN or --username")
	}

	signaling, err := client.New(client.Config{
		BaseURL:  serverURL,
		Token:    client.StaticToken(token),
		ClientID: clientID,
	})
	if err != nil {
		return err
	}

	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	negotiator, err := peer.NewNegotiator(peer.Config{
		Role:          role,
		Signaler:      signaling,
		Label:         label,
		ICEServers:    servers,
		PollInterval:  pollInterval,
		OfferLifetime: lifetime,
		StreamAnswers: stream,
		Logger:        logger,
		LoggerFactory: loggerFactory,
		OnDataChannel: func(s *peer.Session, dc *webrtc.DataChannel) {
			dc.OnOpen(func() {
				logger.Info("data channel open", "exchange_id", s.ExchangeID(), "peer_client_id", s.PeerClientID(), "label", dc.Label())
				if greeting {
					dc.SendText(fmt.Sprintf("hello from %s %s", role, signaling.ClientID()))
				}
			})
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				logger.Info("data channel message", "exchange_id", s.ExchangeID(), "label", dc.Label(), "bytes", len(msg.Data), "text", msg.IsString)
			})
		},
	})
	if err != nil {
		return err
	}
	defer negotiator.Close()

	logger.Info("peer starting", "role", role, "client_id", signaling.ClientID(), "server", serverURL)
	if err := negotiator.Run(ctx); err != nil {
		return err
	}
	logger.Info("peer stopping", "connected_sessions", negotiator.Registry().Len())
	return nil
}

func parsePionLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disable":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return 0, fmt.Errorf("--pion-log-level: unknown level %q", s)
}
