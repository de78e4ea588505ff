// SARLink monitor - console tail of mission push events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/sarlink/sarlink/internal/channel"
	"github.com/sarlink/sarlink/internal/config"
	"github.com/sarlink/sarlink/internal/events"
	"github.com/sarlink/sarlink/internal/protocol"
)

const version = "1.0.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	topicsFlag := flag.String("topics", "", "comma-separated topics to follow (default: all)")
	missionID := flag.String("mission", "", "limit subscriptions to one mission")
	droneID := flag.String("drone", "", "limit subscriptions to one drone")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("sarlink-monitor %s\n", version)
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setLogLevel(cfg.LogLevel)

	topics := events.Topics()
	if *topicsFlag != "" {
		topics = strings.Split(*topicsFlag, ",")
	}

	var opts []channel.SubscribeOption
	if *missionID != "" {
		opts = append(opts, channel.WithMission(*missionID))
	}
	if *droneID != "" {
		opts = append(opts, channel.WithDrone(*droneID))
	}

	mgr := channel.New(cfg, log)

	mgr.OnConnectionChange(func(state channel.State) {
		switch state {
		case channel.StateFailed:
			log.Error().Msg("connection failed permanently, giving up")
			os.Exit(1)
		default:
			log.Info().Stringer("state", state).Msg("connection state")
		}
	})

	for _, topic := range topics {
		mgr.Subscribe(strings.TrimSpace(topic), printEvent(log), opts...)
	}

	if err := mgr.Connect(context.Background()); err != nil {
		log.Fatal().Err(err).Str("url", cfg.ServerURL).Msg("failed to connect")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("disconnecting")
	mgr.Disconnect()
}

// printEvent logs each envelope with its payload narrowed to the concrete
// event type.
func printEvent(log zerolog.Logger) channel.Handler {
	return func(env *protocol.Envelope) {
		event, err := events.Decode(env)
		if err != nil {
			log.Warn().Err(err).Str("type", env.Type).Msg("undecodable event")
			return
		}
		log.Info().
			Str("type", env.Type).
			Str("mission_id", env.MissionID).
			Str("drone_id", env.DroneID).
			Time("timestamp", env.Timestamp).
			Interface("event", event).
			Msg("event")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printUsage() {
	fmt.Printf(`Usage: sarlink-monitor [options]

sarlink-monitor %s - follows push events from a SARLink relay.

Options:
  -v, --version     Print version and exit
  --topics LIST     Comma-separated topics to follow (default: all)
  --mission ID      Limit subscriptions to one mission
  --drone ID        Limit subscriptions to one drone

Environment variables:
  SARLINK_URL               Relay URL, ws(s):// or http(s):// (required)
  SARLINK_TOKEN             Authentication token (required)
  SARLINK_HEARTBEAT         Heartbeat interval in seconds (default: 30)
  SARLINK_HANDSHAKE_TIMEOUT Dial timeout in seconds (default: 10)
  SARLINK_RECONNECT_BASE    First reconnect delay in seconds (default: 1)
  SARLINK_RECONNECT_MAX     Reconnect delay cap in seconds (default: 30)
  SARLINK_MAX_RECONNECTS    Reconnect attempts before giving up (default: 5)
  SARLINK_RECONNECT_JITTER  Randomize reconnect delays (default: off)
  SARLINK_LOG_LEVEL         Log level: debug, info, warn, error
`, version)
}
