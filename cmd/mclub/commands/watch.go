package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/internal/relay"
	"github.com/dyluth/magicclub/internal/watch"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/spf13/cobra"
)

var (
	watchRelayURL    string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live purchase and reward notifications",
	Long: `Stream notifications pushed by the backend as they happen.

The stream reconnects on its own after a fixed delay and picks up the latest
access token on every attempt, so it survives token refreshes. Press Ctrl+C
to stop.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Relay:
  With relay.redis_url (or --relay-url) every event is also published on
  Redis pub/sub, channel {prefix}:{subject}:events, where subject is the
  signed-in user. Other processes can follow it with 'mclub relay tail'.

Metrics:
  With metrics.addr (or --metrics-addr) Prometheus metrics are served at
  http://ADDR/metrics while watching.

Examples:
  # Watch notifications
  mclub watch

  # Export events as JSON
  mclub watch --output=json > events.jsonl

  # Fan out to a local Redis and expose metrics
  mclub watch --relay-url redis://localhost:6379 --metrics-addr :9090`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRelayURL, "relay-url", "", "Publish events to this redis:// URL (default: relay.redis_url)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on host:port (default: metrics.addr)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	f, err := outputFormat()
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	// Phase 1: Sign in
	id, err := a.ensureSession(ctx)
	if err != nil {
		return err
	}

	// Phase 2: Optional relay
	var sinks []watch.Sink
	redisURL := watchRelayURL
	if redisURL == "" {
		redisURL = a.cfg.Relay.RedisURL
	}
	if redisURL != "" {
		rc, err := relay.Dial(redisURL, a.cfg.Relay.ChannelPrefix)
		if err != nil {
			return printer.Error("invalid relay URL", err.Error(), []string{"Use redis://host:port or rediss://host:port"})
		}
		defer rc.Close()

		if err := rc.Ping(ctx); err != nil {
			return printer.ErrorWithContext(
				"Redis connection failed",
				fmt.Sprintf("Could not connect to Redis: %v", err),
				map[string]string{"Relay": redisURL},
				[]string{"Check that Redis is running", "Run without --relay-url to watch without relaying"},
			)
		}

		subject := id.SubjectID
		sinks = append(sinks, func(ctx context.Context, ev session.Event) error {
			_, err := rc.Publish(ctx, subject, ev)
			return err
		})
		a.logger.Info("relaying events", "channel", relay.EventsChannel(a.cfg.Relay.ChannelPrefix, subject))
	}

	// Phase 3: Optional metrics endpoint
	metricsAddr := watchMetricsAddr
	if metricsAddr == "" {
		metricsAddr = a.cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		addr, errCh, err := a.metrics.Serve(ctx, metricsAddr)
		if err != nil {
			return printer.Error("metrics endpoint failed", err.Error(), []string{"Choose a free port with --metrics-addr"})
		}
		go func() {
			for err := range errCh {
				a.logger.Error("metrics server stopped", "error", err)
			}
		}()
		a.logger.Info("serving metrics", "addr", addr.String())
	}

	// Phase 4: Stream notifications
	ch, err := session.NewChannel(a.cfg.API.BaseURL, a.gw.Store(),
		session.WithReconnectDelay(a.cfg.Realtime.ReconnectDelay),
		session.WithTokenInQuery(a.cfg.Realtime.TokenInQuery),
		session.WithChannelLogger(a.logger),
		session.WithChannelObserver(a.metrics),
		session.WithUnauthorizedHandler(func(ctx context.Context) error {
			_, err := a.gw.Refresh(ctx)
			return err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create event channel: %w", err)
	}

	if f != format.OutputFormatJSON {
		printer.Step("Watching notifications for %s (Ctrl+C to stop)\n", orNone(id.Email))
	}
	return watch.Stream(ctx, ch, f, printer.Out(), sinks...)
}
