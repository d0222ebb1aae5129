package commands

import (
	"fmt"

	"github.com/dyluth/magicclub/internal/printer"
	"github.com/dyluth/magicclub/internal/relay"
	"github.com/dyluth/magicclub/internal/watch"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/spf13/cobra"
)

var relayURL string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Work with events relayed by 'mclub watch'",
}

var relayTailCmd = &cobra.Command{
	Use:   "tail [SUBJECT]",
	Short: "Print events relayed on Redis",
	Long: `Follow the events another 'mclub watch' publishes on Redis.

SUBJECT is the user id whose stream is relayed. When omitted, mclub signs in
with the configured credentials and follows its own subject.

Examples:
  mclub relay tail --relay-url redis://localhost:6379
  mclub relay tail 2b8e3c1d-0a7f-4d2e-9c3b-7f6a5e4d3c2b --output=json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRelayTail,
}

func init() {
	relayTailCmd.Flags().StringVar(&relayURL, "relay-url", "", "Redis URL (default: relay.redis_url)")
	relayCmd.AddCommand(relayTailCmd)
	rootCmd.AddCommand(relayCmd)
}

func runRelayTail(cmd *cobra.Command, args []string) error {
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

	redisURL := relayURL
	if redisURL == "" {
		redisURL = a.cfg.Relay.RedisURL
	}
	if redisURL == "" {
		return printer.Error(
			"relay not configured",
			"No Redis URL to read relayed events from.",
			[]string{"Pass --relay-url redis://host:port", "Set relay.redis_url in mclub.yml or MCLUB_REDIS_URL"},
		)
	}

	var subject string
	if len(args) == 1 {
		subject = args[0]
	} else {
		id, err := a.ensureSession(ctx)
		if err != nil {
			return err
		}
		subject = id.SubjectID
	}

	rc, err := relay.Dial(redisURL, a.cfg.Relay.ChannelPrefix)
	if err != nil {
		return printer.Error("invalid relay URL", err.Error(), []string{"Use redis://host:port or rediss://host:port"})
	}
	defer rc.Close()

	sub, err := rc.Subscribe(ctx, subject)
	if err != nil {
		return printer.ErrorWithContext(
			"Redis connection failed",
			err.Error(),
			map[string]string{"Relay": redisURL},
			[]string{"Check that Redis is running"},
		)
	}
	defer sub.Close()

	a.logger.Info("tailing relay", "channel", relay.EventsChannel(a.cfg.Relay.ChannelPrefix, subject))

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.logger.Warn("skipping relayed message", "error", err)
		case msg, ok := <-sub.Events():
			if !ok {
				return nil
			}
			ev := session.Event{Kind: msg.Kind, Payload: msg.Payload}
			if err := watch.WriteEvent(printer.Out(), f, ev, msg.ReceivedAt); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}
}
