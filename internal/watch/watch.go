package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dyluth/magicclub/internal/format"
	"github.com/dyluth/magicclub/pkg/session"
)

// Source is anything that can deliver session events; *session.Channel is one.
type Source interface {
	Subscribe(handler session.Handler, enabled bool) *session.Subscription
}

// Sink receives every event after it has been written.
// A failing sink is logged and does not stop the stream.
type Sink func(ctx context.Context, ev session.Event) error

// Record is the JSON shape of one streamed event.
type Record struct {
	Time time.Time         `json:"time"`
	Type session.EventKind `json:"type"`
	Data map[string]any    `json:"data"`
}

const payloadWidth = 80

// Stream writes events from src to w until ctx is cancelled, passing each one
// on to sinks. Returns nil on cancellation, or the error that stopped writing.
func Stream(ctx context.Context, src Source, f format.OutputFormat, w io.Writer, sinks ...Sink) error {
	errCh := make(chan error, 1)

	sub := src.Subscribe(func(ev session.Event) {
		if err := WriteEvent(w, f, ev, time.Now()); err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}

		for _, sink := range sinks {
			if err := sink(ctx, ev); err != nil {
				slog.Default().Warn("event sink failed", "type", ev.Kind, "error", err)
			}
		}
	}, true)
	defer sub.Close()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("failed to write event: %w", err)
	}
}

// WriteEvent renders one event received at the given time.
func WriteEvent(w io.Writer, f format.OutputFormat, ev session.Event, at time.Time) error {
	if f == format.OutputFormatJSON {
		data, err := json.Marshal(Record{Time: at.UTC(), Type: ev.Kind, Data: ev.Payload})
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	_, err := fmt.Fprintf(w, "[%s] %s %-20s %s\n",
		at.Local().Format("15:04:05"),
		icon(ev.Kind),
		ev.Kind,
		format.KeyValues(ev.Payload, payloadWidth),
	)
	return err
}

func icon(kind session.EventKind) string {
	switch kind {
	case session.EventPurchaseRegistered:
		return "🛒"
	case session.EventRewardRedeemed:
		return "🎁"
	case session.EventPurchaseVoided:
		return "↩️"
	default:
		return "📨"
	}
}
