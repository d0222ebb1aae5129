// Package relay republishes loyalty events on Redis pub/sub so that other
// local processes (a kitchen display, a receipt printer daemon) can react to
// them without holding their own authenticated stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/magicclub/pkg/session"
	"github.com/redis/go-redis/v9"
)

// Message is the JSON document published for every relayed event.
type Message struct {
	Subject    string            `json:"subject"`
	Kind       session.EventKind `json:"type"`
	Payload    map[string]any    `json:"data"`
	ReceivedAt time.Time         `json:"received_at"`
}

// EventsChannel returns the pub/sub channel for one subject's events.
// Pattern: {prefix}:{subject}:events
func EventsChannel(prefix, subject string) string {
	return fmt.Sprintf("%s:%s:events", prefix, subject)
}

// Client publishes and subscribes to relayed events.
// All channels are namespaced with the prefix. Safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a relay client. prefix must not be empty.
func NewClient(redisOpts *redis.Options, prefix string) (*Client, error) {
	if prefix == "" {
		return nil, fmt.Errorf("channel prefix cannot be empty")
	}

	return &Client{
		rdb:    redis.NewClient(redisOpts),
		prefix: prefix,
	}, nil
}

// Dial parses a redis:// URL and creates a relay client.
func Dial(redisURL, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewClient(opts, prefix)
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish relays ev on the subject's channel.
// Returns the number of subscribers that received it.
func (c *Client) Publish(ctx context.Context, subject string, ev session.Event) (int64, error) {
	if subject == "" {
		return 0, fmt.Errorf("subject cannot be empty")
	}

	data, err := json.Marshal(Message{
		Subject:    subject,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal relay message: %w", err)
	}

	n, err := c.rdb.Publish(ctx, EventsChannel(c.prefix, subject), data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return n, nil
}

// Subscription is an active subscription to a subject's relayed events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan *Message
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of relayed messages. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan *Message {
	return s.events
}

// Errors returns decoding failures. The subscription skips the message and continues.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Implements io.Closer. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe listens on the subject's channel. The subscription is confirmed
// with Redis before Subscribe returns, so a Publish issued afterwards is seen.
func (c *Client) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.prefix, subject))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	eventsChan := make(chan *Message, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal relay message: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &m:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancel,
	}, nil
}
