package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/magicclub/internal/logger"
)

const (
	// EventsPath is the server-push stream endpoint
	EventsPath = "/events"

	// DefaultReconnectDelay is the fixed backoff between stream connections
	DefaultReconnectDelay = 5 * time.Second

	maxEventLineBytes = 1 << 20
)

// EventKind tags a Notification Event.
type EventKind string

const (
	// EventPurchaseRegistered is pushed when a cashier registers a purchase
	EventPurchaseRegistered EventKind = "purchase_registered"

	// EventRewardRedeemed is pushed when a reward discount is applied
	EventRewardRedeemed EventKind = "reward_redeemed"

	// EventPurchaseVoided is pushed when a registered purchase is cancelled
	EventPurchaseVoided EventKind = "purchase_voided"
)

// Event is a notification pushed by the backend.
// Payload is the untyped JSON object carried in the frame's data field.
type Event struct {
	Kind    EventKind      `json:"type"`
	Payload map[string]any `json:"data"`
}

// Handler consumes events. It runs on the subscription's connection goroutine
// and must not call SetEnabled or Close on its own subscription synchronously.
type Handler func(Event)

var errNoAccessToken = errors.New("no access token available")

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithReconnectDelay overrides the backoff between connections.
func WithReconnectDelay(d time.Duration) ChannelOption {
	return func(c *Channel) { c.reconnectDelay = d }
}

// WithTokenInQuery sends the access token as a ?token= query parameter instead
// of an Authorization header, for proxies that strip headers from streams.
func WithTokenInQuery(enabled bool) ChannelOption {
	return func(c *Channel) { c.tokenInQuery = enabled }
}

// WithChannelHTTPClient overrides the client used for the stream.
// The client must not set an overall timeout.
func WithChannelHTTPClient(client *http.Client) ChannelOption {
	return func(c *Channel) { c.client = client }
}

// WithChannelLogger sets the channel's logger.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = logger }
}

// WithUnauthorizedHandler sets fn to run when the stream rejects the access
// token with a 401, before the reconnect delay starts. It is expected to put a
// fresh token in the store, typically through Gateway.Refresh. A failure is
// logged and the channel keeps retrying on its fixed delay.
func WithUnauthorizedHandler(fn func(ctx context.Context) error) ChannelOption {
	return func(c *Channel) { c.onUnauthorized = fn }
}

// WithChannelObserver registers metrics hooks.
func WithChannelObserver(o Observer) ChannelOption {
	return func(c *Channel) { c.observer = o }
}

// Channel delivers server-pushed events over a reconnecting stream.
// Every connection attempt reads the access token from the store afresh, so a
// token rotated by the Gateway in the meantime is picked up automatically.
type Channel struct {
	eventsURL      *url.URL
	store          *TokenStore
	client         *http.Client
	logger         *slog.Logger
	observer       Observer
	reconnectDelay time.Duration
	tokenInQuery   bool
	onUnauthorized func(ctx context.Context) error
}

// NewChannel creates a channel for the API rooted at baseURL.
func NewChannel(baseURL string, store *TokenStore, opts ...ChannelOption) (*Channel, error) {
	if store == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}

	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + EventsPath

	c := &Channel{
		eventsURL:      u,
		store:          store,
		logger:         logger.Discard(),
		observer:       nopObserver{},
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = newStreamClient()
	}
	if c.reconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive, got %v", c.reconnectDelay)
	}

	return c, nil
}

// Subscribe creates a subscription delivering events to handler.
// The connection is opened immediately when enabled is true.
// Caller must call Close() when done.
func (c *Channel) Subscribe(handler Handler, enabled bool) *Subscription {
	s := &Subscription{ch: c, handler: handler}
	s.SetEnabled(enabled)
	return s
}

// Listen delivers events to handler until ctx is cancelled.
// Always returns ctx.Err().
func (c *Channel) Listen(ctx context.Context, handler Handler) error {
	sub := c.Subscribe(handler, true)
	defer sub.Close()

	<-ctx.Done()
	return ctx.Err()
}

// Subscription is one subscriber's view of a Channel.
// The connection lifecycle and the current handler are owned separately:
// SetHandler swaps the callback without touching the connection, while
// SetEnabled starts or tears down the connection loop.
type Subscription struct {
	ch *Channel

	handlerMu sync.RWMutex
	handler   Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// SetHandler replaces the callback used for subsequent events.
func (s *Subscription) SetHandler(h Handler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// SetEnabled starts the connection loop, or stops it and waits for it to exit.
// After SetEnabled(false) returns the handler is not invoked again until the
// subscription is re-enabled.
func (s *Subscription) SetEnabled(enabled bool) {
	if !enabled {
		s.stop()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Enabled reports whether the connection loop is running.
func (s *Subscription) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Close aborts any in-flight connection and pending reconnect and waits for the
// loop to exit. No handler call happens after Close returns. Implements io.Closer.
// Safe to call multiple times.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stop()
	return nil
}

func (s *Subscription) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run keeps one connection open at a time, waiting the fixed delay between
// attempts, until ctx is cancelled.
func (s *Subscription) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	c := s.ch
	for {
		err := c.stream(ctx, func(ev Event) { s.dispatch(ctx, ev) })
		if ctx.Err() != nil {
			return
		}

		if IsUnauthorized(err) && c.onUnauthorized != nil {
			c.logger.Debug("event stream rejected the access token, renewing it")
			if err := c.onUnauthorized(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to renew stream credentials", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}

		c.logger.Debug("event stream disconnected, scheduling reconnect", "error", err, "delay", c.reconnectDelay)
		c.observer.StreamReconnectScheduled()

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}

	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()

	if h != nil {
		h(ev)
	}
}

// stream performs one connection and blocks until it ends.
// Always returns a non-nil error describing why the connection ended.
func (c *Channel) stream(ctx context.Context, emit func(Event)) error {
	token := c.store.AccessToken()
	if token == "" {
		return errNoAccessToken
	}

	u := *c.eventsURL
	if c.tokenInQuery {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if !c.tokenInQuery {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("event stream connection failed: %w", &APIError{
			StatusCode: resp.StatusCode,
			Envelope:   ParseEnvelope(body),
			Body:       body,
		})
	}

	c.observer.StreamConnected()
	c.logger.Debug("event stream connected")

	err = decodeEvents(resp.Body, func(ev Event) {
		c.observer.EventReceived(ev.Kind)
		emit(ev)
	}, func(err error) {
		c.observer.EventDropped()
		c.logger.Debug("dropping malformed event", "error", err)
	})
	if err != nil {
		return fmt.Errorf("event stream read failed: %w", err)
	}
	return io.EOF
}

// decodeEvents parses a text/event-stream body. Frames end at a blank line;
// "event:" sets the kind, "data:" lines are joined with "\n" and must form a
// JSON object. Frames without a kind or data are ignored; frames whose data is
// not a JSON object are reported to drop and skipped.
// Returns nil when r reaches EOF.
func decodeEvents(r io.Reader, emit func(Event), drop func(error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)

	var kind string
	var data []string

	flush := func() {
		defer func() { kind, data = "", nil }()
		if kind == "" || len(data) == 0 {
			return
		}

		var payload map[string]any
		raw := strings.Join(data, "\n")
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			drop(fmt.Errorf("event %q: %w", kind, err))
			return
		}
		if payload == nil {
			drop(fmt.Errorf("event %q: payload is not an object", kind))
			return
		}
		emit(Event{Kind: EventKind(kind), Payload: payload})
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			kind = value
		case "data":
			data = append(data, value)
		}
	}

	return scanner.Err()
}
