package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/magicclub/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// setupTestChannel returns a channel holding a valid access token for the backend.
func setupTestChannel(t *testing.T, opts ...ChannelOption) (*Channel, *TokenStore, *testutil.Backend) {
	t.Helper()

	backend := testutil.NewBackend(t)
	store := NewTokenStore()
	store.Set(backend.IssueTokens())

	opts = append([]ChannelOption{WithReconnectDelay(50 * time.Millisecond)}, opts...)
	ch, err := NewChannel(backend.URL, store, opts...)
	require.NoError(t, err)

	return ch, store, backend
}

func subscribe(t *testing.T, ch *Channel, h Handler, enabled bool) *Subscription {
	t.Helper()
	sub := ch.Subscribe(h, enabled)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func waitConnected(t *testing.T, backend *testutil.Backend, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return backend.OpenStreams() == n }, waitFor, 5*time.Millisecond)
}

func TestNewChannel(t *testing.T) {
	store := NewTokenStore()

	_, err := NewChannel("http://localhost:4000/v1", nil)
	assert.Error(t, err)

	_, err = NewChannel("localhost:4000", store)
	assert.Error(t, err)

	_, err = NewChannel("http://localhost:4000/v1", store, WithReconnectDelay(0))
	assert.Error(t, err)

	ch, err := NewChannel("http://localhost:4000/v1/", store)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/v1/events", ch.eventsURL.String())
	assert.Equal(t, DefaultReconnectDelay, ch.reconnectDelay)
}

func TestChannel_DeliversEvents(t *testing.T) {
	ch, store, backend := setupTestChannel(t)
	sink := &eventSink{}
	subscribe(t, ch, sink.add, true)
	waitConnected(t, backend, 1)

	backend.PushEvent(string(EventPurchaseRegistered), map[string]any{"amount": 1500, "client_id": "c1"})

	require.Eventually(t, func() bool { return sink.len() == 1 }, waitFor, 5*time.Millisecond)
	ev := sink.snapshot()[0]
	assert.Equal(t, EventPurchaseRegistered, ev.Kind)
	assert.Equal(t, float64(1500), ev.Payload["amount"])
	assert.Equal(t, "c1", ev.Payload["client_id"])

	assert.Equal(t, []string{store.AccessToken()}, backend.StreamTokens())
	reqs := backend.RequestsTo(http.MethodGet, "/events")
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer "+store.AccessToken(), reqs[0].Authorization)
}

func TestChannel_DropsMalformedEvents(t *testing.T) {
	ch, _, backend := setupTestChannel(t)
	sink := &eventSink{}
	subscribe(t, ch, sink.add, true)
	waitConnected(t, backend, 1)

	backend.Push("event: purchase_registered\ndata: {not json\n\n")
	backend.Push("event: purchase_registered\ndata: null\n\n")
	backend.Push("data: {\"orphan\":true}\n\n")
	backend.PushEvent(string(EventRewardRedeemed), map[string]any{"reward_id": "r1"})

	require.Eventually(t, func() bool { return sink.len() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, EventRewardRedeemed, sink.snapshot()[0].Kind)
	assert.Len(t, backend.StreamTokens(), 1, "malformed frames must not drop the connection")
}

func TestSubscription_NoCallbacksAfterClose(t *testing.T) {
	ch, _, backend := setupTestChannel(t)

	var calls atomic.Int64
	sub := subscribe(t, ch, func(Event) { calls.Add(1) }, true)
	waitConnected(t, backend, 1)

	stopPushing := make(chan struct{})
	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for {
			select {
			case <-stopPushing:
				return
			default:
				backend.PushEvent(string(EventPurchaseRegistered), map[string]any{"n": 1})
				time.Sleep(time.Millisecond)
			}
		}
	}()

	require.Eventually(t, func() bool { return calls.Load() > 0 }, waitFor, 5*time.Millisecond)
	require.NoError(t, sub.Close())
	after := calls.Load()

	time.Sleep(100 * time.Millisecond)
	close(stopPushing)
	<-pushed

	assert.Equal(t, after, calls.Load())
	assert.False(t, sub.Enabled())
	waitConnected(t, backend, 0)

	sub.SetEnabled(true)
	assert.False(t, sub.Enabled(), "a closed subscription cannot be re-enabled")
}

func TestSubscription_SetEnabled(t *testing.T) {
	ch, _, backend := setupTestChannel(t)
	sink := &eventSink{}
	sub := subscribe(t, ch, sink.add, false)

	assert.False(t, sub.Enabled())
	assert.Never(t, func() bool { return backend.OpenStreams() > 0 }, 150*time.Millisecond, 10*time.Millisecond)

	sub.SetEnabled(true)
	sub.SetEnabled(true)
	assert.True(t, sub.Enabled())
	waitConnected(t, backend, 1)

	sub.SetEnabled(false)
	assert.False(t, sub.Enabled())
	waitConnected(t, backend, 0)

	backend.PushEvent(string(EventPurchaseRegistered), map[string]any{})
	assert.Equal(t, 0, sink.len())

	sub.SetEnabled(true)
	waitConnected(t, backend, 1)
	assert.Len(t, backend.StreamTokens(), 2)
}

func TestSubscription_SetHandlerKeepsConnection(t *testing.T) {
	ch, _, backend := setupTestChannel(t)
	first, second := &eventSink{}, &eventSink{}
	sub := subscribe(t, ch, first.add, true)
	waitConnected(t, backend, 1)

	backend.PushEvent(string(EventPurchaseRegistered), map[string]any{"n": 1})
	require.Eventually(t, func() bool { return first.len() == 1 }, waitFor, 5*time.Millisecond)

	sub.SetHandler(second.add)
	backend.PushEvent(string(EventPurchaseVoided), map[string]any{"n": 2})
	require.Eventually(t, func() bool { return second.len() == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, first.len())
	assert.Equal(t, EventPurchaseVoided, second.snapshot()[0].Kind)
	assert.Len(t, backend.StreamTokens(), 1, "swapping the handler must not reconnect")
}

func TestChannel_ReconnectsWithRotatedToken(t *testing.T) {
	ch, store, backend := setupTestChannel(t)
	subscribe(t, ch, func(Event) {}, true)
	waitConnected(t, backend, 1)
	oldToken := store.AccessToken()

	store.Set(backend.IssueTokens())
	newToken := store.AccessToken()
	require.NotEqual(t, oldToken, newToken)

	backend.CloseStreams()

	require.Eventually(t, func() bool { return len(backend.StreamTokens()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{oldToken, newToken}, backend.StreamTokens())
}

type reconnectObserver struct {
	nopObserver
	scheduled chan struct{}
}

func (o *reconnectObserver) StreamReconnectScheduled() {
	select {
	case o.scheduled <- struct{}{}:
	default:
	}
}

func TestChannel_PicksUpTokenRotatedDuringBackoff(t *testing.T) {
	obs := &reconnectObserver{scheduled: make(chan struct{}, 1)}
	ch, store, backend := setupTestChannel(t, WithReconnectDelay(300*time.Millisecond), WithChannelObserver(obs))
	subscribe(t, ch, func(Event) {}, true)
	waitConnected(t, backend, 1)
	oldToken := store.AccessToken()

	backend.CloseStreams()
	select {
	case <-obs.scheduled:
	case <-time.After(waitFor):
		t.Fatal("reconnect was not scheduled after the disconnect")
	}
	require.Len(t, backend.StreamTokens(), 1, "rotation must happen inside the backoff window")

	store.Set(backend.IssueTokens())
	newToken := store.AccessToken()
	require.NotEqual(t, oldToken, newToken)

	require.Eventually(t, func() bool { return len(backend.StreamTokens()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{oldToken, newToken}, backend.StreamTokens())
}

func TestChannel_UnauthorizedHandler(t *testing.T) {
	refresher := func(gw *Gateway) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := gw.Refresh(ctx)
			return err
		}
	}

	t.Run("recovers after the access token expires", func(t *testing.T) {
		gw, backend := setupTestGateway(t)
		grantCookie(t, gw, backend)
		gw.Store().Set(backend.IssueTokens())
		ch, err := NewChannel(backend.URL, gw.Store(),
			WithReconnectDelay(50*time.Millisecond),
			WithUnauthorizedHandler(refresher(gw)),
		)
		require.NoError(t, err)

		subscribe(t, ch, func(Event) {}, true)
		waitConnected(t, backend, 1)
		oldToken := gw.Store().AccessToken()

		backend.RevokeAll()
		backend.CloseStreams()

		require.Eventually(t, func() bool { return len(backend.StreamTokens()) == 2 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, 1, backend.RefreshCalls())
		assert.Equal(t, 1, backend.Unauthorized())
		tokens := backend.StreamTokens()
		assert.Equal(t, oldToken, tokens[0])
		assert.Equal(t, gw.Store().AccessToken(), tokens[1])
		assert.NotEqual(t, oldToken, tokens[1])
	})

	t.Run("keeps retrying when the refresh fails", func(t *testing.T) {
		gw, backend := setupTestGateway(t)
		gw.Store().Set("revoked", "csrf")
		ch, err := NewChannel(backend.URL, gw.Store(),
			WithReconnectDelay(20*time.Millisecond),
			WithUnauthorizedHandler(refresher(gw)),
		)
		require.NoError(t, err)

		subscribe(t, ch, func(Event) {}, true)
		require.Eventually(t, func() bool { return backend.RefreshCalls() >= 2 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, 0, backend.OpenStreams())

		gw.Store().Set(backend.IssueTokens())
		waitConnected(t, backend, 1)
	})

	t.Run("not called for other failures", func(t *testing.T) {
		var calls atomic.Int32
		ch, store, backend := setupTestChannel(t, WithUnauthorizedHandler(func(context.Context) error {
			calls.Add(1)
			return nil
		}))
		subscribe(t, ch, func(Event) {}, true)
		waitConnected(t, backend, 1)
		require.NotEmpty(t, store.AccessToken())

		backend.CloseStreams()
		require.Eventually(t, func() bool { return len(backend.StreamTokens()) == 2 }, waitFor, 5*time.Millisecond)
		assert.Zero(t, calls.Load())
	})
}

func TestChannel_TokenInQuery(t *testing.T) {
	ch, store, backend := setupTestChannel(t, WithTokenInQuery(true))
	subscribe(t, ch, func(Event) {}, true)
	waitConnected(t, backend, 1)

	assert.Equal(t, []string{store.AccessToken()}, backend.StreamTokens())
	reqs := backend.RequestsTo(http.MethodGet, "/events")
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Authorization)
}

func TestChannel_WaitsForToken(t *testing.T) {
	ch, store, backend := setupTestChannel(t)
	pair := store.Pair()
	store.Clear()

	subscribe(t, ch, func(Event) {}, true)
	assert.Never(t, func() bool { return len(backend.Requests()) > 0 }, 150*time.Millisecond, 10*time.Millisecond)

	store.Set(pair.AccessToken, pair.CSRFToken)
	waitConnected(t, backend, 1)
	assert.Equal(t, []string{pair.AccessToken}, backend.StreamTokens())
}

func TestChannel_RetriesRejectedToken(t *testing.T) {
	ch, store, backend := setupTestChannel(t)
	pair := store.Pair()
	store.Set("revoked", "csrf")

	subscribe(t, ch, func(Event) {}, true)
	require.Eventually(t, func() bool { return backend.Unauthorized() >= 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, backend.OpenStreams())

	store.Set(pair.AccessToken, pair.CSRFToken)
	waitConnected(t, backend, 1)
}

func TestChannel_Listen(t *testing.T) {
	ch, _, backend := setupTestChannel(t)
	sink := &eventSink{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Listen(ctx, sink.add) }()

	waitConnected(t, backend, 1)
	backend.PushEvent(string(EventRewardRedeemed), map[string]any{})
	require.Eventually(t, func() bool { return sink.len() == 1 }, waitFor, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(waitFor):
		t.Fatal("Listen did not return after cancellation")
	}
	waitConnected(t, backend, 0)
}

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      []Event
		wantDrops int
	}{
		{
			name:  "single event",
			input: "event: purchase_registered\ndata: {\"amount\":10}\n\n",
			want:  []Event{{Kind: EventPurchaseRegistered, Payload: map[string]any{"amount": float64(10)}}},
		},
		{
			name:  "multi-line data is joined",
			input: "event: reward_redeemed\ndata: {\"a\":\ndata: 1}\n\n",
			want:  []Event{{Kind: EventRewardRedeemed, Payload: map[string]any{"a": float64(1)}}},
		},
		{
			name:  "comments and unknown fields are ignored",
			input: ": keepalive\nid: 7\nevent: purchase_voided\nretry: 100\ndata: {}\n\n",
			want:  []Event{{Kind: EventPurchaseVoided, Payload: map[string]any{}}},
		},
		{
			name:  "CRLF line endings",
			input: "event: purchase_voided\r\ndata: {\"x\":true}\r\n\r\n",
			want:  []Event{{Kind: EventPurchaseVoided, Payload: map[string]any{"x": true}}},
		},
		{
			name:  "no space after colon",
			input: "event:purchase_voided\ndata:{}\n\n",
			want:  []Event{{Kind: EventPurchaseVoided, Payload: map[string]any{}}},
		},
		{
			name:  "frame without kind is skipped",
			input: "data: {}\n\n",
		},
		{
			name:  "frame without data is skipped",
			input: "event: purchase_registered\n\n",
		},
		{
			name:      "invalid JSON is dropped",
			input:     "event: purchase_registered\ndata: {oops\n\n",
			wantDrops: 1,
		},
		{
			name:      "non-object payloads are dropped",
			input:     "event: a\ndata: null\n\nevent: b\ndata: [1,2]\n\nevent: c\ndata: \"text\"\n\n",
			wantDrops: 3,
		},
		{
			name:  "unterminated trailing frame is discarded",
			input: "event: purchase_registered\ndata: {}\n\nevent: reward_redeemed\ndata: {}",
			want:  []Event{{Kind: EventPurchaseRegistered, Payload: map[string]any{}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []Event
			var drops int
			err := decodeEvents(strings.NewReader(tt.input),
				func(ev Event) { got = append(got, ev) },
				func(error) { drops++ })

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDrops, drops)
		})
	}
}
