package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/magicclub/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "mclub")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
	assert.Error(t, err)

	_, err = Dial("not a url", "mclub")
	assert.Error(t, err)

	c, err := Dial("redis://localhost:6379/0", "mclub")
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestEventsChannel(t *testing.T) {
	assert.Equal(t, "mclub:u1:events", EventsChannel("mclub", "u1"))
}

func TestPublishSubscribe(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx))

	sub, err := client.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	n, err := client.Publish(ctx, "u1", session.Event{
		Kind:    session.EventPurchaseRegistered,
		Payload: map[string]any{"amount": float64(1500)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case msg := <-sub.Events():
		require.NotNil(t, msg)
		assert.Equal(t, "u1", msg.Subject)
		assert.Equal(t, session.EventPurchaseRegistered, msg.Kind)
		assert.Equal(t, float64(1500), msg.Payload["amount"])
		assert.WithinDuration(t, time.Now(), msg.ReceivedAt, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestPublish_OtherSubjectNotDelivered(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	n, err := client.Publish(ctx, "u2", session.Event{Kind: session.EventRewardRedeemed, Payload: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = client.Publish(ctx, "", session.Event{})
	assert.Error(t, err)
}

func TestSubscribe_MalformedMessage(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(EventsChannel("mclub", "u1"), "not json")

	select {
	case err := <-sub.Errors():
		assert.Contains(t, err.Error(), "failed to unmarshal relay message")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decode error")
	}

	_, err = client.Publish(ctx, "u1", session.Event{Kind: session.EventPurchaseVoided, Payload: map[string]any{}})
	require.NoError(t, err)

	select {
	case msg := <-sub.Events():
		assert.Equal(t, session.EventPurchaseVoided, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not continue after a malformed message")
	}
}

func TestSubscription_Close(t *testing.T) {
	client, _ := setupTestClient(t)

	sub, err := client.Subscribe(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}
}
