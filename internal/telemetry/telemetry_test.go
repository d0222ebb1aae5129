package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/magicclub/internal/testutil"
	"github.com/dyluth/magicclub/pkg/session"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observer(t *testing.T) {
	m := NewMetrics()

	m.RefreshAttempted(true)
	m.RefreshAttempted(false)
	m.RefreshAttempted(false)
	m.RequestRetried()
	m.StreamConnected()
	m.StreamReconnectScheduled()
	m.StreamReconnectScheduled()
	m.EventReceived(session.EventPurchaseRegistered)
	m.EventDropped()

	assert.Equal(t, 1.0, promtest.ToFloat64(m.refreshes.WithLabelValues("success")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.refreshes.WithLabelValues("failure")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.retries))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.streamConnects))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.eventsReceived.WithLabelValues("purchase_registered")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.eventsDropped))
}

func TestMetrics_WiredIntoSession(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.HandleJSON(http.MethodGet, "/store/stats", http.StatusOK, map[string]any{"stats": map[string]any{}})
	m := NewMetrics()

	client, err := session.NewHTTPClient(5 * time.Second)
	require.NoError(t, err)
	client.Jar.SetCookies(mustParse(t, backend.Server.URL), []*http.Cookie{backend.GrantRefreshCookie()})

	store := session.NewTokenStore()
	store.Set("expired", "csrf")
	gw, err := session.NewGateway(backend.URL, store, session.WithHTTPClient(client), session.WithObserver(m))
	require.NoError(t, err)

	require.NoError(t, gw.JSON(context.Background(), http.MethodGet, "/store/stats", nil, nil))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.refreshes.WithLabelValues("success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.retries))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.EventReceived(session.EventRewardRedeemed)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mclub_events_received_total{type="reward_redeemed"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetrics_Serve(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	addr, errCh, err := m.Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "mclub_request_retries_total"))

	cancel()
	select {
	case err, ok := <-errCh:
		assert.False(t, ok, "unexpected serve error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "mclub", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
