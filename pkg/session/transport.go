package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/publicsuffix"
)

// NewHTTPClient builds the client used for REST calls.
// It keeps the HttpOnly refresh cookie in an in-memory jar for the life of the
// process and traces every request through the global OpenTelemetry provider.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &http.Client{
		Jar:       jar,
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, nil
}

// newStreamClient builds a client without an overall timeout, since the
// event stream is expected to stay open indefinitely.
func newStreamClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
