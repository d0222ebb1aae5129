package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dyluth/magicclub/internal/logger"
	"github.com/google/uuid"
)

const (
	// RefreshPath mints a new TokenPair from the HttpOnly refresh cookie
	RefreshPath = "/tokens/refresh"

	// HeaderCSRF carries the CSRF token on mutating requests
	HeaderCSRF = "X-CSRF-Token"

	// HeaderRequestID correlates a request with backend logs
	HeaderRequestID = "X-Request-ID"

	maxResponseBytes = 4 << 20
)

// Request is an outbound call relative to the gateway's base URL.
// Body is buffered so the request can be re-sent after a token refresh.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// SkipRefresh makes a 401 fail immediately instead of refreshing.
	// Credential exchanges set it: their 401 means bad credentials.
	SkipRefresh bool

	retried bool
}

// NewRequest creates a request whose body is the JSON encoding of body.
// A nil body sends no payload.
func NewRequest(method, path string, body any) (*Request, error) {
	req := &Request{Method: method, Path: path}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.Body = data
	}
	return req, nil
}

// Retried reports whether this request is the single re-send after a refresh.
func (r *Request) Retried() bool {
	return r.retried
}

func (r *Request) clone() *Request {
	c := *r
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	return &c
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decision is the outcome of handling a failed response: Retry or Fail.
type Decision interface {
	decision()
}

// Retry re-sends Request once with freshly attached credentials.
type Retry struct {
	Request *Request
}

// Fail ends the call chain with Err.
type Fail struct {
	Err error
}

func (Retry) decision() {}
func (Fail) decision()  {}

// AuthResponse is the token-bearing body returned by the authentication,
// refresh and magic-link endpoints.
type AuthResponse struct {
	Authentication struct {
		AccessToken string `json:"access_token"`
		CSRFToken   string `json:"csrf_token"`
	} `json:"authentication"`
}

// Pair returns the tokens carried by the response.
func (a AuthResponse) Pair() TokenPair {
	return TokenPair{
		AccessToken: a.Authentication.AccessToken,
		CSRFToken:   a.Authentication.CSRFToken,
	}
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient overrides the client used for REST calls.
// The client should carry a cookie jar so the refresh cookie survives between calls.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = client }
}

// WithLogger sets the gateway's logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithObserver registers metrics hooks.
func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) { g.observer = o }
}

// WithSessionExpiredHandler registers the hook invoked after a refresh
// failure has cleared the token store, i.e. where the user must log in again.
func WithSessionExpiredHandler(fn func()) GatewayOption {
	return func(g *Gateway) { g.onExpired = fn }
}

// WithDefaultHeaders adds static headers to every request.
func WithDefaultHeaders(headers map[string]string) GatewayOption {
	return func(g *Gateway) {
		for k, v := range headers {
			g.defaultHeaders.Set(k, v)
		}
	}
}

// Gateway sends authenticated requests to the backend.
// It attaches the bearer token to every request and the CSRF token to mutating
// ones, and transparently recovers from an expired access token by calling the
// refresh endpoint once and re-sending the original request.
//
// Concurrent requests that fail with 401 at the same time are not coalesced:
// each performs its own refresh and the last one to finish wins the store.
type Gateway struct {
	baseURL        *url.URL
	store          *TokenStore
	client         *http.Client
	logger         *slog.Logger
	observer       Observer
	onExpired      func()
	defaultHeaders http.Header
}

// NewGateway creates a gateway for the API rooted at baseURL.
// Returns an error if baseURL is not an absolute http(s) URL or store is nil.
func NewGateway(baseURL string, store *TokenStore, opts ...GatewayOption) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}

	u, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		baseURL:        u,
		store:          store,
		logger:         logger.Discard(),
		observer:       nopObserver{},
		onExpired:      func() {},
		defaultHeaders: make(http.Header),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		g.client, err = NewHTTPClient(30 * time.Second)
		if err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Store returns the token store shared by this gateway.
func (g *Gateway) Store() *TokenStore {
	return g.store
}

// Do sends req and returns the response for any 2xx status.
// Non-2xx responses are returned as *APIError, except a 401 which first goes
// through one refresh-and-retry cycle.
func (g *Gateway) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := g.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		return resp, nil
	}

	switch d := g.handleFailure(ctx, req, newAPIError(resp)).(type) {
	case Retry:
		g.observer.RequestRetried()
		resp, err = g.send(ctx, d.Request)
		if err != nil {
			return nil, err
		}
		if !isSuccess(resp.StatusCode) {
			apiErr := newAPIError(resp)
			if apiErr.StatusCode == http.StatusUnauthorized {
				g.expire("retried request rejected", apiErr)
			}
			return nil, apiErr
		}
		return resp, nil
	case Fail:
		return nil, d.Err
	default:
		return nil, fmt.Errorf("unexpected decision %T", d)
	}
}

// DoJSON sends req and decodes a 2xx JSON body into out (skipped when out is nil).
func (g *Gateway) DoJSON(ctx context.Context, req *Request, out any) error {
	resp, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.Path, err)
	}
	return nil
}

// JSON is shorthand for NewRequest followed by DoJSON.
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	req, err := NewRequest(method, path, in)
	if err != nil {
		return err
	}
	return g.DoJSON(ctx, req, out)
}

// Refresh exchanges the refresh cookie for a new TokenPair and stores it.
// The call carries no body and no bearer token.
func (g *Gateway) Refresh(ctx context.Context) (TokenPair, error) {
	resp, err := g.sendRaw(ctx, &Request{Method: http.MethodPost, Path: RefreshPath}, false)
	if err != nil {
		g.observer.RefreshAttempted(false)
		return TokenPair{}, err
	}
	if !isSuccess(resp.StatusCode) {
		g.observer.RefreshAttempted(false)
		return TokenPair{}, newAPIError(resp)
	}

	var auth AuthResponse
	if err := json.Unmarshal(resp.Body, &auth); err != nil {
		g.observer.RefreshAttempted(false)
		return TokenPair{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	pair := auth.Pair()
	if pair.Empty() {
		g.observer.RefreshAttempted(false)
		return TokenPair{}, fmt.Errorf("refresh response carried no access token")
	}

	g.store.Set(pair.AccessToken, pair.CSRFToken)
	g.observer.RefreshAttempted(true)
	return pair, nil
}

// handleFailure decides what to do with a non-2xx response.
// Only a first-time 401 on anything but the refresh endpoint is retried.
func (g *Gateway) handleFailure(ctx context.Context, req *Request, apiErr *APIError) Decision {
	if apiErr.StatusCode != http.StatusUnauthorized || req.retried || req.SkipRefresh || isRefreshPath(req.Path) {
		return Fail{Err: apiErr}
	}

	retry := req.clone()
	retry.retried = true

	g.logger.Debug("access token rejected, refreshing", "method", req.Method, "path", req.Path)

	if _, err := g.Refresh(ctx); err != nil {
		g.expire("session refresh failed", err)
		return Fail{Err: fmt.Errorf("%w: %w", ErrSessionExpired, err)}
	}

	return Retry{Request: retry}
}

// expire performs the hard logout: tokens are dropped and the expiry hook runs.
func (g *Gateway) expire(reason string, err error) {
	g.logger.Info(reason+", clearing tokens", "error", err)
	g.store.Clear()
	g.onExpired()
}

func (g *Gateway) send(ctx context.Context, req *Request) (*Response, error) {
	return g.sendRaw(ctx, req, true)
}

// sendRaw performs one HTTP round trip. Credentials are read from the store
// at send time, so a retried request picks up the refreshed pair.
func (g *Gateway) sendRaw(ctx context.Context, req *Request, withAuth bool) (*Response, error) {
	target := g.resolve(req.Path, req.Query)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for k, vs := range g.defaultHeaders {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range req.Header {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(HeaderRequestID, uuid.NewString())

	if withAuth {
		attachCredentials(httpReq, g.store.Pair())
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s response: %w", req.Method, req.Path, err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%s %s: %w (limit %d bytes)", req.Method, req.Path, ErrResponseTooLarge, maxResponseBytes)
	}

	g.logger.Debug("api call", "method", req.Method, "path", req.Path, "status", httpResp.StatusCode, "retry", req.retried)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (g *Gateway) resolve(path string, query url.Values) string {
	u := *g.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// attachCredentials sets the bearer header whenever an access token is held,
// and the CSRF header only on state-mutating verbs.
func attachCredentials(req *http.Request, pair TokenPair) {
	if pair.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}
	if pair.CSRFToken != "" && isMutating(req.Method) {
		req.Header.Set(HeaderCSRF, pair.CSRFToken)
	}
}

func isMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func isRefreshPath(path string) bool {
	return strings.Contains(path, RefreshPath)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func newAPIError(resp *Response) *APIError {
	return &APIError{
		StatusCode: resp.StatusCode,
		Envelope:   ParseEnvelope(resp.Body),
		Body:       resp.Body,
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: must be an absolute http(s) URL", raw)
	}
	return u, nil
}
