package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RefreshCookie is the name of the HttpOnly refresh cookie set by the backend.
const RefreshCookie = "refresh_token"

// Claims is the identity a Backend embeds in the access tokens it issues.
type Claims struct {
	Subject string
	Email   string
	Role    string
}

// RecordedRequest is a request seen by the Backend.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	CSRF          string
	RequestID     string
	Body          string
}

// Backend is an in-process fake of the loyalty API rooted at /v1.
// It issues HS256 access tokens, keeps a set of currently valid tokens, and
// serves a text/event-stream at /v1/events whose frames are pushed by tests.
type Backend struct {
	T      *testing.T
	Server *httptest.Server
	URL    string // API base URL, e.g. http://127.0.0.1:1234/v1

	Identity   Claims
	Password   string
	DNI        string
	MagicToken string

	mu             sync.Mutex
	secret         []byte
	valid          map[string]string // access token → csrf token
	refreshCookies map[string]bool
	requests       []RecordedRequest
	refreshCalls   int
	unauthorized   int
	logoutCalls    int
	refreshStatus  int
	logoutStatus   int
	refreshGate    chan struct{}
	streamTokens   []string
	streams        map[int]chan string
	nextStream     int
	api            chi.Router
}

// NewBackend starts a fake backend and registers its shutdown with t.Cleanup.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	b := &Backend{
		T: t,
		Identity: Claims{
			Subject: uuid.NewString(),
			Email:   "cashier@magicclub.test",
			Role:    "store_cashier",
		},
		Password:       "correct-horse",
		DNI:            "30111222",
		MagicToken:     "magic-" + uuid.NewString(),
		secret:         []byte("test-secret"),
		valid:          make(map[string]string),
		refreshCookies: make(map[string]bool),
		refreshStatus:  http.StatusOK,
		logoutStatus:   http.StatusOK,
		streams:        make(map[int]chan string),
	}

	api := chi.NewRouter()
	api.Post("/tokens/authentication", b.handleAuthentication)
	api.Post("/tokens/refresh", b.handleRefresh)
	api.With(b.authenticate).Post("/tokens/logout", b.handleLogout)
	api.Post("/users/magic-link", b.handleAccepted)
	api.Post("/users/magic-link/authenticate", b.handleMagicLink)
	api.Post("/password/reset-request", b.handleAccepted)
	api.Post("/password/reset", b.handleAccepted)
	api.With(b.authenticate).Get("/events", b.handleEvents)
	b.api = api

	r := chi.NewRouter()
	r.Use(b.record)
	r.Mount("/v1", api)

	b.Server = httptest.NewServer(r)
	b.URL = b.Server.URL + "/v1"
	t.Cleanup(b.Close)

	return b
}

// Close ends all open streams and stops the server.
func (b *Backend) Close() {
	b.CloseStreams()
	b.Server.Close()
}

// Handle registers a protected route under /v1. Requests must carry a valid
// bearer token, and mutating requests the matching CSRF token.
func (b *Backend) Handle(method, pattern string, h http.HandlerFunc) {
	b.api.With(b.authenticate).Method(method, pattern, h)
}

// HandleJSON registers a protected route that always answers with status and body.
func (b *Backend) HandleJSON(method, pattern string, status int, body any) {
	b.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, body)
	})
}

// IssueTokens mints a valid access/CSRF pair for the backend's identity.
func (b *Backend) IssueTokens() (string, string) {
	return b.IssueTokensFor(b.Identity)
}

// IssueTokensFor mints a valid access/CSRF pair for c.
func (b *Backend) IssueTokensFor(c Claims) (string, string) {
	access := b.SignToken(c)
	csrf := uuid.NewString()

	b.mu.Lock()
	b.valid[access] = csrf
	b.mu.Unlock()

	return access, csrf
}

// SignToken returns a signed access token for c without marking it valid.
func (b *Backend) SignToken(c Claims) string {
	b.T.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   c.Subject,
		"email": c.Email,
		"role":  c.Role,
		"jti":   uuid.NewString(),
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(15 * time.Minute).Unix(),
	})
	signed, err := token.SignedString(b.secret)
	if err != nil {
		b.T.Errorf("failed to sign token: %v", err)
	}
	return signed
}

// RevokeAll invalidates every access token issued so far, as if they expired.
func (b *Backend) RevokeAll() {
	b.mu.Lock()
	b.valid = make(map[string]string)
	b.mu.Unlock()
}

// IsValid reports whether access is currently accepted and csrf belongs to it.
func (b *Backend) IsValid(access, csrf string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	want, ok := b.valid[access]
	return ok && want == csrf
}

// SetRefreshStatus makes /tokens/refresh answer with status (200 restores normal behaviour).
func (b *Backend) SetRefreshStatus(status int) {
	b.mu.Lock()
	b.refreshStatus = status
	b.mu.Unlock()
}

// SetLogoutStatus makes /tokens/logout answer with status.
func (b *Backend) SetLogoutStatus(status int) {
	b.mu.Lock()
	b.logoutStatus = status
	b.mu.Unlock()
}

// GateRefresh blocks refresh handlers until the returned function is called.
func (b *Backend) GateRefresh() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.refreshGate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// GrantRefreshCookie lets any client refresh without logging in first.
func (b *Backend) GrantRefreshCookie() *http.Cookie {
	value := uuid.NewString()
	b.mu.Lock()
	b.refreshCookies[value] = true
	b.mu.Unlock()
	return &http.Cookie{Name: RefreshCookie, Value: value, Path: "/"}
}

// RefreshCalls returns how many times /tokens/refresh was called.
func (b *Backend) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

// Unauthorized returns how many protected requests were rejected with 401.
func (b *Backend) Unauthorized() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unauthorized
}

// LogoutCalls returns how many times /tokens/logout was called.
func (b *Backend) LogoutCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logoutCalls
}

// Requests returns a copy of every request seen so far.
func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedRequest(nil), b.requests...)
}

// RequestsTo returns the recorded requests whose path ends with suffix.
func (b *Backend) RequestsTo(method, suffix string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range b.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			out = append(out, r)
		}
	}
	return out
}

// StreamTokens returns the access token used by each /events connection, in order.
func (b *Backend) StreamTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.streamTokens...)
}

// OpenStreams returns the number of currently connected /events clients.
func (b *Backend) OpenStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Push sends a raw SSE frame to every connected stream. The frame should end
// with a blank line, e.g. "event: x\ndata: {}\n\n". Frames for a stream whose
// buffer is full are dropped.
func (b *Backend) Push(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.streams {
		select {
		case ch <- frame:
		default:
		}
	}
}

// PushEvent sends one well-formed event to every connected stream.
func (b *Backend) PushEvent(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.T.Fatalf("failed to marshal event payload: %v", err)
	}
	b.Push(fmt.Sprintf("event: %s\ndata: %s\n\n", kind, data))
}

// CloseStreams ends every open /events connection.
func (b *Backend) CloseStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.streams {
		close(ch)
		delete(b.streams, id)
	}
}

// WriteJSON writes body as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		b.mu.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			CSRF:          r.Header.Get("X-CSRF-Token"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Body:          string(body),
		})
		b.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		b.mu.Lock()
		csrf, ok := b.valid[token]
		if !ok {
			b.unauthorized++
		}
		b.mu.Unlock()

		if !ok {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or expired token"})
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if r.Header.Get("X-CSRF-Token") != csrf {
				WriteJSON(w, http.StatusForbidden, map[string]any{"error": "invalid csrf token"})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (b *Backend) writeTokens(w http.ResponseWriter) {
	access, csrf := b.IssueTokens()
	cookie := b.GrantRefreshCookie()
	cookie.HttpOnly = true
	cookie.MaxAge = int((7 * 24 * time.Hour).Seconds())
	http.SetCookie(w, cookie)

	WriteJSON(w, http.StatusCreated, map[string]any{
		"authentication": map[string]string{
			"access_token": access,
			"csrf_token":   csrf,
		},
	})
}

func (b *Backend) handleAuthentication(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		DNI      string `json:"dni"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "malformed body"}})
		return
	}

	known := (in.Email != "" && in.Email == b.Identity.Email) || (in.DNI != "" && in.DNI == b.DNI)
	if !known || in.Password != b.Password {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "invalid authentication credentials"}})
		return
	}

	b.writeTokens(w)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.refreshCalls++
	gate := b.refreshGate
	status := b.refreshStatus
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if status != http.StatusOK {
		WriteJSON(w, status, map[string]any{"error": "invalid or expired refresh token"})
		return
	}

	cookie, err := r.Cookie(RefreshCookie)
	b.mu.Lock()
	ok := err == nil && b.refreshCookies[cookie.Value]
	b.mu.Unlock()
	if !ok {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or expired refresh token"})
		return
	}

	b.writeTokens(w)
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.logoutCalls++
	status := b.logoutStatus
	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		delete(b.refreshCookies, cookie.Value)
	}
	b.mu.Unlock()

	if status != http.StatusOK {
		WriteJSON(w, status, map[string]any{"error": "logout failed"})
		return
	}

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: "", Path: "/", MaxAge: -1})
	WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (b *Backend) handleAccepted(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "accepted"})
}

func (b *Backend) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Token != b.MagicToken {
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "magic link expired"}})
		return
	}
	b.writeTokens(w)
}

func (b *Backend) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	frames := make(chan string, 16)
	b.mu.Lock()
	id := b.nextStream
	b.nextStream++
	b.streams[id] = frames
	b.streamTokens = append(b.streamTokens, token)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if ch, ok := b.streams[id]; ok {
			close(ch)
			delete(b.streams, id)
		}
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}
