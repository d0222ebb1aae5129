package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dyluth/magicclub/internal/logger"
)

// State is the lifecycle state of a Manager.
type State string

const (
	// StateBooting is the initial state, until the silent refresh settles
	StateBooting State = "booting"

	// StateAnonymous means no identity is held
	StateAnonymous State = "anonymous"

	// StateAuthenticated means an identity decoded from the current access token is held
	StateAuthenticated State = "authenticated"
)

const (
	authenticationPath   = "/tokens/authentication"
	logoutPath           = "/tokens/logout"
	magicLinkPath        = "/users/magic-link"
	magicLinkAuthPath    = "/users/magic-link/authenticate"
	passwordResetReqPath = "/password/reset-request"
	passwordResetPath    = "/password/reset"
)

// ChangeFunc is called after every state transition.
type ChangeFunc func(state State, identity *Identity)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithChangeFunc registers a listener at construction time.
func WithChangeFunc(fn ChangeFunc) ManagerOption {
	return func(m *Manager) { m.listeners = append(m.listeners, fn) }
}

// Manager owns the session identity and its lifecycle.
// It bridges the token store to "who is logged in": the identity is non-nil
// exactly when the store holds an access token that decodes cleanly.
type Manager struct {
	gw     *Gateway
	store  *TokenStore
	logger *slog.Logger

	bootOnce sync.Once

	mu         sync.Mutex
	state      State
	identity   *Identity
	loading    bool
	loggingOut bool
	listeners  []ChangeFunc
}

// NewManager creates a manager in StateBooting with Loading() true.
// Call Boot to attempt the silent refresh.
func NewManager(gw *Gateway, opts ...ManagerOption) *Manager {
	m := &Manager{
		gw:      gw,
		store:   gw.Store(),
		logger:  logger.Discard(),
		state:   StateBooting,
		loading: true,
	}
	for _, opt := range opts {
		opt(m)
	}

	// A hard logout forced by the gateway also ends this session.
	next := gw.onExpired
	gw.onExpired = func() {
		m.Expire()
		next()
	}

	return m
}

// Boot silently calls the refresh endpoint once.
// On success the session becomes authenticated; on any failure, including an
// access token that cannot be decoded, it becomes anonymous. Loading() turns
// false when Boot returns, whatever the outcome. Calling Boot again after it
// has completed is a no-op.
func (m *Manager) Boot(ctx context.Context) {
	m.bootOnce.Do(func() { m.boot(ctx) })
}

func (m *Manager) boot(ctx context.Context) {
	if !m.Loading() {
		return
	}

	pair, err := m.gw.Refresh(ctx)

	var identity *Identity
	if err == nil {
		identity = DecodeIdentity(pair.AccessToken)
		if identity == nil {
			m.logger.Warn("refresh returned an undecodable access token")
			m.store.Clear()
		}
	} else {
		m.logger.Info("no valid session found during boot", "error", err)
	}

	m.mu.Lock()
	m.loading = false
	if identity != nil {
		m.state = StateAuthenticated
		m.identity = identity
	} else {
		m.state = StateAnonymous
		m.identity = nil
	}
	m.mu.Unlock()

	m.notify()
}

// LoginWithTokens stores the pair and identity supplied by the caller and
// transitions to StateAuthenticated.
func (m *Manager) LoginWithTokens(accessToken, csrfToken string, identity Identity) {
	m.store.Set(accessToken, csrfToken)

	m.mu.Lock()
	m.state = StateAuthenticated
	m.identity = &identity
	m.loading = false
	m.mu.Unlock()

	m.logger.Info("logged in", "subject", identity.SubjectID, "role", identity.Role)
	m.notify()
}

// LoginWithPassword authenticates with email and password.
func (m *Manager) LoginWithPassword(ctx context.Context, email, password string) (*Identity, error) {
	return m.authenticate(ctx, authenticationPath, map[string]string{
		"email":    email,
		"password": password,
	})
}

// LoginWithDNI authenticates with a national identity number and password.
func (m *Manager) LoginWithDNI(ctx context.Context, dni, password string) (*Identity, error) {
	return m.authenticate(ctx, authenticationPath, map[string]string{
		"dni":      dni,
		"password": password,
	})
}

// RequestMagicLink asks the backend to email a passwordless login link.
func (m *Manager) RequestMagicLink(ctx context.Context, email string) error {
	if err := m.gw.JSON(ctx, http.MethodPost, magicLinkPath, map[string]string{"email": email}, nil); err != nil {
		return fmt.Errorf("failed to request magic link: %w", err)
	}
	return nil
}

// AuthenticateMagicLink exchanges the token from a magic link for a session.
func (m *Manager) AuthenticateMagicLink(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("magic link token cannot be empty")
	}
	return m.authenticate(ctx, magicLinkAuthPath, map[string]string{"token": token})
}

// RequestPasswordReset asks the backend to email a password reset token.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	if err := m.gw.JSON(ctx, http.MethodPost, passwordResetReqPath, map[string]string{"email": email}, nil); err != nil {
		return fmt.Errorf("failed to request password reset: %w", err)
	}
	return nil
}

// ResetPassword sets a new password using a reset token.
func (m *Manager) ResetPassword(ctx context.Context, token, password string) error {
	body := map[string]string{"token": token, "password": password}
	if err := m.gw.JSON(ctx, http.MethodPost, passwordResetPath, body, nil); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}
	return nil
}

// authenticate posts credentials to path and logs in with the returned pair.
// An access token that does not decode leaves the session untouched.
func (m *Manager) authenticate(ctx context.Context, path string, body any) (*Identity, error) {
	req, err := NewRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.SkipRefresh = true

	var auth AuthResponse
	if err := m.gw.DoJSON(ctx, req, &auth); err != nil {
		return nil, err
	}

	pair := auth.Pair()
	identity := DecodeIdentity(pair.AccessToken)
	if identity == nil {
		return nil, ErrInvalidToken
	}

	m.LoginWithTokens(pair.AccessToken, pair.CSRFToken, *identity)
	return identity, nil
}

// Logout invalidates the server-side session on a best-effort basis and then
// unconditionally clears the tokens and identity. LoggingOut() is true for the
// duration of the network round trip.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.loggingOut = true
	m.mu.Unlock()

	req := &Request{Method: http.MethodPost, Path: logoutPath}
	if err := m.gw.DoJSON(ctx, req, nil); err != nil {
		m.logger.Debug("logout request failed, clearing local session anyway", "error", err)
	}

	m.store.Clear()

	m.mu.Lock()
	m.loggingOut = false
	m.state = StateAnonymous
	m.identity = nil
	m.loading = false
	m.mu.Unlock()

	m.notify()
}

// Expire drops the local session without contacting the backend.
// NewManager installs it on the gateway's session-expired path.
func (m *Manager) Expire() {
	m.store.Clear()

	m.mu.Lock()
	changed := m.state != StateAnonymous
	m.state = StateAnonymous
	m.identity = nil
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// Identity returns a copy of the current identity, or nil when anonymous.
func (m *Manager) Identity() *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	id := *m.identity
	return &id
}

// RequireIdentity is Identity for callers that need a session.
// Returns ErrNotAuthenticated when anonymous.
func (m *Manager) RequireIdentity() (*Identity, error) {
	if id := m.Identity(); id != nil {
		return id, nil
	}
	return nil, ErrNotAuthenticated
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Loading is true until the boot refresh settles or a login happens.
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// LoggingOut is true while a Logout round trip is in flight.
func (m *Manager) LoggingOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggingOut
}

// OnChange registers fn to be called after every state transition.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.Lock()
	state := m.state
	var identity *Identity
	if m.identity != nil {
		id := *m.identity
		identity = &id
	}
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state, identity)
	}
}
