package session

import "sync"

// TokenPair is the access token and CSRF token currently held in memory.
// A pair is always replaced wholesale, never patched field by field.
type TokenPair struct {
	AccessToken string
	CSRFToken   string
}

// Empty reports whether no access token is held.
func (p TokenPair) Empty() bool {
	return p.AccessToken == ""
}

// TokenStore is the single source of truth for the current TokenPair.
// It is shared by reference between the Gateway, the Manager and any Channel.
// The store is safe for concurrent use; every operation is one critical section.
type TokenStore struct {
	mu   sync.RWMutex
	pair TokenPair
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Set replaces both tokens. No validation is performed; tokens are opaque.
func (s *TokenStore) Set(accessToken, csrfToken string) {
	s.mu.Lock()
	s.pair = TokenPair{AccessToken: accessToken, CSRFToken: csrfToken}
	s.mu.Unlock()
}

// AccessToken returns the current access token, or "" if unset.
func (s *TokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.AccessToken
}

// CSRFToken returns the current CSRF token, or "" if unset.
func (s *TokenStore) CSRFToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.CSRFToken
}

// Pair returns a consistent snapshot of both tokens.
func (s *TokenStore) Pair() TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// Clear is equivalent to Set("", "").
func (s *TokenStore) Clear() {
	s.Set("", "")
}
