// Package auth holds the client's authentication session.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// State is the authentication state of a Session.
type State string

const (
	StateAnonymous     State = "anonymous"
	StateExchanging    State = "exchanging"
	StateAuthenticated State = "authenticated"
)

var (
	// ErrUnauthorized is returned by backend calls answered with 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrExchangeInProgress is returned when a token exchange is already running.
	ErrExchangeInProgress = errors.New("token exchange already in progress")
	// ErrInvalidToken is returned for tokens that cannot be used.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Claims represents the JWT claims issued by the backend.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Scopes   []string `json:"scope,omitempty"`
}

// User is the profile returned by the backend for the session's token.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Session is the single owner of authentication state. Exchange progress is
// a state of the session rather than a package level flag.
type Session struct {
	mu      sync.RWMutex
	state   State
	token   string
	claims  *Claims
	user    *User
	onClear []func()

	now func() time.Time
}

// NewSession returns an anonymous session.
func NewSession() *Session {
	return &Session{
		state: StateAnonymous,
		now:   time.Now,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token returns the bearer token, or "" unless authenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return ""
	}
	return s.token
}

// User returns the authenticated user, if known.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Subject returns the token subject claim.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Subject
}

// SetUser records the profile of the authenticated user.
func (s *Session) SetUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// BeginExchange moves the session into the exchanging state. Only one
// exchange may run at a time.
func (s *Session) BeginExchange() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExchanging {
		return ErrExchangeInProgress
	}
	s.state = StateExchanging
	return nil
}

// AbortExchange returns an exchanging session to anonymous.
func (s *Session) AbortExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExchanging {
		s.state = StateAnonymous
	}
}

// Authenticate installs token after checking that it is an unexpired HS256
// JWT. The signature is verified by the backend, not here. A rejected token
// leaves the session anonymous.
func (s *Session) Authenticate(token string) error {
	claims, err := s.inspect(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateAnonymous
		s.token = ""
		s.claims = nil
		return err
	}
	s.state = StateAuthenticated
	s.token = token
	s.claims = claims
	return nil
}

func (s *Session) inspect(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidToken, parsed.Method.Alg())
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Valid reports whether the session is authenticated with an unexpired token.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return false
	}
	if s.claims != nil && s.claims.ExpiresAt != nil && !s.claims.ExpiresAt.After(s.now()) {
		return false
	}
	return true
}

// OnClear registers fn to run whenever the session is cleared.
func (s *Session) OnClear(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClear = append(s.onClear, fn)
}

// Clear drops all credentials and notifies OnClear observers. Clearing a
// session that holds nothing is a no-op.
func (s *Session) Clear() {
	s.mu.Lock()
	if s.state == StateAnonymous && s.token == "" && s.user == nil {
		s.mu.Unlock()
		return
	}
	s.state = StateAnonymous
	s.token = ""
	s.claims = nil
	s.user = nil
	observers := append([]func(){}, s.onClear...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}
