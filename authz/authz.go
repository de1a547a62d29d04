// Package authz implements the server's own OAuth2 authorization-code flow:
// it mints short-lived single-use authorization codes, exchanges them for
// bearer access tokens, and validates those tokens on protected calls. The
// Manager satisfies auth.Authenticator so the transport layer can use it
// interchangeably with delegated validators.
package authz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vantagedata/vantage-mcp/auth"
)

// ErrInvalidClient indicates the client_id is not registered.
var ErrInvalidClient = fmt.Errorf("invalid client")

// ErrInvalidGrant indicates the authorization code is unknown, consumed,
// expired, or bound to different client credentials.
var ErrInvalidGrant = fmt.Errorf("invalid grant")

const (
	// DefaultCodeTTL bounds how long an issued authorization code may be
	// exchanged. Codes older than this are dead even if never consumed.
	DefaultCodeTTL = 10 * time.Minute
	// DefaultTokenTTL is the bearer token lifetime. Tokens are never
	// renewed in place; expiry forces a fresh authorization flow.
	DefaultTokenTTL = time.Hour
)

// IdentityBackend answers whether a client_id is registered. The manager
// never stores client registrations itself.
type IdentityBackend interface {
	IsRegistered(ctx context.Context, clientID string) (bool, error)
}

// StaticClients is an IdentityBackend over a fixed allow-list, useful for
// single-tenant deployments and tests.
type StaticClients []string

func (s StaticClients) IsRegistered(ctx context.Context, clientID string) (bool, error) {
	for _, id := range s {
		if id == clientID {
			return true, nil
		}
	}
	return false, nil
}

// AuthorizationCode is the server-side record of one issued code.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	State       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

// AccessToken is the server-side record of one issued bearer credential.
type AccessToken struct {
	Token     string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and validates codes and tokens. All state is in-memory;
// both stores support concurrent issuance and lookup, and consumption of a
// code is an atomic check-and-set under the store lock.
type Manager struct {
	identity IdentityBackend
	codeTTL  time.Duration
	tokenTTL time.Duration
	scope    string
	now      func() time.Time

	mu     sync.Mutex
	codes  map[string]*AuthorizationCode
	tokens map[string]*AccessToken

	stopCh  chan struct{}
	stopped sync.Once
}

var _ auth.Authenticator = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithCodeTTL overrides the authorization code lifetime.
func WithCodeTTL(d time.Duration) Option { return func(m *Manager) { m.codeTTL = d } }

// WithTokenTTL overrides the access token lifetime.
func WithTokenTTL(d time.Duration) Option { return func(m *Manager) { m.tokenTTL = d } }

// WithScope sets the scope granted to issued tokens.
func WithScope(scope string) Option { return func(m *Manager) { m.scope = scope } }

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager constructs a Manager backed by the given identity backend and
// starts a coarse reaper that drops expired records. Expiry correctness never
// depends on the reaper; every read re-checks expiry.
func NewManager(identity IdentityBackend, opts ...Option) *Manager {
	m := &Manager{
		identity: identity,
		codeTTL:  DefaultCodeTTL,
		tokenTTL: DefaultTokenTTL,
		scope:    "mcp",
		now:      time.Now,
		codes:    make(map[string]*AuthorizationCode),
		tokens:   make(map[string]*AccessToken),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.reap()
	return m
}

// Close stops the background reaper.
func (m *Manager) Close() error {
	m.stopped.Do(func() { close(m.stopCh) })
	return nil
}

// Authorize validates the client and issues a fresh authorization code bound
// to the given client_id, redirect_uri and state.
func (m *Manager) Authorize(ctx context.Context, clientID, redirectURI, state string) (*AuthorizationCode, error) {
	if clientID == "" || redirectURI == "" {
		return nil, fmt.Errorf("%w: client_id and redirect_uri are required", ErrInvalidClient)
	}
	ok, err := m.identity.IsRegistered(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("identity backend: %w", err)
	}
	if !ok {
		return nil, ErrInvalidClient
	}

	code, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec := &AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.codeTTL),
	}
	m.mu.Lock()
	m.codes[code] = rec
	m.mu.Unlock()
	return rec, nil
}

// Exchange consumes an authorization code and returns a bearer token. The
// code is marked consumed atomically before the token is minted, so two
// concurrent exchanges of the same code cannot both succeed. The client_id
// and redirect_uri must match the ones recorded at issuance.
func (m *Manager) Exchange(ctx context.Context, code, clientID, redirectURI string) (*AccessToken, error) {
	now := m.now()

	m.mu.Lock()
	rec, ok := m.codes[code]
	if !ok || rec.Consumed || now.After(rec.ExpiresAt) {
		m.mu.Unlock()
		return nil, ErrInvalidGrant
	}
	if rec.ClientID != clientID || rec.RedirectURI != redirectURI {
		m.mu.Unlock()
		return nil, ErrInvalidGrant
	}
	rec.Consumed = true
	m.mu.Unlock()

	tok, err := randomToken()
	if err != nil {
		return nil, err
	}
	at := &AccessToken{
		Token:     tok,
		ClientID:  clientID,
		Scope:     m.scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.tokenTTL),
	}
	m.mu.Lock()
	m.tokens[tok] = at
	m.mu.Unlock()
	return at, nil
}

// TokenTTL reports the configured bearer lifetime, used for expires_in.
func (m *Manager) TokenTTL() time.Duration { return m.tokenTTL }

// CheckAuthentication validates a bearer token previously minted by Exchange.
func (m *Manager) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	now := m.now()

	m.mu.Lock()
	at, ok := m.tokens[tok]
	if ok && now.After(at.ExpiresAt) {
		delete(m.tokens, tok)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return &tokenInfo{clientID: at.ClientID, scope: at.Scope}, nil
}

type tokenInfo struct {
	clientID string
	scope    string
}

func (t *tokenInfo) UserID() string { return t.clientID }
func (t *tokenInfo) Scope() string  { return t.scope }

// reap drops expired codes and tokens for memory hygiene.
func (m *Manager) reap() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for k, c := range m.codes {
				if c.Consumed || now.After(c.ExpiresAt) {
					delete(m.codes, k)
				}
			}
			for k, t := range m.tokens {
				if now.After(t.ExpiresAt) {
					delete(m.tokens, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// randomToken returns a 256-bit random value in unpadded base64url form.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy source: %w", err)
	}
	return strings.TrimRight(base64.RawURLEncoding.EncodeToString(buf), "="), nil
}
