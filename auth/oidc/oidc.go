// Package oidc validates delegated end-user access tokens (RFC 9068 JWTs)
// against an upstream identity provider discovered via OpenID Connect. It is
// the auth.Authenticator to use when the analytics deployment owns identity
// in an external IdP instead of this server's own /authorize + /token flow.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vantagedata/vantage-mcp/auth"
)

// Config controls validation behavior for delegated access tokens.
type Config struct {
	// Issuer is the authorization server issuer URL used for discovery.
	Issuer string
	// Audience is the expected "aud" claim, typically the public MCP
	// endpoint URL registered with the IdP.
	Audience string
	// RequiredScopes must all be present in the space-delimited scope claim.
	RequiredScopes []string
	// AllowedAlgs restricts accepted JWS algorithms. Defaults to RS256.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance for time-based claims.
	Leeway time.Duration
}

// Authenticator validates RFC 9068 access tokens using JWKS keys discovered
// from the issuer and auto-refreshed in the background.
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New performs OIDC discovery against cfg.Issuer and constructs the
// Authenticator. Discovery must yield a jwks_uri.
func New(ctx context.Context, cfg Config) (*Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	a := &Authenticator{cfg: cfg}
	a.keyfunc = func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, allowed := range cfg.AllowedAlgs {
			if alg == allowed {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
	return a, nil
}

// CheckAuthentication verifies signature, issuer, audience, expiry and
// scope policy, and returns the token's subject as the user identity.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(a.cfg.Leeway),
	)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}

	// RFC 9068 typ header check.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", auth.ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrUnauthorized)
	}

	scopeStr, _ := claims["scope"].(string)
	if len(a.cfg.RequiredScopes) > 0 {
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		for _, want := range a.cfg.RequiredScopes {
			if !have[want] {
				return nil, auth.ErrInsufficientScope
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}

	return &userInfo{sub: sub, scope: scopeStr}, nil
}

type userInfo struct {
	sub   string
	scope string
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Scope() string  { return u.scope }
