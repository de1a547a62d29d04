// Package auth defines the bearer-authentication seam between the transport
// layer and whatever mints or validates credentials. The transport only ever
// sees this interface; the local OAuth session manager (package authz) and
// the OIDC delegated validator (package auth/oidc) both satisfy it.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Scope returns the space-delimited scopes granted to the credential.
	Scope() string
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials. Validation must
// be cheap enough to run on every protected call.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
