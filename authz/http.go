package authz

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/vantagedata/vantage-mcp/internal/logctx"
)

// AuthorizeHandler serves GET /authorize. On success it issues a code and
// redirects the user agent to redirect_uri with code and state appended.
// Errors that occur before the client is validated are returned to the user
// agent directly; a recognized client with a bad request gets an OAuth error
// redirect per RFC 6749 §4.1.2.1.
func (m *Manager) AuthorizeHandler(log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		state := q.Get("state")

		ctx := logctx.WithOAuthData(r.Context(), &logctx.OAuthData{ClientID: clientID, GrantType: "authorization_code"})

		if q.Get("response_type") != "code" {
			log.WarnContext(ctx, "oauth.authorize.reject", slog.String("reason", "unsupported_response_type"))
			http.Error(w, "unsupported response_type", http.StatusBadRequest)
			return
		}
		if _, err := url.ParseRequestURI(redirectURI); err != nil {
			log.WarnContext(ctx, "oauth.authorize.reject", slog.String("reason", "bad_redirect_uri"))
			http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
			return
		}

		code, err := m.Authorize(ctx, clientID, redirectURI, state)
		if err != nil {
			if errors.Is(err, ErrInvalidClient) {
				log.WarnContext(ctx, "oauth.authorize.reject", slog.String("reason", "invalid_client"))
				http.Error(w, "unauthorized_client", http.StatusUnauthorized)
				return
			}
			log.ErrorContext(ctx, "oauth.authorize.fail", slog.String("err", err.Error()))
			http.Error(w, "server_error", http.StatusInternalServerError)
			return
		}

		loc, _ := url.Parse(redirectURI)
		v := loc.Query()
		v.Set("code", code.Code)
		if state != "" {
			v.Set("state", state)
		}
		loc.RawQuery = v.Encode()

		log.InfoContext(ctx, "oauth.authorize.ok")
		http.Redirect(w, r, loc.String(), http.StatusFound)
	})
}

// tokenError is the RFC 6749 §5.2 error body.
type tokenError struct {
	Error string `json:"error"`
}

// tokenResponse is the RFC 6749 §5.1 success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// TokenHandler serves POST /token with a form-encoded authorization_code
// grant. Every grant failure maps to the single "invalid_grant" error so a
// caller cannot distinguish an unknown code from a consumed one or probe for
// registered client ids.
func (m *Manager) TokenHandler(log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			writeTokenError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		grantType := r.PostFormValue("grant_type")
		code := r.PostFormValue("code")
		clientID := r.PostFormValue("client_id")
		redirectURI := r.PostFormValue("redirect_uri")

		ctx := logctx.WithOAuthData(r.Context(), &logctx.OAuthData{ClientID: clientID, GrantType: grantType})

		if grantType != "authorization_code" {
			log.WarnContext(ctx, "oauth.token.reject", slog.String("reason", "unsupported_grant_type"))
			writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type")
			return
		}
		if code == "" || clientID == "" || redirectURI == "" {
			writeTokenError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		tok, err := m.Exchange(ctx, code, clientID, redirectURI)
		if err != nil {
			if errors.Is(err, ErrInvalidGrant) {
				log.WarnContext(ctx, "oauth.token.reject", slog.String("reason", "invalid_grant"))
				writeTokenError(w, http.StatusBadRequest, "invalid_grant")
				return
			}
			log.ErrorContext(ctx, "oauth.token.fail", slog.String("err", err.Error()))
			writeTokenError(w, http.StatusInternalServerError, "server_error")
			return
		}

		log.InfoContext(ctx, "oauth.token.ok")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: tok.Token,
			TokenType:   "Bearer",
			ExpiresIn:   int(m.tokenTTL.Seconds()),
			Scope:       tok.Scope,
		})
	})
}

func writeTokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(tokenError{Error: code})
}
