package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vantagedata/vantage-mcp/auth"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(StaticClients{"client-a", "client-b"}, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAuthorizeUnknownClient(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Authorize(context.Background(), "nobody", "https://a/cb", "s1")
	if !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("expected ErrInvalidClient, got %v", err)
	}
}

func TestExchangeHappyPath(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	code, err := m.Authorize(ctx, "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if len(code.Code) < 32 {
		t.Fatalf("code too short for 128-bit entropy: %d chars", len(code.Code))
	}

	tok, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.Token == "" {
		t.Fatal("empty access token")
	}

	info, err := m.CheckAuthentication(ctx, tok.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if info.UserID() != "client-a" {
		t.Fatalf("user id = %q, want client-a", info.UserID())
	}
}

func TestExchangeConsumeOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	code, err := m.Authorize(ctx, "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb"); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("second exchange: expected ErrInvalidGrant, got %v", err)
	}
}

func TestExchangeConsumeOnceConcurrent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	code, err := m.Authorize(ctx, "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var n int
	for range successes {
		n++
	}
	if n != 1 {
		t.Fatalf("concurrent exchange succeeded %d times, want exactly 1", n)
	}
}

func TestExchangeClientBinding(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	code, err := m.Authorize(ctx, "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := m.Exchange(ctx, code.Code, "client-b", "https://a/cb"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("mismatched client: expected ErrInvalidGrant, got %v", err)
	}
	if _, err := m.Exchange(ctx, code.Code, "client-a", "https://evil/cb"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("mismatched redirect: expected ErrInvalidGrant, got %v", err)
	}
	// The failed attempts must not have consumed the code.
	if _, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb"); err != nil {
		t.Fatalf("exchange after mismatches: %v", err)
	}
}

func TestExpiredCodeRejected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := newTestManager(t, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	code, err := m.Authorize(ctx, "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	clock = func() time.Time { return now.Add(DefaultCodeTTL + time.Second) }
	if _, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expired code: expected ErrInvalidGrant, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := newTestManager(t, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	code, err := m.Authorize(ctx, "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	tok, err := m.Exchange(ctx, code.Code, "client-a", "https://a/cb")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if _, err := m.CheckAuthentication(ctx, tok.Token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	clock = func() time.Time { return now.Add(DefaultTokenTTL + time.Second) }
	if _, err := m.CheckAuthentication(ctx, tok.Token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expired token: expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthorizeHandlerRedirect(t *testing.T) {
	m := newTestManager(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(m.AuthorizeHandler(log))
	defer srv.Close()

	cl := srv.Client()
	cl.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	res, err := cl.Get(srv.URL + "?response_type=code&client_id=client-a&redirect_uri=" +
		url.QueryEscape("https://a/cb") + "&state=s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", res.StatusCode)
	}
	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc.Query().Get("code") == "" {
		t.Fatal("redirect carries no code")
	}
	if got := loc.Query().Get("state"); got != "s1" {
		t.Fatalf("state = %q, want s1", got)
	}
}

func TestTokenHandlerFlow(t *testing.T) {
	m := newTestManager(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(m.TokenHandler(log))
	defer srv.Close()

	code, err := m.Authorize(context.Background(), "client-a", "https://a/cb", "s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code.Code},
		"client_id":    {"client-a"},
		"redirect_uri": {"https://a/cb"},
	}
	res, err := http.PostForm(srv.URL, form)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.StatusCode, body)
	}
	s := string(body)
	if !strings.Contains(s, `"token_type":"Bearer"`) || !strings.Contains(s, `"expires_in":3600`) {
		t.Fatalf("unexpected token response: %s", s)
	}

	// Replay must fail with the opaque invalid_grant error.
	res2, err := http.PostForm(srv.URL, form)
	if err != nil {
		t.Fatalf("post replay: %v", err)
	}
	body2, _ := io.ReadAll(res2.Body)
	res2.Body.Close()
	if res2.StatusCode != http.StatusBadRequest || !strings.Contains(string(body2), "invalid_grant") {
		t.Fatalf("replay: status %d body %s", res2.StatusCode, body2)
	}
}
