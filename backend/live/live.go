// Package live implements the DataBackend against the Vantage BI REST API.
// It authenticates with a client-credentials grant and caches the service
// token until shortly before expiry.
package live

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
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/vantagedata/vantage-mcp/backend"
)

// Config carries the live API credentials and endpoints.
type Config struct {
	// APIBaseURL like "https://api.vantagebi.example/v1". ENV: VANTAGE_API_URL
	APIBaseURL string `env:"VANTAGE_API_URL"`
	// TokenURL of the client-credentials token endpoint. ENV: VANTAGE_TOKEN_URL
	TokenURL string `env:"VANTAGE_TOKEN_URL"`
	// ClientID of the service principal. ENV: VANTAGE_CLIENT_ID
	ClientID string `env:"VANTAGE_CLIENT_ID"`
	// ClientSecret of the service principal. ENV: VANTAGE_CLIENT_SECRET
	ClientSecret string `env:"VANTAGE_CLIENT_SECRET"`
	// Scope requested for the service token. ENV: VANTAGE_API_SCOPE
	Scope string `env:"VANTAGE_API_SCOPE,default=analytics.read"`
}

// ConfigFromEnv loads Config via envdecode. Missing credentials are not an
// error here; Configured reports whether the result is usable.
func ConfigFromEnv() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return cfg
}

// Configured reports whether enough settings are present to reach the API.
func (c Config) Configured() bool {
	return c.APIBaseURL != "" && c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// Backend calls the live analytics REST API.
type Backend struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	tokMu     sync.Mutex
	tok       string
	tokExpiry time.Time
}

var _ backend.DataBackend = (*Backend)(nil)

// New constructs a Backend. cfg must be Configured.
func New(log *slog.Logger, cfg Config) (*Backend, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("live backend requires api url, token url and client credentials")
	}
	return &Backend{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}, nil
}

func (b *Backend) Mode() string { return "live" }

// token returns a cached service token, refreshing it when it is within a
// minute of expiry.
func (b *Backend) token(ctx context.Context) (string, error) {
	b.tokMu.Lock()
	defer b.tokMu.Unlock()

	if b.tok != "" && time.Until(b.tokExpiry) > time.Minute {
		return b.tok, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {b.cfg.ClientID},
		"client_secret": {b.cfg.ClientSecret},
		"scope":         {b.cfg.Scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: status %d", res.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token response: empty access_token")
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}

	b.tok = body.AccessToken
	b.tokExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	b.log.Debug("live.token.refresh", slog.Time("expires_at", b.tokExpiry))
	return b.tok, nil
}

func (b *Backend) get(ctx context.Context, path string, out any) error {
	tok, err := b.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	res, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("api get %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return backend.ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("api get %s: status %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (b *Backend) post(ctx context.Context, path string, payload, out any) error {
	tok, err := b.token(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.APIBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	res, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("api post %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return backend.ErrNotFound
	}
	if res.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return fmt.Errorf("api post %s: status %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (b *Backend) Health(ctx context.Context) (*backend.Health, error) {
	h := &backend.Health{Status: "healthy", Configured: true, Mode: b.Mode()}
	if _, err := b.token(ctx); err != nil {
		h.Status = "degraded"
		h.Configured = false
		b.log.Warn("live.health.token.fail", slog.String("err", err.Error()))
	}
	return h, nil
}

func (b *Backend) Workspaces(ctx context.Context) ([]backend.Workspace, error) {
	var body struct {
		Value []backend.Workspace `json:"value"`
	}
	if err := b.get(ctx, "/workspaces", &body); err != nil {
		return nil, err
	}
	return body.Value, nil
}

func (b *Backend) Datasets(ctx context.Context, workspaceID string) ([]backend.Dataset, error) {
	path := "/datasets"
	if workspaceID != "" {
		path = "/workspaces/" + url.PathEscape(workspaceID) + "/datasets"
	}
	var body struct {
		Value []backend.Dataset `json:"value"`
	}
	if err := b.get(ctx, path, &body); err != nil {
		return nil, err
	}
	for i := range body.Value {
		if body.Value[i].WorkspaceID == "" {
			body.Value[i].WorkspaceID = workspaceID
		}
	}
	return body.Value, nil
}

func (b *Backend) Query(ctx context.Context, datasetID, workspaceID, query string) (*backend.QueryResult, error) {
	path := "/datasets/" + url.PathEscape(datasetID) + "/query"
	if workspaceID != "" {
		path = "/workspaces/" + url.PathEscape(workspaceID) + path
	}
	payload := map[string]any{"queries": []map[string]string{{"query": query}}}
	var body struct {
		Results []struct {
			Rows []map[string]any `json:"rows"`
		} `json:"results"`
	}
	if err := b.post(ctx, path, payload, &body); err != nil {
		return nil, err
	}
	res := &backend.QueryResult{DatasetID: datasetID, Query: query}
	for _, r := range body.Results {
		res.Rows = append(res.Rows, r.Rows...)
	}
	return res, nil
}
