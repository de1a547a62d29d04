// Command vantage-mcp runs the Vantage Analytics MCP server: analytics tools
// over the streamable HTTP transport, with the built-in OAuth authorization
// server or a delegated OIDC validator in front of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/vantagedata/vantage-mcp/auth"
	authoidc "github.com/vantagedata/vantage-mcp/auth/oidc"
	"github.com/vantagedata/vantage-mcp/authz"
	"github.com/vantagedata/vantage-mcp/backend"
	"github.com/vantagedata/vantage-mcp/backend/demo"
	"github.com/vantagedata/vantage-mcp/backend/live"
	"github.com/vantagedata/vantage-mcp/cache"
	cachemem "github.com/vantagedata/vantage-mcp/cache/memory"
	cacheredis "github.com/vantagedata/vantage-mcp/cache/redis"
	"github.com/vantagedata/vantage-mcp/dispatch"
	"github.com/vantagedata/vantage-mcp/internal/logctx"
	"github.com/vantagedata/vantage-mcp/mcp"
	"github.com/vantagedata/vantage-mcp/sessions"
	"github.com/vantagedata/vantage-mcp/sessions/memoryhost"
	"github.com/vantagedata/vantage-mcp/sessions/redishost"
	"github.com/vantagedata/vantage-mcp/streaminghttp"
	"github.com/vantagedata/vantage-mcp/tools"
	"github.com/vantagedata/vantage-mcp/usage"
)

const serverVersion = "1.0.0"

// Config is the process configuration, decoded from the environment.
type Config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	// PublicEndpoint is the externally visible MCP URL. ENV: MCP_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`
	// LogLevel is the initial slog level. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// CacheBackend selects "memory" or "redis". ENV: CACHE_BACKEND
	CacheBackend string `env:"CACHE_BACKEND,default=memory"`
	// SessionsBackend selects "memory" or "redis". ENV: SESSIONS_BACKEND
	SessionsBackend string `env:"SESSIONS_BACKEND,default=memory"`

	// DemoFixturePath optionally points at a JSON demo dataset that is
	// watched for live reload. ENV: DEMO_FIXTURE_PATH
	DemoFixturePath string `env:"DEMO_FIXTURE_PATH"`

	// OAuthClients is the comma-separated allow-list for the built-in
	// authorization server. ENV: OAUTH_CLIENTS
	OAuthClients string `env:"OAUTH_CLIENTS,default=vantage-cli"`

	// OIDCIssuer, when set, switches bearer validation to delegated OIDC
	// access tokens instead of the built-in token store. ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// OIDCAudience is the expected aud claim for delegated tokens.
	// ENV: OIDC_AUDIENCE
	OIDCAudience string `env:"OIDC_AUDIENCE"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.LogLevel))
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}),
	})
	slog.SetDefault(log)

	db, closeBackend, err := buildBackend(log, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	log.Info("backend.selected", slog.String("mode", db.Mode()))

	store, err := buildCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := usage.NewTracker()

	reg, err := tools.BuildRegistry(tools.Deps{
		Backend:       db,
		Cache:         store,
		Usage:         tracker,
		ServerVersion: serverVersion,
	})
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	host, err := buildHost(cfg)
	if err != nil {
		return err
	}
	defer host.Close()

	signer, err := sessions.NewGeneratedSigner("boot")
	if err != nil {
		return err
	}
	mgr := sessions.NewManager(host, signer, log)

	disp := dispatch.New(reg, store, tracker, mgr, log,
		mcp.ImplementationInfo{Name: "vantage-mcp", Version: serverVersion, Title: "Vantage Analytics MCP Server"},
		dispatch.WithLogLevelVar(levelVar),
	)

	am := authz.NewManager(authz.StaticClients(splitCSV(cfg.OAuthClients)))
	defer am.Close()

	authenticator, err := buildAuthenticator(ctx, cfg, am)
	if err != nil {
		return err
	}

	h, err := streaminghttp.New(cfg.PublicEndpoint, disp, mgr, authenticator,
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerInfo("vantage-mcp", serverVersion),
		streaminghttp.WithRealm("vantage"),
		streaminghttp.WithOAuthEndpoints(am),
	)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown.begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

// buildBackend prefers the live API when credentials are configured and
// falls back to demo data otherwise.
func buildBackend(log *slog.Logger, cfg Config) (backend.DataBackend, func(), error) {
	liveCfg := live.ConfigFromEnv()
	if liveCfg.Configured() {
		b, err := live.New(log, liveCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("live backend: %w", err)
		}
		return b, func() {}, nil
	}

	if cfg.DemoFixturePath != "" {
		b, err := demo.NewFromFile(log, cfg.DemoFixturePath)
		if err != nil {
			return nil, nil, fmt.Errorf("demo backend: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	}
	b := demo.New(log)
	return b, func() { _ = b.Close() }, nil
}

func buildCache(cfg Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "redis":
		return cacheredis.NewFromEnv()
	case "memory", "":
		return cachemem.New(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func buildHost(cfg Config) (sessions.Host, error) {
	switch cfg.SessionsBackend {
	case "redis":
		return redishost.NewFromEnv()
	case "memory", "":
		return memoryhost.New(), nil
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.SessionsBackend)
	}
}

// buildAuthenticator uses delegated OIDC validation when an issuer is
// configured, otherwise the built-in token store.
func buildAuthenticator(ctx context.Context, cfg Config, am *authz.Manager) (auth.Authenticator, error) {
	if cfg.OIDCIssuer == "" {
		return am, nil
	}
	audience := cfg.OIDCAudience
	if audience == "" {
		audience = cfg.PublicEndpoint
	}
	a, err := authoidc.New(ctx, authoidc.Config{
		Issuer:   cfg.OIDCIssuer,
		Audience: audience,
	})
	if err != nil {
		return nil, fmt.Errorf("oidc: %w", err)
	}
	return a, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
