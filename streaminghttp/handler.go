package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/vantagedata/vantage-mcp/auth"
	"github.com/vantagedata/vantage-mcp/authz"
	"github.com/vantagedata/vantage-mcp/dispatch"
	"github.com/vantagedata/vantage-mcp/internal/jsonrpc"
	"github.com/vantagedata/vantage-mcp/internal/logctx"
	"github.com/vantagedata/vantage-mcp/internal/wellknown"
	"github.com/vantagedata/vantage-mcp/mcp"
	"github.com/vantagedata/vantage-mcp/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

// DefaultHeartbeatInterval is how often the SSE stream emits a heartbeat
// event when no messages are flowing.
const DefaultHeartbeatInterval = 15 * time.Second

type newConfig struct {
	logger        *slog.Logger
	serverName    string
	serverVersion string
	realm         string
	heartbeat     time.Duration
	oauth         *authz.Manager
}

// Option configures optional handler behavior.
type Option func(*newConfig)

// WithLogger sets the base logger. Context enrichment is applied on top.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithServerInfo sets the advertised server name and version.
func WithServerInfo(name, version string) Option {
	return func(c *newConfig) { c.serverName, c.serverVersion = name, version }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = realm }
}

// WithHeartbeatInterval overrides the SSE heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *newConfig) { c.heartbeat = d }
}

// WithOAuthEndpoints mounts the manager's /authorize and /token endpoints on
// this handler. The authorization-server metadata already points at them.
func WithOAuthEndpoints(m *authz.Manager) Option {
	return func(c *newConfig) { c.oauth = m }
}

// Handler is the streamable HTTP transport: POST for JSON-RPC exchange, GET
// for the SSE stream, DELETE for session teardown, plus the well-known
// discovery documents and optionally the OAuth endpoints.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	auth     auth.Authenticator
	disp     *dispatch.Dispatcher
	sessions *sessions.Manager

	serverURL          *url.URL
	prmDocument        wellknown.ProtectedResourceMetadata
	prmDocumentURL     *url.URL
	authServerMetadata wellknown.AuthServerMetadata
	serviceDocument    wellknown.ServiceDocument
	realm              string
	heartbeat          time.Duration
}

// New constructs a Handler serving the MCP endpoint at publicEndpoint's path.
func New(publicEndpoint string, disp *dispatch.Dispatcher, mgr *sessions.Manager, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if disp == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{
		logger:        slog.Default(),
		serverName:    "vantage-mcp",
		serverVersion: "dev",
		heartbeat:     DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		auth:      authenticator,
		disp:      disp,
		sessions:  mgr,
		serverURL: mcpURL,
		realm:     cfg.realm,
		heartbeat: cfg.heartbeat,
	}

	origin := &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host}
	h.prmDocumentURL = origin.JoinPath("/.well-known/oauth-protected-resource" + pathOnly(mcpURL))

	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:               mcpURL.String(),
		AuthorizationServers:   []string{origin.String()},
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           cfg.serverName,
	}
	h.authServerMetadata = wellknown.AuthServerMetadata{
		Issuer:                            origin.String(),
		AuthorizationEndpoint:             origin.JoinPath("/authorize").String(),
		TokenEndpoint:                     origin.JoinPath("/token").String(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
	h.serviceDocument = wellknown.ServiceDocument{
		Name:            cfg.serverName,
		Version:         cfg.serverVersion,
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: map[string]bool{
			"tools":     true,
			"resources": true,
			"prompts":   true,
			"logging":   true,
		},
		Endpoints: map[string]string{
			"mcp":       mcpURL.String(),
			"authorize": h.authServerMetadata.AuthorizationEndpoint,
			"token":     h.authServerMetadata.TokenEndpoint,
		},
	}

	mux := http.NewServeMux()
	mcpPath := pathOnly(mcpURL)
	mux.HandleFunc(fmt.Sprintf("POST %s", mcpPath), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", mcpPath), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", mcpPath), h.handleDeleteMCP)

	prmPath := pathOnly(h.prmDocumentURL)
	mux.HandleFunc(fmt.Sprintf("GET %s", prmPath), h.handleGetProtectedResourceMetadata)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", prmPath), h.handleOptionsWellKnown)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleGetAuthorizationServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", h.handleOptionsWellKnown)

	if mcpPath != "/" {
		mux.HandleFunc("GET /{$}", h.handleGetServiceDocument)
	}

	if cfg.oauth != nil {
		mux.Handle("GET /authorize", cfg.oauth.AuthorizeHandler(h.log))
		mux.Handle("POST /token", cfg.oauth.TokenHandler(h.log))
	}

	h.mux = mux
	return h, nil
}

func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// handlePostMCP accepts one JSON-RPC request or notification per POST and
// answers with a plain application/json body. An initialize request without
// a session header mints the session and returns its id in Mcp-Session-Id.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.EqualsMIME(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.log.InfoContext(ctx, "rpc.inbound.parse.fail", slog.String("err", err.Error()))
		writeResponse(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeResponse(w, http.StatusBadRequest,
			jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "expected a request or notification", nil))
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)

	var sess *sessions.Session
	if mcp.Method(req.Method) == mcp.InitializeMethod && sessID == "" {
		var params mcp.InitializeRequest
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		sess, err = h.sessions.Create(ctx, userInfo.UserID(), params.ProtocolVersion,
			params.ClientInfo.Name, params.ClientInfo.Version)
		if err != nil {
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			writeResponse(w, http.StatusInternalServerError,
				jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
			return
		}
		w.Header().Set(mcpSessionIDHeader, sess.ID)
	} else {
		if sessID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
			return
		}
		sess = h.loadSession(ctx, w, sessID, userInfo)
		if sess == nil {
			return
		}
	}

	res := h.disp.Dispatch(ctx, sess, req)
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, http.StatusOK, res)
}

// handleGetMCP serves the persistent SSE stream for a session: data frames
// carry server-to-client JSON-RPC messages under the "message" event name,
// and a distinct heartbeat event keeps intermediaries from timing the
// stream out.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "Accept must include text/event-stream")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		return
	}
	sess := h.loadSession(ctx, w, sessID, userInfo)
	if sess == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcpSessionIDHeader, sess.ID)
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: streamCtx}

	h.log.InfoContext(ctx, "sse.stream.open")

	heartbeats := time.NewTicker(h.heartbeat)
	defer heartbeats.Stop()
	go func() {
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-heartbeats.C:
				if err := writeSSEEvent(wf, "heartbeat", "", []byte("{}")); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	lastEventID := r.Header.Get(lastEventIDHeader)
	err := h.sessions.Subscribe(streamCtx, sess.ID, lastEventID, func(ctx context.Context, msgID string, payload []byte) error {
		return writeSSEEvent(wf, "message", msgID, payload)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.close")
}

// handleDeleteMCP tears the session down: the record is removed, the stream
// is dropped, and the session id is no longer usable.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		return
	}
	sess := h.loadSession(ctx, w, sessID, userInfo)
	if sess == nil {
		return
	}

	if err := h.sessions.Delete(ctx, sess.ID); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.InfoContext(ctx, "session.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}

// loadSession resolves the session and enforces ownership. On failure it
// writes the error response and returns nil.
func (h *Handler) loadSession(ctx context.Context, w http.ResponseWriter, sessID string, userInfo auth.UserInfo) *sessions.Session {
	sess, err := h.sessions.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, sessions.ErrSessionOwnership):
			// Do not reveal that the id exists.
			writeJSONError(w, http.StatusNotFound, "session not found")
		default:
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return nil
	}
	return sess
}

func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.prmDocument)
}

func (h *Handler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.authServerMetadata)
}

func (h *Handler) handleOptionsWellKnown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetServiceDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.serviceDocument)
}

// checkAuthentication validates the bearer credential and writes the RFC
// 6750 challenge responses itself; a nil return means the response is done.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no credentials means a bare challenge without an
		// error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(), nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(),
			map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(),
				map[string]string{"error": "invalid_token"}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(),
				map[string]string{"error": "insufficient_scope"}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	return userInfo
}

// buildBearerChallenge builds a Bearer challenge header value. Go map
// iteration is randomized, so the known params are emitted in a fixed order.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

type httpError struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpError{Error: msg})
}

func writeResponse(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// lockedWriteFlusher serializes concurrent writes/flushes to the SSE stream
// and refuses to write after the stream context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one SSE frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event, msgID string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
