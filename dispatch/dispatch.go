// Package dispatch routes JSON-RPC requests to their handlers. It owns the
// session phase machine enforcement and the tools/call pipeline: argument
// validation, cache lookup, handler invocation with a deadline, cache write
// and usage recording, in that order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/vantagedata/vantage-mcp/cache"
	"github.com/vantagedata/vantage-mcp/content"
	"github.com/vantagedata/vantage-mcp/internal/jsonrpc"
	"github.com/vantagedata/vantage-mcp/internal/logctx"
	"github.com/vantagedata/vantage-mcp/mcp"
	"github.com/vantagedata/vantage-mcp/registry"
	"github.com/vantagedata/vantage-mcp/sessions"
	"github.com/vantagedata/vantage-mcp/usage"
)

// DefaultCallTimeout bounds a single tool handler invocation.
const DefaultCallTimeout = 30 * time.Second

const msgServerNotInitialized = "server not initialized"

// Dispatcher executes protocol methods against its collaborators. It is
// stateless per request; all per-connection state lives in the session.
type Dispatcher struct {
	registry    *registry.Registry
	cache       cache.Store
	usage       *usage.Tracker
	sessions    *sessions.Manager
	log         *slog.Logger
	logLevel    *slog.LevelVar
	serverInfo  mcp.ImplementationInfo
	callTimeout time.Duration
}

type newConfig struct {
	logLevel    *slog.LevelVar
	callTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*newConfig)

// WithLogLevelVar lets logging/setLevel adjust the process-wide slog level.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(c *newConfig) { c.logLevel = v }
}

// WithCallTimeout overrides the per-invocation tool deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.callTimeout = d }
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, store cache.Store, tracker *usage.Tracker, mgr *sessions.Manager, log *slog.Logger, serverInfo mcp.ImplementationInfo, opts ...Option) *Dispatcher {
	cfg := newConfig{callTimeout: DefaultCallTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	return &Dispatcher{
		registry:    reg,
		cache:       store,
		usage:       tracker,
		sessions:    mgr,
		log:         log,
		logLevel:    cfg.logLevel,
		serverInfo:  serverInfo,
		callTimeout: cfg.callTimeout,
	}
}

// Dispatch executes one request or notification against the session and
// returns the response to send, or nil for notifications. Protocol errors
// are returned as JSON-RPC error responses, never as Go errors.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   messageType(req),
	})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		ProtocolVersion: sess.ProtocolVersion,
		Phase:           string(sess.Phase),
	})

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return d.handleInitialize(ctx, sess, req)
	case mcp.InitializedNotificationMethod:
		d.handleInitialized(ctx, sess)
		return nil
	case mcp.PingMethod:
		return d.result(ctx, req, struct{}{})
	case mcp.CancelledNotificationMethod:
		// Requests run synchronously within the POST; nothing to cancel.
		return nil
	}

	// Everything below requires a completed handshake.
	if sess.Phase != sessions.PhaseReady {
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeProtocolState, msgServerNotInitialized, nil)
	}

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return d.result(ctx, req, &mcp.ListToolsResult{Tools: d.registry.List()})
	case mcp.ToolsCallMethod:
		return d.handleToolsCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		return d.result(ctx, req, &mcp.ListResourcesResult{Resources: content.Resources()})
	case mcp.ResourcesReadMethod:
		return d.handleResourcesRead(ctx, req)
	case mcp.PromptsListMethod:
		return d.result(ctx, req, &mcp.ListPromptsResult{Prompts: content.Prompts()})
	case mcp.PromptsGetMethod:
		return d.handlePromptsGet(ctx, req)
	case mcp.LoggingSetLevelMethod:
		return d.handleSetLevel(ctx, sess, req)
	}

	if req.IsNotification() {
		d.log.DebugContext(ctx, "rpc.notification.ignored")
		return nil
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
}

func (d *Dispatcher) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.Phase != sessions.PhaseInitializing {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	// Version negotiation: echo a supported request, otherwise counter with
	// the latest revision we implement.
	version := params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}
	if sess.ProtocolVersion != version {
		sess.ProtocolVersion = version
		if err := d.sessions.Save(ctx, sess); err != nil {
			d.log.ErrorContext(ctx, "session.save.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}

	d.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version))

	return d.result(ctx, req, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
			Resources: &struct {
				ListChanged bool `json:"listChanged"`
				Subscribe   bool `json:"subscribe"`
			}{},
			Prompts: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
		},
		ServerInfo:   d.serverInfo,
		Instructions: "Analytics tools for Vantage BI. Call vantage_workspaces to discover data, then vantage_query to run queries.",
	})
}

func (d *Dispatcher) handleInitialized(ctx context.Context, sess *sessions.Session) {
	if err := d.sessions.Advance(ctx, sess, sessions.PhaseReady); err != nil {
		d.log.WarnContext(ctx, "session.ready.fail", slog.String("err", err.Error()))
		return
	}
	d.log.InfoContext(ctx, "session.ready")
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}

	def, err := d.registry.Resolve(params.Name)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "unknown tool: "+params.Name, nil)
	}

	// Validation precedes the cache lookup and the invocation; a rejected
	// call has no side effects and is not recorded as an invocation.
	if err := registry.ValidateArguments(def.Descriptor.InputSchema, params.Arguments); err != nil {
		var argErr *registry.InvalidArgumentsError
		if errors.As(err, &argErr) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, argErr.Error(), nil)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	key := cache.Key(params.Name, params.Arguments)

	if def.TTL > 0 {
		entry, err := d.cache.Get(ctx, key)
		if err != nil {
			d.log.WarnContext(ctx, "tool.cache.get.fail", slog.String("err", err.Error()))
		} else if entry != nil {
			ctx := logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name, CacheHit: true})
			d.usage.Observe(usage.Record{Tool: params.Name, CacheHit: true})
			d.log.InfoContext(ctx, "tool.call.ok")
			return d.result(ctx, req, textResult(string(entry.Value)))
		}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	started := time.Now()
	value, err := def.Handler(callCtx, params.Arguments)
	elapsed := time.Since(started)

	if err != nil {
		d.usage.Observe(usage.Record{Tool: params.Name, Elapsed: elapsed, Failed: true})
		var argErr *registry.InvalidArgumentsError
		if errors.As(err, &argErr) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, argErr.Error(), nil)
		}
		// Backend details stay in the log; the wire carries a redacted message.
		d.log.ErrorContext(ctx, "tool.call.fail",
			slog.String("err", err.Error()),
			slog.Duration("elapsed", elapsed))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		d.usage.Observe(usage.Record{Tool: params.Name, Elapsed: elapsed, Failed: true})
		d.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	d.usage.Observe(usage.Record{Tool: params.Name, Elapsed: elapsed})

	if def.TTL > 0 {
		if err := d.cache.Put(ctx, key, payload, def.TTL); err != nil {
			d.log.WarnContext(ctx, "tool.cache.put.fail", slog.String("err", err.Error()))
		}
	}

	d.log.InfoContext(ctx, "tool.call.ok", slog.Duration("elapsed", elapsed))
	return d.result(ctx, req, textResult(string(payload)))
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resources/read params", nil)
	}
	contents, err := content.ReadResource(params.URI)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	return d.result(ctx, req, &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{*contents}})
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid prompts/get params", nil)
	}
	msgs, err := content.GetPrompt(params.Name, params.Arguments)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	return d.result(ctx, req, &mcp.GetPromptResult{Messages: msgs})
}

func (d *Dispatcher) handleSetLevel(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || !mcp.IsValidLoggingLevel(params.Level) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid logging level", nil)
	}
	if err := d.sessions.SetLogLevel(ctx, sess, params.Level); err != nil {
		d.log.ErrorContext(ctx, "session.save.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if d.logLevel != nil {
		d.logLevel.Set(slogLevel(params.Level))
	}
	d.log.InfoContext(ctx, "logging.level.set", slog.String("level", string(params.Level)))
	return d.result(ctx, req, struct{}{})
}

func (d *Dispatcher) result(ctx context.Context, req *jsonrpc.Request, value any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(req.ID, value)
	if err != nil {
		d.log.ErrorContext(ctx, "rpc.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	}
}

func messageType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}

func slogLevel(l mcp.LoggingLevel) slog.Level {
	switch l {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
