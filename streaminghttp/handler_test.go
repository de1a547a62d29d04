package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/vantagedata/vantage-mcp/authz"
	"github.com/vantagedata/vantage-mcp/backend/demo"
	cachemem "github.com/vantagedata/vantage-mcp/cache/memory"
	"github.com/vantagedata/vantage-mcp/dispatch"
	"github.com/vantagedata/vantage-mcp/internal/jsonrpc"
	"github.com/vantagedata/vantage-mcp/mcp"
	"github.com/vantagedata/vantage-mcp/sessions"
	"github.com/vantagedata/vantage-mcp/sessions/memoryhost"
	"github.com/vantagedata/vantage-mcp/tools"
	"github.com/vantagedata/vantage-mcp/usage"
)

type env struct {
	srv   *httptest.Server
	authz *authz.Manager
	mgr   *sessions.Manager
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := cachemem.New()
	t.Cleanup(func() { _ = store.Close() })
	tracker := usage.NewTracker()

	reg, err := tools.BuildRegistry(tools.Deps{
		Backend:       demo.New(log),
		Cache:         store,
		Usage:         tracker,
		ServerVersion: "test",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	signer, err := sessions.NewGeneratedSigner("k1")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	mgr := sessions.NewManager(memoryhost.New(), signer, log)

	disp := dispatch.New(reg, store, tracker, mgr, log,
		mcp.ImplementationInfo{Name: "vantage-mcp", Version: "test"})

	am := authz.NewManager(authz.StaticClients{"client-a"})
	t.Cleanup(func() { _ = am.Close() })

	opts = append([]Option{
		WithLogger(log),
		WithServerInfo("vantage-mcp", "test"),
		WithOAuthEndpoints(am),
	}, opts...)

	h, err := New("http://127.0.0.1/mcp", disp, mgr, am, opts...)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, authz: am, mgr: mgr}
}

// obtainToken drives the full authorization-code flow over HTTP.
func (e *env) obtainToken(t *testing.T) string {
	t.Helper()

	cl := e.srv.Client()
	cl.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	res, err := cl.Get(e.srv.URL + "/authorize?response_type=code&client_id=client-a&redirect_uri=" +
		url.QueryEscape("https://a/cb") + "&state=s1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d", res.StatusCode)
	}
	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	code := loc.Query().Get("code")

	tokRes, err := http.PostForm(e.srv.URL+"/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"client-a"},
		"redirect_uri": {"https://a/cb"},
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer tokRes.Body.Close()
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(tokRes.Body).Decode(&body); err != nil {
		t.Fatalf("token body: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatal("empty access token")
	}
	return body.AccessToken
}

func (e *env) post(t *testing.T, tok, sessID string, payload string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return res
}

func decodeResponse(t *testing.T, res *http.Response) *jsonrpc.Response {
	t.Helper()
	defer res.Body.Close()
	var out jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &out
}

// initSession performs initialize plus the initialized notification and
// returns the session id.
func (e *env) initSession(t *testing.T, tok string) string {
	t.Helper()
	res := e.post(t, tok, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	sessID := res.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize response has no Mcp-Session-Id")
	}
	rpc := decodeResponse(t, res)
	if rpc.Error != nil {
		t.Fatalf("initialize: %v", rpc.Error)
	}

	note := e.post(t, tok, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	note.Body.Close()
	if note.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification status = %d, want 202", note.StatusCode)
	}
	return sessID
}

func TestUnauthenticatedRequestChallenged(t *testing.T) {
	e := newEnv(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	challenge := res.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Bearer") {
		t.Fatalf("challenge = %q", challenge)
	}
	if !strings.Contains(challenge, "oauth-protected-resource") {
		t.Fatalf("challenge missing resource metadata: %q", challenge)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	e := newEnv(t)

	res := e.post(t, "bogus-token", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	if !strings.Contains(res.Header.Get("WWW-Authenticate"), "invalid_token") {
		t.Fatalf("challenge = %q", res.Header.Get("WWW-Authenticate"))
	}
}

func TestFullSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	tok := e.obtainToken(t)
	sessID := e.initSession(t, tok)

	res := e.post(t, tok, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"vantage_workspaces"}}`)
	rpc := decodeResponse(t, res)
	if rpc.Error != nil {
		t.Fatalf("tools/call: %v", rpc.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "Finance Dashboard") {
		t.Fatalf("unexpected tool output: %+v", result.Content)
	}

	del, err := http.NewRequest(http.MethodDelete, e.srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	del.Header.Set("Authorization", "Bearer "+tok)
	del.Header.Set("Mcp-Session-Id", sessID)
	delRes, err := e.srv.Client().Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delRes.StatusCode)
	}

	// The id must be unusable after teardown.
	gone := e.post(t, tok, sessID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete status = %d, want 404", gone.StatusCode)
	}
}

func TestCallBeforeHandshakeCompletes(t *testing.T) {
	e := newEnv(t)
	tok := e.obtainToken(t)

	res := e.post(t, tok, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	sessID := res.Header.Get("Mcp-Session-Id")
	decodeResponse(t, res)

	// No notifications/initialized yet: tool calls are illegal.
	call := e.post(t, tok, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"vantage_workspaces"}}`)
	rpc := decodeResponse(t, call)
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeProtocolState {
		t.Fatalf("expected protocol state error, got %+v", rpc)
	}
}

func TestParseErrorResponse(t *testing.T) {
	e := newEnv(t)
	tok := e.obtainToken(t)

	res := e.post(t, tok, "", `{not json`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	rpc := decodeResponse(t, res)
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected -32700, got %+v", rpc)
	}
}

func TestPostRequiresJSONContentType(t *testing.T) {
	e := newEnv(t)
	tok := e.obtainToken(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+tok)
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", res.StatusCode)
	}
}

func TestSSEStreamDeliversMessagesAndHeartbeats(t *testing.T) {
	e := newEnv(t, WithHeartbeatInterval(50*time.Millisecond))
	tok := e.obtainToken(t)
	sessID := e.initSession(t, tok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)

	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	if _, err := e.mgr.Publish(context.Background(), sessID,
		[]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{}}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sc := bufio.NewScanner(res.Body)
	var sawHeartbeat, sawMessage bool
	for sc.Scan() && !(sawHeartbeat && sawMessage) {
		line := sc.Text()
		switch {
		case line == "event: heartbeat":
			sawHeartbeat = true
		case line == "event: message":
			sawMessage = true
		}
	}
	if !sawHeartbeat {
		t.Error("no heartbeat event observed")
	}
	if !sawMessage {
		t.Error("published message not delivered")
	}
}

func TestSSERequiresEventStreamAccept(t *testing.T) {
	e := newEnv(t)
	tok := e.obtainToken(t)
	sessID := e.initSession(t, tok)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", res.StatusCode)
	}
}

func TestWellKnownDocuments(t *testing.T) {
	e := newEnv(t)

	res, err := e.srv.Client().Get(e.srv.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var meta struct {
		Issuer                string `json:"issuer"`
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasSuffix(meta.AuthorizationEndpoint, "/authorize") || !strings.HasSuffix(meta.TokenEndpoint, "/token") {
		t.Fatalf("unexpected endpoints: %+v", meta)
	}

	prm, err := e.srv.Client().Get(e.srv.URL + "/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("get prm: %v", err)
	}
	prmBody, _ := io.ReadAll(prm.Body)
	prm.Body.Close()
	if prm.StatusCode != http.StatusOK || !bytes.Contains(prmBody, []byte(`"resource"`)) {
		t.Fatalf("prm: status %d body %s", prm.StatusCode, prmBody)
	}
}

func TestServiceDocument(t *testing.T) {
	e := newEnv(t)

	res, err := e.srv.Client().Get(e.srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var doc struct {
		Name            string            `json:"name"`
		ProtocolVersion string            `json:"protocol_version"`
		Endpoints       map[string]string `json:"endpoints"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Name != "vantage-mcp" || doc.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Endpoints["mcp"] == "" {
		t.Fatal("no mcp endpoint advertised")
	}
}
