// ABOUTME: Tests for the forwarding gateway.
// ABOUTME: Covers resolution, target validation, credentials, streaming, and errors.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapDirectory is a fixed in-memory server directory.
type mapDirectory map[string]*UpstreamServer

func (d mapDirectory) GetMCPServer(name string) *UpstreamServer {
	return d[strings.ToLower(name)]
}

// staticSource is a credential source with a fixed token.
type staticSource struct {
	token string
}

func (s staticSource) IsAuthorized() bool { return s.token != "" }

func (s staticSource) AccessToken() (string, bool) { return s.token, s.token != "" }

func newTestGateway(t *testing.T, dir mapDirectory) *Gateway {
	t.Helper()
	g, err := New(Config{Directory: dir})
	require.NoError(t, err)
	return g
}

func TestForward_UnknownServer(t *testing.T) {
	g := newTestGateway(t, mapDirectory{})

	_, err := g.Forward(context.Background(), Request{ServerName: "nope", HTTPMethod: http.MethodPost, RPCMethod: "tools/list"})

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.Server)
}

func TestForward_ProxyDisabled(t *testing.T) {
	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: "https://up.example/mcp", ProxyEnabled: false},
	})

	_, err := g.Forward(context.Background(), Request{ServerName: "jira", HTTPMethod: http.MethodPost, RPCMethod: "tools/list"})

	var br *BadRequestError
	require.ErrorAs(t, err, &br)
	assert.Contains(t, br.Reason, "jira")
}

func TestForward_TargetValidation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL + "/mcp", ProxyEnabled: true},
	})

	tests := []struct {
		name   string
		target string
	}{
		{"different host", "https://evil.example/steal"},
		{"different scheme", strings.Replace(upstream.URL, "http://", "ftp://", 1) + "/mcp"},
		{"different port", "http://127.0.0.1:1/mcp"},
		{"traversal", upstream.URL + "/../etc/passwd"},
		{"relative", "/mcp/messages"},
		{"garbage", "::not a url::"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Forward(context.Background(), Request{
				ServerName: "jira",
				Target:     tt.target,
				HTTPMethod: http.MethodPost,
				RPCMethod:  "tools/list",
			})
			var br *BadRequestError
			require.ErrorAs(t, err, &br)
		})
	}

	// A matching target is accepted.
	res, err := g.Forward(context.Background(), Request{
		ServerName: "jira",
		Target:     upstream.URL + "/mcp/messages?sessionId=abc",
		HTTPMethod: http.MethodPost,
		RPCMethod:  "tools/list",
	})
	require.NoError(t, err)
	assert.False(t, res.Streaming)
	assert.JSONEq(t, `{"ok":true}`, string(res.Value))
}

func TestForward_WrapsJSONRPCEnvelope(t *testing.T) {
	var captured struct {
		body   []byte
		auth   string
		method string
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.body, _ = io.ReadAll(r.Body)
		captured.auth = r.Header.Get("Authorization")
		captured.method = r.Method
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true, AuthorizationToken: "inline-secret"},
	})

	res, err := g.Forward(context.Background(), Request{
		ServerName: "jira",
		HTTPMethod: http.MethodPost,
		RPCMethod:  "tools/call",
		Params:     json.RawMessage(`{"name":"search"}`),
		ID:         json.RawMessage(`7`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	assert.Equal(t, http.MethodPost, captured.method)
	assert.Equal(t, "Bearer inline-secret", captured.auth)

	var env map[string]any
	require.NoError(t, json.Unmarshal(captured.body, &env))
	assert.Equal(t, "2.0", env["jsonrpc"])
	assert.Equal(t, "tools/call", env["method"])
	assert.Equal(t, float64(7), env["id"])
	assert.Equal(t, map[string]any{"name": "search"}, env["params"])
}

func TestForward_DefaultsIDToTimestamp(t *testing.T) {
	var captured []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	before := time.Now().UnixMilli()
	_, err := g.Forward(context.Background(), Request{ServerName: "jira", HTTPMethod: http.MethodPost, RPCMethod: "tools/list"})
	require.NoError(t, err)
	after := time.Now().UnixMilli()

	var env map[string]any
	require.NoError(t, json.Unmarshal(captured, &env))
	id, ok := env["id"].(float64)
	require.True(t, ok, "id should be numeric, got %v", env["id"])
	assert.GreaterOrEqual(t, int64(id), before)
	assert.LessOrEqual(t, int64(id), after)
}

func TestForward_CredentialRegistryFallback(t *testing.T) {
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"github": {Name: "github", URL: upstream.URL, ProxyEnabled: true},
	})
	g.Credentials().Register("github", staticSource{token: "stored-token"})

	_, err := g.Forward(context.Background(), Request{ServerName: "github", HTTPMethod: http.MethodPost, RPCMethod: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer stored-token", auth)
}

func TestForward_NoCredentialSendsNoHeader(t *testing.T) {
	var hasAuth bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasAuth = r.Header["Authorization"]
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"github": {Name: "github", URL: upstream.URL, ProxyEnabled: true},
	})

	_, err := g.Forward(context.Background(), Request{ServerName: "github", HTTPMethod: http.MethodPost, RPCMethod: "ping"})
	require.NoError(t, err)
	assert.False(t, hasAuth)
}

func TestForward_PreservesUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	_, err := g.Forward(context.Background(), Request{ServerName: "jira", HTTPMethod: http.MethodPost, RPCMethod: "tools/list"})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)
	assert.Contains(t, ue.Target, "127.0.0.1")
}

func TestForward_ConnectError(t *testing.T) {
	// Reserved TEST-NET-1 address, nothing listens there.
	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: "http://192.0.2.1:9/mcp", ProxyEnabled: true},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := g.Forward(ctx, Request{ServerName: "jira", HTTPMethod: http.MethodPost, RPCMethod: "tools/list"})

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Target, "192.0.2.1")
	assert.Greater(t, ce.Elapsed, time.Duration(0))
}

func TestForward_StreamingRewritesEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /messages?sessionId=s1\n\n")
		fl.Flush()
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n")
		fl.Flush()
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL + "/sse", ProxyEnabled: true},
	})

	res, err := g.Forward(context.Background(), Request{ServerName: "jira", HTTPMethod: http.MethodGet})
	require.NoError(t, err)
	require.True(t, res.Streaming)
	require.NotNil(t, res.Stream)
	defer res.Stream.Close()

	out, err := io.ReadAll(res.Stream)
	require.NoError(t, err)

	wantTarget := url.QueryEscape(upstream.URL + "/messages?sessionId=s1")
	assert.Contains(t, string(out), "data: /api/mcp/jira/proxy?target="+wantTarget)
	assert.Contains(t, string(out), "data: {\"jsonrpc\":\"2.0\"}")
}

func TestForward_BareGetSynthesizesInitialize(t *testing.T) {
	var captured struct {
		method string
		body   []byte
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {}\n\n")
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	res, err := g.Forward(context.Background(), Request{ServerName: "jira", HTTPMethod: http.MethodGet})
	require.NoError(t, err)
	defer res.Stream.Close()

	assert.Equal(t, http.MethodPost, captured.method)

	var env map[string]any
	require.NoError(t, json.Unmarshal(captured.body, &env))
	assert.Equal(t, "initialize", env["method"])
}

func TestForward_ExplicitTargetGetStaysGet(t *testing.T) {
	var captured string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Method
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {}\n\n")
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	res, err := g.Forward(context.Background(), Request{
		ServerName: "jira",
		Target:     upstream.URL + "/sse?sessionId=s1",
		HTTPMethod: http.MethodGet,
	})
	require.NoError(t, err)
	defer res.Stream.Close()

	assert.Equal(t, http.MethodGet, captured)
}

func TestForward_RawBodyPassthrough(t *testing.T) {
	var captured []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"notifications/initialized"}`)
	_, err := g.Forward(context.Background(), Request{
		ServerName: "jira",
		Target:     upstream.URL + "/messages?sessionId=s1",
		HTTPMethod: http.MethodPost,
		RawBody:    raw,
	})
	require.NoError(t, err)
	assert.Equal(t, raw, captured)
}

func TestForward_NonJSONUnaryBodyWrappedAsString(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "8")
		fmt.Fprint(w, "Accepted")
	}))
	defer upstream.Close()

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	res, err := g.Forward(context.Background(), Request{ServerName: "jira", HTTPMethod: http.MethodPost, RPCMethod: "ping"})
	require.NoError(t, err)
	assert.Equal(t, `"Accepted"`, string(res.Value))
}

func TestForward_CancellationStopsStream(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	g := newTestGateway(t, mapDirectory{
		"jira": {Name: "jira", URL: upstream.URL, ProxyEnabled: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	res, err := g.Forward(ctx, Request{ServerName: "jira", HTTPMethod: http.MethodGet})
	require.NoError(t, err)
	defer res.Stream.Close()

	cancel()

	_, err = io.ReadAll(res.Stream)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "canceled"))
}

func TestStatus(t *testing.T) {
	g := newTestGateway(t, mapDirectory{
		"jira":   {Name: "jira", URL: "https://jira.example/mcp", ProxyEnabled: true, AuthorizationToken: "tok"},
		"github": {Name: "github", URL: "https://gh.example/mcp", ProxyEnabled: true},
		"local":  {Name: "local", URL: "http://127.0.0.1:9000", ProxyEnabled: false},
	})
	g.Credentials().Register("github", staticSource{token: "stored"})

	_, err := g.Status("missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	inline, err := g.Status("jira")
	require.NoError(t, err)
	assert.True(t, inline.IsProxy)
	assert.True(t, inline.IsAuthorized)
	assert.True(t, inline.HasToken)
	assert.Equal(t, "https://jira.example/mcp", inline.TargetURL)

	stored, err := g.Status("github")
	require.NoError(t, err)
	assert.True(t, stored.IsAuthorized)
	assert.True(t, stored.HasToken)

	bare, err := g.Status("local")
	require.NoError(t, err)
	assert.False(t, bare.IsProxy)
	assert.False(t, bare.IsAuthorized)
	assert.False(t, bare.HasToken)
}
