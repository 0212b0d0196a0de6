// ABOUTME: Authenticated forwarding of JSON-RPC and SSE traffic to MCP servers
// ABOUTME: Validates targets, injects bearer credentials, and relays streams

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// connectTimeout bounds the initial establishment of a streaming fetch.
// The relay itself has no upper bound; streams are expected to be
// long-lived.
const connectTimeout = 120 * time.Second

// userAgent identifies the gateway on outbound requests.
const userAgent = "promptdeck-gateway/1.0"

// maxUnaryBody caps how much of a non-streaming response is buffered.
const maxUnaryBody = 10 << 20

// UpstreamServer is the read-only configuration of one tool server as
// supplied by the server directory.
type UpstreamServer struct {
	Name               string
	URL                string
	ProxyEnabled       bool
	AuthorizationToken string
}

// ServerDirectory resolves a named upstream server, returning nil for an
// unknown name.
type ServerDirectory interface {
	GetMCPServer(name string) *UpstreamServer
}

// Request describes one inbound forwarding call.
type Request struct {
	ServerName string
	// Target is the explicit continuation URL from a previously rewritten
	// SSE endpoint. Empty means the server's configured base URL.
	Target string
	// HTTPMethod is the caller's method: GET opens an event-stream
	// subscription, POST sends a unary write.
	HTTPMethod string
	// RPCMethod plus Params and ID describe a call to wrap in a JSON-RPC
	// envelope. Ignored when RawBody is set.
	RPCMethod string
	Params    json.RawMessage
	ID        json.RawMessage
	// RawBody is forwarded verbatim (pass-through continuations).
	RawBody []byte
}

// Result is the outcome of a successful forward. Exactly one of Stream
// and Value is set.
type Result struct {
	Streaming   bool
	Status      int
	ContentType string
	// Stream relays the upstream body with endpoint rewriting applied.
	// The caller must Close it.
	Stream io.ReadCloser
	// Value holds a parsed non-streaming JSON response.
	Value  json.RawMessage
	Target string
}

// StatusInfo is the diagnostic summary for one server.
type StatusInfo struct {
	Name         string `json:"name"`
	IsProxy      bool   `json:"isProxy"`
	TargetURL    string `json:"targetUrl"`
	IsAuthorized bool   `json:"isAuthorized"`
	HasToken     bool   `json:"hasToken"`
}

// Config holds gateway construction options.
type Config struct {
	Directory   ServerDirectory
	Credentials *CredentialRegistry
	Logger      *slog.Logger
	// Client overrides the default HTTP client, used by tests.
	Client *http.Client
}

// Gateway forwards protocol traffic to configured upstream servers.
type Gateway struct {
	directory ServerDirectory
	creds     *CredentialRegistry
	client    *http.Client
	logger    *slog.Logger
}

// New creates a gateway. The default client keeps connections warm and
// bounds response-header receipt at the streaming connect timeout while
// leaving established streams unbounded.
func New(cfg Config) (*Gateway, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("server directory is required")
	}

	creds := cfg.Credentials
	if creds == nil {
		creds = NewCredentialRegistry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "proxy")
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: connectTimeout,
			},
		}
	}

	return &Gateway{
		directory: cfg.Directory,
		creds:     creds,
		client:    client,
		logger:    logger,
	}, nil
}

// Forward resolves the named server, validates the target, attaches the
// bearer credential, and performs the upstream exchange. The caller's
// context cancels the upstream connection, including mid-stream.
func (g *Gateway) Forward(ctx context.Context, req Request) (*Result, error) {
	srv := g.directory.GetMCPServer(req.ServerName)
	if srv == nil {
		return nil, &NotFoundError{Server: req.ServerName}
	}
	if !srv.ProxyEnabled {
		return nil, &BadRequestError{Reason: fmt.Sprintf("proxying is disabled for server %q", req.ServerName)}
	}

	base, err := url.Parse(srv.URL)
	if err != nil || !base.IsAbs() {
		return nil, &BadRequestError{Reason: fmt.Sprintf("server %q has an invalid base URL", req.ServerName)}
	}

	target := base
	if req.Target != "" {
		target, err = validateTarget(req.Target, base)
		if err != nil {
			return nil, err
		}
	}

	token := g.resolveToken(srv)

	method, body := g.classify(req)

	outReq, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	outReq.Header.Set("User-Agent", userAgent)
	outReq.Header.Set("Accept", "text/event-stream, application/json")
	if body != nil {
		outReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		outReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := g.client.Do(outReq)
	if err != nil {
		return nil, &ConnectError{Target: target.String(), Elapsed: time.Since(start), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused, then surface the
		// upstream status verbatim.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &UpstreamError{
			Status:     resp.StatusCode,
			StatusText: statusText(resp),
			Target:     target.String(),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	streaming := strings.Contains(contentType, "text/event-stream") || isChunked(resp)

	g.logger.Debug("forwarded request",
		"server", req.ServerName,
		"target", target.String(),
		"method", method,
		"status", resp.StatusCode,
		"streaming", streaming,
		"elapsed", time.Since(start),
	)

	if streaming {
		var stream io.ReadCloser = resp.Body
		if strings.Contains(contentType, "text/event-stream") {
			origin := &url.URL{Scheme: target.Scheme, Host: target.Host}
			stream = newEndpointRewriter(resp.Body, srv.Name, origin)
		}
		return &Result{
			Streaming:   true,
			Status:      resp.StatusCode,
			ContentType: contentType,
			Stream:      stream,
			Target:      target.String(),
		}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUnaryBody))
	if err != nil {
		return nil, &StreamError{Err: err}
	}

	value := json.RawMessage(data)
	if !json.Valid(data) {
		// Non-JSON unary bodies are returned as a JSON string value.
		value, _ = json.Marshal(string(data))
	}

	return &Result{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Value:       value,
		Target:      target.String(),
	}, nil
}

// Status reports the proxy configuration summary for one server.
func (g *Gateway) Status(name string) (*StatusInfo, error) {
	srv := g.directory.GetMCPServer(name)
	if srv == nil {
		return nil, &NotFoundError{Server: name}
	}

	info := &StatusInfo{
		Name:      srv.Name,
		IsProxy:   srv.ProxyEnabled,
		TargetURL: srv.URL,
	}

	if srv.AuthorizationToken != "" {
		info.IsAuthorized = true
		info.HasToken = true
		return info, nil
	}

	if src := g.creds.Lookup(srv.Name); src != nil {
		info.IsAuthorized = src.IsAuthorized()
		_, info.HasToken = src.AccessToken()
	}
	return info, nil
}

// Credentials exposes the registry so callers can register sources.
func (g *Gateway) Credentials() *CredentialRegistry {
	return g.creds
}

// resolveToken prefers the inline-configured token and falls back to the
// registered credential source. Absence is not fatal.
func (g *Gateway) resolveToken(srv *UpstreamServer) string {
	if srv.AuthorizationToken != "" {
		return srv.AuthorizationToken
	}
	if src := g.creds.Lookup(srv.Name); src != nil {
		if token, ok := src.AccessToken(); ok {
			return token
		}
	}
	return ""
}

// classify picks the outbound method and body per the request shape:
// pass-through bodies go out verbatim, a bare GET subscription gets a
// synthesized initialize handshake, and structured calls are wrapped in a
// JSON-RPC envelope.
func (g *Gateway) classify(req Request) (method string, body []byte) {
	if req.RawBody != nil {
		method = req.HTTPMethod
		if method == "" {
			method = http.MethodPost
		}
		return method, req.RawBody
	}

	if req.HTTPMethod == http.MethodGet {
		if req.Target == "" {
			// Bare streaming subscription: recover peers that connect
			// before issuing their own handshake.
			return http.MethodPost, envelope("initialize", initializeParams(), nil)
		}
		return http.MethodGet, nil
	}

	return http.MethodPost, envelope(req.RPCMethod, req.Params, req.ID)
}

// envelope builds a JSON-RPC 2.0 request body. A missing id defaults to
// the current Unix-millisecond timestamp.
func envelope(method string, params, id json.RawMessage) []byte {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if len(id) > 0 && string(id) != "null" {
		msg["id"] = id
	} else {
		msg["id"] = time.Now().UnixMilli()
	}
	if len(params) > 0 {
		msg["params"] = params
	}
	data, _ := json.Marshal(msg)
	return data
}

// initializeParams is the default handshake payload for synthesized
// initialize requests.
func initializeParams() json.RawMessage {
	return json.RawMessage(`{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"promptdeck-gateway","version":"1.0"}}`)
}

// validateTarget ensures an explicit continuation URL stays on the
// configured server: same hostname, same scheme, same port when the base
// specifies one, and no traversal sequences. This keeps the gateway from
// being used as an open relay.
func validateTarget(raw string, base *url.URL) (*url.URL, error) {
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() {
		return nil, &BadRequestError{Reason: fmt.Sprintf("invalid target URL; only %s may be proxied", base.Host)}
	}

	if strings.Contains(target.Host, "..") || strings.Contains(target.Path, "..") {
		return nil, &BadRequestError{Reason: fmt.Sprintf("target must not contain traversal sequences; only %s may be proxied", base.Host)}
	}

	if !strings.EqualFold(target.Scheme, base.Scheme) {
		return nil, &BadRequestError{Reason: fmt.Sprintf("target scheme %q is not allowed; only %s://%s may be proxied", target.Scheme, base.Scheme, base.Host)}
	}

	if !strings.EqualFold(target.Hostname(), base.Hostname()) {
		return nil, &BadRequestError{Reason: fmt.Sprintf("target host %q is not allowed; only %s may be proxied", target.Hostname(), base.Host)}
	}

	if base.Port() != "" && target.Port() != base.Port() {
		return nil, &BadRequestError{Reason: fmt.Sprintf("target port %q is not allowed; only %s may be proxied", target.Port(), base.Host)}
	}

	return target, nil
}

// bodyReader converts an optional byte body into the reader form
// http.NewRequestWithContext expects.
func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// statusText extracts the upstream's status text, falling back to the
// standard phrase for the code.
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// isChunked reports whether the response uses chunked transfer encoding.
func isChunked(resp *http.Response) bool {
	for _, enc := range resp.TransferEncoding {
		if strings.EqualFold(enc, "chunked") {
			return true
		}
	}
	return false
}
