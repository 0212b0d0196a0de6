// ABOUTME: HTTP handlers relaying MCP traffic through the proxy gateway
// ABOUTME: Maps the gateway error taxonomy to statuses and streams SSE bodies

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/promptdeck/promptdeck/internal/proxy"
	"github.com/promptdeck/promptdeck/internal/store"
)

// rpcCallBody is the JSON request body for a proxied JSON-RPC call.
type rpcCallBody struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	target := r.URL.Query().Get("target")

	req := proxy.Request{
		ServerName: name,
		Target:     target,
		HTTPMethod: r.Method,
	}

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if target != "" {
			// Continuation of a rewritten endpoint: the body is already a
			// complete protocol message.
			req.RawBody = body
		} else {
			var call rpcCallBody
			if err := json.Unmarshal(body, &call); err != nil || call.Method == "" {
				s.sendJSONError(w, http.StatusBadRequest, "body must carry a method to call")
				return
			}
			req.RPCMethod = call.Method
			req.Params = call.Params
			req.ID = call.ID
		}
	}

	res, err := s.gateway.Forward(r.Context(), req)
	if err != nil {
		status := s.proxyErrorStatus(err)
		s.recordProxy(r, name, target, status)
		s.sendJSONError(w, status, err.Error())
		return
	}

	s.recordProxy(r, name, res.Target, res.Status)

	if res.Streaming {
		s.relayStream(w, r, res)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Value)
}

func (s *Server) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.gateway.Status(r.PathValue("name"))
	if err != nil {
		s.sendJSONError(w, s.proxyErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// relayStream copies the upstream event stream to the client, flushing
// each chunk. A mid-stream failure is reported in-band as a terminal
// error event since the status line is already gone.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, res *proxy.Result) {
	defer func() { _ = res.Stream.Close() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(res.Status)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := res.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				s.logger.Warn("stream relay interrupted", "error", err)
				fmt.Fprint(w, "event: error\ndata: {\"error\":\"stream interrupted\"}\n\n")
				flusher.Flush()
			}
			return
		}
	}
}

// proxyErrorStatus maps the gateway error taxonomy onto HTTP statuses.
// Upstream statuses pass through untouched.
func (s *Server) proxyErrorStatus(err error) int {
	var (
		notFound   *proxy.NotFoundError
		badRequest *proxy.BadRequestError
		upstream   *proxy.UpstreamError
		connect    *proxy.ConnectError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.As(err, &upstream):
		return upstream.Status
	case errors.As(err, &connect):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) recordProxy(r *http.Request, serverName, target string, status int) {
	if s.audit == nil {
		return
	}
	s.audit.RecordProxyEvent(r.Context(), emailFromContext(r.Context()), serverName, target, status)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.sendJSONError(w, http.StatusNotFound, "audit log not enabled")
		return
	}

	filter := store.AuditFilter{}
	q := r.URL.Query()
	if kind := q.Get("kind"); kind != "" {
		k := store.AuditKind(kind)
		filter.Kind = &k
	}
	if email := q.Get("email"); email != "" {
		filter.Email = &email
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.audit.ListAuditLog(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit listing failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
