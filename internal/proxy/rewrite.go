// ABOUTME: SSE endpoint rewriting so follow-up calls re-enter the gateway
// ABOUTME: Rewrites "event: endpoint" payloads to /api/mcp/<name>/proxy?target=...

package proxy

import (
	"bufio"
	"io"
	"net/url"
	"strings"
)

// endpointRewriter relays an event stream line by line, rewriting the
// data payload of every "event: endpoint" frame. The upstream hands out
// origin-relative paths that a remote browser client cannot reach, so the
// path is resolved against the upstream origin and re-pointed at the
// gateway's own proxy route.
type endpointRewriter struct {
	reader     *bufio.Reader
	closer     io.Closer
	serverName string
	origin     *url.URL

	pending      []byte // unwritten bytes of the current line
	lastWasEvent bool
}

// newEndpointRewriter wraps an upstream SSE body. origin must carry the
// upstream scheme and host.
func newEndpointRewriter(body io.ReadCloser, serverName string, origin *url.URL) *endpointRewriter {
	return &endpointRewriter{
		reader:     bufio.NewReader(body),
		closer:     body,
		serverName: serverName,
		origin:     origin,
	}
}

// RewriteEndpointPath maps an upstream-relative SSE endpoint path onto the
// gateway's proxy route for the given server. Paths that already carry a
// scheme are used as-is; everything else is resolved against the upstream
// origin, query string included.
func RewriteEndpointPath(serverName string, origin *url.URL, path string) string {
	absolute := path
	if !strings.Contains(path, "://") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		absolute = origin.Scheme + "://" + origin.Host + path
	}
	return "/api/mcp/" + serverName + "/proxy?target=" + url.QueryEscape(absolute)
}

// Read returns the next chunk of the stream with rewrites applied. Each
// call relays at most one line so a pending event is never held back
// waiting for a full buffer.
func (r *endpointRewriter) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		line, err := r.reader.ReadString('\n')
		if line != "" {
			r.pending = []byte(r.rewriteLine(line))
		}
		if err != nil && len(r.pending) == 0 {
			return 0, err
		}
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// rewriteLine rewrites a "data:" line when the preceding line declared an
// endpoint event. All other lines pass through unmodified.
func (r *endpointRewriter) rewriteLine(line string) string {
	trimmed := strings.TrimRight(line, "\r\n")

	if r.lastWasEvent && strings.HasPrefix(trimmed, "data:") {
		r.lastWasEvent = false
		path := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
		rewritten := RewriteEndpointPath(r.serverName, r.origin, path)
		return "data: " + rewritten + line[len(trimmed):]
	}

	if strings.TrimSpace(trimmed) == "event: endpoint" {
		r.lastWasEvent = true
	} else if trimmed != "" && !strings.HasPrefix(trimmed, "data:") {
		r.lastWasEvent = false
	}

	return line
}

// Close closes the underlying upstream body.
func (r *endpointRewriter) Close() error {
	return r.closer.Close()
}
