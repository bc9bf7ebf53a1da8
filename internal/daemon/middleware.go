package daemon

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shurlinet/parley/pkg/p2pnet"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack lets the event stream upgrade to a websocket through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// InstrumentHandler wraps an HTTP handler with Prometheus metrics and audit logging.
// If both metrics and audit are nil, the handler is returned unchanged (zero overhead).
func InstrumentHandler(next http.Handler, metrics *p2pnet.Metrics, audit *p2pnet.AuditLogger) http.Handler {
	if metrics == nil && audit == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rec.status)

		if metrics != nil {
			metrics.DaemonRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, path, status).Observe(duration)
		}
		audit.DaemonAPIAccess(r.Method, path, rec.status)
	})
}

// sanitizePath collapses paths outside the fixed route set so that
// Prometheus labels stay bounded. For example:
//
//	/v1/call/answer     -> /v1/call/answer
//	/v1/peers/12D3KooW  -> /v1/peers/:id
//	/v1/nope/x/y        -> /v1/:unknown
func sanitizePath(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if _, ok := knownPaths[trimmed]; ok {
		return trimmed
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[1] != "v1" {
		return path
	}
	// ["", "v1", resource, param]
	if len(parts) == 4 {
		if _, ok := knownPaths["/v1/"+parts[2]]; ok {
			return "/v1/" + parts[2] + "/:id"
		}
	}
	return "/v1/:unknown"
}

// knownPaths lists every registered route path.
var knownPaths = map[string]struct{}{
	"/v1/status":      {},
	"/v1/peers":       {},
	"/v1/name":        {},
	"/v1/connect":     {},
	"/v1/chat":        {},
	"/v1/call":        {},
	"/v1/call/answer": {},
	"/v1/call/audio":  {},
	"/v1/relay":       {},
	"/v1/relay/join":  {},
	"/v1/events":      {},
	"/v1/shutdown":    {},
}
