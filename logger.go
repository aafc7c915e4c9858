package servn

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs each request through slog as soon as it arrives, then
// logs the outcome at debug level once it's served.
type requestLogger struct {
	log *slog.Logger
}

var _ middleware.LogFormatter = (*requestLogger)(nil)

func (l *requestLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	l.log.Info(r.Method+" "+r.URL.RequestURI(), "remote", r.RemoteAddr)
	return &requestEntry{l.log, r.Method, r.URL.Path}
}

type requestEntry struct {
	log    *slog.Logger
	method string
	path   string
}

func (e *requestEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	e.log.Debug("servn: served", "method", e.method, "path", e.path, "status", status, "bytes", bytes, "elapsed", elapsed)
}

func (e *requestEntry) Panic(v interface{}, stack []byte) {
	e.log.Error("servn: panic serving request", "method", e.method, "path", e.path, "panic", v, "stack", string(stack))
}
