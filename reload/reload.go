// Package reload fans a single "reload" event out to every connected browser.
//
// Browsers subscribe over a websocket (the client injected into the bundle)
// or over server-sent events (the script Middleware injects into HTML pages).
package reload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livebud/sse"
	"github.com/matthewmueller/httpbuf"
	"github.com/matthewmueller/servn/metrics"
)

// Event is a server-sent event (SSE) sent to EventSource clients
type Event = sse.Event

// Path the hub is served at by default.
const Path = "/livereload"

const writeWait = 10 * time.Second

var reloadMessage = []byte(`{"type":"reload"}`)

func New(log *slog.Logger, m *metrics.Metrics) *Hub {
	events := sse.New(log)
	events.Permit = acceptsEventStream
	return &Hub{
		Path:    Path,
		log:     log,
		sse:     events,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Pages may be served from another origin in development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Hub owns the set of connected reload clients.
type Hub struct {
	Path string
	// Inject rewrites HTML responses to include the EventSource client,
	// unless they already load BundlePath.
	Inject     bool
	BundlePath string

	log      *slog.Logger
	sse      *sse.Handler
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// client is one websocket subscriber. send holds at most one pending reload.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// ServeHTTP subscribes websocket and event-stream requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		h.serveWebSocket(w, r)
	case acceptsEventStream(w, r):
		h.sse.ServeHTTP(w, r)
	default:
		http.Error(w, "livereload: expected a websocket or event-stream request", http.StatusBadRequest)
	}
}

// acceptsEventStream allows Accept lists like "text/event-stream, */*", not
// just the exact value.
func acceptsEventStream(w http.ResponseWriter, r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (h *Hub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		h.log.Debug("reload: upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 1),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	done := make(chan struct{})
	go h.write(c, done)
	// Keep the connection until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	close(done)
	conn.Close()
}

func (h *Hub) write(c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("reload: dropping client", "client", c.id, "error", err)
				// Unblocks the read loop, which removes the client
				c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.ClientConnected()
	h.log.Debug("reload: client connected", "client", c.id, "clients", len(h.clients))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.ClientDisconnected()
	h.log.Debug("reload: client disconnected", "client", c.id, "clients", len(h.clients))
}

// Broadcast sends a reload event to every connected client. Clients that
// connect afterwards don't receive it. Delivery is best-effort.
func (h *Hub) Broadcast(ctx context.Context) error {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		select {
		case c.send <- reloadMessage:
		default:
			// A reload is already queued for this client
		}
	}
	h.metrics.Broadcast()
	h.log.Debug("reload: broadcast", "clients", len(clients))
	if err := h.sse.Publish(ctx, &Event{Type: "reload", Data: []byte("reload")}); err != nil {
		return fmt.Errorf("reload: publishing event: %w", err)
	}
	return nil
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.conn.Close()
	}
}

// Middleware serves the hub at its path. When Inject is set it also rewrites
// HTML responses to include the livereload script.
func (h *Hub) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == h.Path {
			h.ServeHTTP(w, req)
			return
		}
		if !h.Inject {
			next.ServeHTTP(w, req)
			return
		}
		// Wrap the response writer to capture the response body
		rw := httpbuf.Wrap(w)
		defer rw.Flush()
		next.ServeHTTP(rw, req)
		if !strings.HasPrefix(rw.Header().Get("Content-Type"), "text/html") {
			return
		}
		body, rewrote := rewrite(rw.Body, h.Path, h.BundlePath)
		if !rewrote {
			return
		}
		rw.Body = body
		rw.Header().Set("Content-Length", strconv.Itoa(len(body)))
		// Don't cache re-written responses
		rw.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		rw.Header().Set("Last-Modified", "0")
	})
}

// Client-side livereload script that we attach to the end of the body
const liveScript = `
<script type="text/javascript">
const es = new EventSource(%[1]q)
es.addEventListener("open", function(e) {
	console.debug("livereload: connected to", %[1]q)
})
es.addEventListener("reload", function(e) {
	console.debug("livereload: eventsource got 'reload' event")
	document.location.reload()
})
window.addEventListener("beforeunload", function() {
	es.close()
})
</script>
`

// rewrite injects the script before </body>. Pages that already load the
// bundle get the websocket client from it instead.
func rewrite(data []byte, url, bundlePath string) ([]byte, bool) {
	if bundlePath != "" && bytes.Contains(data, []byte(bundlePath)) {
		return data, false
	}
	// Already injected by an outer middleware
	if bytes.Contains(data, []byte("new EventSource(")) {
		return data, false
	}
	index := bytes.LastIndex(data, []byte("</body>"))
	if index < 0 {
		return data, false
	}
	script := fmt.Sprintf(liveScript, url)
	out := make([]byte, 0, len(data)+len(script))
	out = append(out, data[:index]...)
	out = append(out, script...)
	out = append(out, data[index:]...)
	return out, true
}
