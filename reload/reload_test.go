package reload_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livebud/sse"
	"github.com/matryer/is"
	"github.com/matthewmueller/servn/metrics"
	"github.com/matthewmueller/servn/reload"
)

// Pulled from: https://github.com/mathiasbynens/small
// Built with: xxd -i small.ico
var favicon = []byte{
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00,
	0x18, 0x00, 0x30, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x28, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x01, 0x00,
	0x18, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00, 0x00, 0x00, 0x00,
}

func contains(haystack, needle string) error {
	if strings.Contains(haystack, needle) {
		return nil
	}
	return fmt.Errorf("expected the following to contain %s:\n\n%s", needle, haystack)
}

func notContains(haystack, needle string) error {
	if !strings.Contains(haystack, needle) {
		return nil
	}
	return fmt.Errorf("expected the following to not contain %s:\n\n%s", needle, haystack)
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, string(body)
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + reload.Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func waitForClients(t *testing.T, hub *reload.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInject(t *testing.T) {
	log := slog.Default()
	is := is.New(t)
	hub := reload.New(log, nil)
	hub.Inject = true
	hub.BundlePath = "/bundle.js"
	fsys := fstest.MapFS{
		"index.html":  &fstest.MapFile{Data: []byte("<html><body>hello world</body></html>")},
		"app.html":    &fstest.MapFile{Data: []byte(`<html><body><script src="/bundle.js"></script></body></html>`)},
		"error.txt":   &fstest.MapFile{Data: []byte("some error </body>")},
		"index.css":   &fstest.MapFile{Data: []byte("body { color: red }")},
		"favicon.ico": &fstest.MapFile{Data: favicon},
	}
	server := httptest.NewServer(hub.Middleware(http.FileServer(http.FS(fsys))))
	defer server.Close()

	// Test index.html
	res, body := get(t, server.URL+"/")
	is.Equal(res.StatusCode, 200)
	is.Equal(res.Header.Get("Content-Type"), "text/html; charset=utf-8")
	is.Equal(res.Header.Get("Cache-Control"), "no-cache, no-store, must-revalidate")
	is.Equal(res.Header.Get("Last-Modified"), "0")
	is.NoErr(contains(body, "<html><body>hello world"))
	is.NoErr(contains(body, `new EventSource("/livereload")`))

	// Pages that load the bundle already reload through it
	res, body = get(t, server.URL+"/app.html")
	is.Equal(res.StatusCode, 200)
	is.Equal(res.Header.Get("Cache-Control"), "")
	is.NoErr(notContains(body, `new EventSource("/livereload")`))

	// Test error.txt
	res, body = get(t, server.URL+"/error.txt")
	is.Equal(res.StatusCode, 200)
	is.Equal(res.Header.Get("Content-Type"), "text/plain; charset=utf-8")
	is.NoErr(notContains(body, `new EventSource("/livereload")`))

	// Test index.css
	res, body = get(t, server.URL+"/index.css")
	is.Equal(res.StatusCode, 200)
	is.Equal(res.Header.Get("Content-Type"), "text/css; charset=utf-8")
	is.Equal(body, "body { color: red }")

	// Test favicon.ico
	res, body = get(t, server.URL+"/favicon.ico")
	is.Equal(res.StatusCode, 200)
	is.Equal(res.Header.Get("Content-Type"), mime.TypeByExtension(".ico"))
	is.Equal([]byte(body), favicon)
}

func TestInjectDisabled(t *testing.T) {
	is := is.New(t)
	hub := reload.New(slog.Default(), nil)
	fsys := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html><body>hello world</body></html>")},
	}
	server := httptest.NewServer(hub.Middleware(http.FileServer(http.FS(fsys))))
	defer server.Close()
	_, body := get(t, server.URL+"/")
	is.Equal(body, "<html><body>hello world</body></html>")
}

func TestEventSource(t *testing.T) {
	log := slog.Default()
	is := is.New(t)
	hub := reload.New(log, nil)
	server := httptest.NewServer(hub.Middleware(http.NotFoundHandler()))
	defer server.Close()

	stream, err := sse.Dial(log, server.URL+reload.Path)
	is.NoErr(err)
	defer stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	is.NoErr(hub.Broadcast(ctx))
	event, err := stream.Next(ctx)
	is.NoErr(err)
	is.Equal(string(event.Type), "reload")
}

func TestWebSocketBroadcast(t *testing.T) {
	is := is.New(t)
	m := metrics.New()
	hub := reload.New(slog.Default(), m)
	server := httptest.NewServer(hub.Middleware(http.NotFoundHandler()))
	defer server.Close()
	ctx := context.Background()

	// Nobody is listening yet
	is.NoErr(hub.Broadcast(ctx))

	first := dial(t, server)
	defer first.Close()
	second := dial(t, server)
	defer second.Close()
	waitForClients(t, hub, 2)

	// Late joiners don't get earlier broadcasts
	first.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := first.ReadMessage()
	is.True(err != nil)
	first.Close()
	waitForClients(t, hub, 1)

	is.NoErr(hub.Broadcast(ctx))
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := second.ReadMessage()
	is.NoErr(err)
	is.Equal(string(msg), `{"type":"reload"}`)
}

func TestWebSocketOrder(t *testing.T) {
	is := is.New(t)
	hub := reload.New(slog.Default(), nil)
	server := httptest.NewServer(hub.Middleware(http.NotFoundHandler()))
	defer server.Close()
	conn := dial(t, server)
	defer conn.Close()
	waitForClients(t, hub, 1)

	// Bursts collapse into at most one queued reload per client
	for i := 0; i < 5; i++ {
		is.NoErr(hub.Broadcast(context.Background()))
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	is.NoErr(err)
	is.Equal(string(msg), `{"type":"reload"}`)
}

func TestClose(t *testing.T) {
	is := is.New(t)
	hub := reload.New(slog.Default(), nil)
	server := httptest.NewServer(hub.Middleware(http.NotFoundHandler()))
	defer server.Close()
	conn := dial(t, server)
	defer conn.Close()
	waitForClients(t, hub, 1)
	hub.Close()
	waitForClients(t, hub, 0)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	is.True(err != nil)
}

func TestBadRequest(t *testing.T) {
	is := is.New(t)
	hub := reload.New(slog.Default(), nil)
	server := httptest.NewServer(hub.Middleware(http.NotFoundHandler()))
	defer server.Close()
	res, _ := get(t, server.URL+reload.Path)
	is.Equal(res.StatusCode, http.StatusBadRequest)
}

func TestInjectOnce(t *testing.T) {
	is := is.New(t)
	hub := reload.New(slog.Default(), nil)
	hub.Inject = true
	fsys := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html><body>hello world</body></html>")},
	}
	server := httptest.NewServer(hub.Middleware(hub.Middleware(http.FileServer(http.FS(fsys)))))
	defer server.Close()
	_, body := get(t, server.URL+"/")
	is.Equal(strings.Count(body, "new EventSource("), 1)
}

func TestEventSourceAcceptList(t *testing.T) {
	is := is.New(t)
	hub := reload.New(slog.Default(), nil)
	server := httptest.NewServer(hub.Middleware(http.NotFoundHandler()))
	defer server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+reload.Path, nil)
	is.NoErr(err)
	req.Header.Set("Accept", "text/event-stream, */*")
	res, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer res.Body.Close()
	is.Equal(res.StatusCode, http.StatusOK)
	is.True(strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream"))
}
