// Package servn is a development server that serves a document root, bundles
// a JavaScript entry on change and reloads connected browsers.
package servn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matthewmueller/servn/bundle"
	"github.com/matthewmueller/servn/config"
	"github.com/matthewmueller/servn/metrics"
	"github.com/matthewmueller/servn/rebuild"
	"github.com/matthewmueller/servn/reload"
	"github.com/matthewmueller/servn/static"
	"github.com/matthewmueller/servn/watch"
	"github.com/matthewmueller/socket"
	"golang.org/x/sync/errgroup"
)

// BundlePath is where the compiled entry is served.
const BundlePath = "/bundle.js"

const shutdownTimeout = 5 * time.Second

// Server wires the watcher, builder, reload hub and file responder together.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	watchSet []string
	builder  *bundle.Builder
	hub      *reload.Hub
	rebuild  *rebuild.Rebuilder
	metrics  *metrics.Metrics
	router   chi.Router
}

// New creates a server from a validated config.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	watchSet, err := watch.Resolve(cfg.Root, cfg.Entry, cfg.Watch)
	if err != nil {
		return nil, err
	}
	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New()
	}
	builder := bundle.New(bundle.Options{
		Entry:     cfg.Entry,
		Root:      cfg.Root,
		ReloadURL: cfg.SocketURL(reload.Path),
	})
	hub := reload.New(log, m)
	hub.Inject = cfg.Inject
	hub.BundlePath = BundlePath
	rebuilder := rebuild.New(builder, hub, log, m)
	files := static.New(static.Options{
		Root:        cfg.Root,
		Index:       cfg.Index,
		BundlePath:  BundlePath,
		Bundles:     rebuilder,
		Placeholder: cfg.Placeholder,
		Log:         log,
		Metrics:     m,
	})
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(&requestLogger{log}))
	router.Use(hub.Middleware)
	if m != nil {
		router.Handle(metrics.Path, m.Handler())
	}
	router.Handle("/*", files)
	return &Server{
		cfg:      cfg,
		log:      log,
		watchSet: watchSet,
		builder:  builder,
		hub:      hub,
		rebuild:  rebuilder,
		metrics:  m,
		router:   router,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Middleware serves the reload endpoint in front of next and, when Inject is
// on, adds the reload script to its HTML pages.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return s.hub.Middleware(next)
}

// WatchSet is the resolved set of files that trigger a rebuild.
func (s *Server) WatchSet() []string {
	return s.watchSet
}

// State reports the current build state.
func (s *Server) State() rebuild.Snapshot {
	return s.rebuild.State()
}

// Clients is the number of connected websocket reload clients.
func (s *Server) Clients() int {
	return s.hub.Clients()
}

// Watch builds the bundle and rebuilds it on change until ctx is cancelled.
func (s *Server) Watch(ctx context.Context) error {
	return s.rebuild.Run(ctx, s.watchSet)
}

// Listen serves HTTP or HTTPS on the configured address until ctx is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if s.cfg.Protocol != "https" {
		return socket.ListenAndServe(ctx, s.cfg.Addr(), s)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("servn: listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.serveTLS(ctx, ln)
}

func (s *Server) serveTLS(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:   s,
		TLSConfig: s.cfg.TLSConfig(),
	}
	errc := make(chan error, 1)
	go func() { errc <- server.ServeTLS(ln, "", "") }()
	select {
	case err := <-errc:
		return fmt.Errorf("servn: serving https: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("servn: shutting down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run watches and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.Watch(ctx)
	})
	eg.Go(func() error {
		s.log.Info("servn: listening", "url", s.cfg.URL(), "root", s.cfg.Root, "entry", s.cfg.Entry, "watching", len(s.watchSet))
		return s.Listen(ctx)
	})
	return eg.Wait()
}

// Close disconnects reload clients and releases the builder.
func (s *Server) Close() {
	s.hub.Close()
	s.builder.Close()
}
