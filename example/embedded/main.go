package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/livebud/mux"
	"github.com/matthewmueller/servn"
	"github.com/matthewmueller/servn/config"
	"github.com/matthewmueller/socket"
	"golang.org/x/sync/errgroup"
)

// Mounts servn behind an existing router. Inject adds the reload script to
// pages that don't load the bundle, like /about.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log := slog.Default()
	cfg := config.Default()
	cfg.Root = "example/embedded/public"
	cfg.Port = 3000
	cfg.Inject = true
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config", "error", err)
		return
	}
	server, err := servn.New(cfg, log)
	if err != nil {
		log.Error("Error creating server", "error", err)
		return
	}
	defer server.Close()
	handler, err := newHandler(server)
	if err != nil {
		log.Error("Error creating router", "error", err)
		return
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.Watch(ctx)
	})
	eg.Go(func() error {
		log.Info("Server started at " + cfg.URL())
		return socket.ListenAndServe(ctx, cfg.Addr(), handler)
	})
	if err := eg.Wait(); err != nil {
		log.Error("Error in server", "error", err)
		return
	}
}

// newHandler serves the app's own routes and falls through to servn for
// everything else.
func newHandler(server *servn.Server) (http.Handler, error) {
	router := mux.New()
	err := router.Get("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintln(w, "<html><body><h1>About Page</h1></body></html>")
	})
	if err != nil {
		return nil, err
	}
	return server.Middleware(router.Middleware(server)), nil
}
