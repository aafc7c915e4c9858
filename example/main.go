package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/matthewmueller/servn"
	"github.com/matthewmueller/servn/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log := slog.Default()
	cfg := config.Default()
	cfg.Root = "example/public"
	cfg.Port = 3000
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config", "error", err)
		return
	}
	server, err := servn.New(cfg, log)
	if err != nil {
		log.Error("Error creating server", "error", err)
		return
	}
	if err := server.Run(ctx); err != nil {
		log.Error("Error in server", "error", err)
		return
	}
}
