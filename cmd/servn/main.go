package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/matthewmueller/servn"
	"github.com/matthewmueller/servn/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servn [root]",
		Short: "Serve a directory, bundle its entry and reload the browser on change",
		Example: `  servn ~/project --host example.com --file index.js
  servn --tls --dir ~/certs -w ../shared`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	config.Flags(cmd.Flags())
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		if err := cmd.Flags().Set("root", args[0]); err != nil {
			return err
		}
	}
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	server, err := servn.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, &config.ConfigError{Field: "log-level", Err: err}
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "servn",
		Level:           lvl,
		ReportTimestamp: true,
	})
	return slog.New(handler), nil
}
