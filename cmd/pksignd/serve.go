package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glinharesb/tls-pksign/internal/audit"
	"github.com/glinharesb/tls-pksign/internal/config"
	"github.com/glinharesb/tls-pksign/internal/handshake"
	"github.com/glinharesb/tls-pksign/internal/server"
	"github.com/glinharesb/tls-pksign/internal/signing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TLS echo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg := config.Load()

	auditLogger := audit.NewLogger(cfg.AuditBuffer, os.Stdout)
	defer auditLogger.Close()

	var passphrase []byte
	if cfg.KeyPassphrase != "" {
		passphrase = []byte(cfg.KeyPassphrase)
	}
	provider := signing.NewProvider(signing.Config{
		AsyncSimulate: cfg.AsyncSimulate,
		Passphrase:    passphrase,
		Audit:         auditLogger,
	})

	driver := handshake.NewDriver(cfg.PollInterval, cfg.PollTimeout, auditLogger)
	driver.RegisterSigningCallback(provider)

	srv, err := server.New(cfg, driver)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	slog.Info("signing provider registered",
		"key", cfg.KeyFile,
		"async_sim", cfg.AsyncSimulate,
		"poll_interval", cfg.PollInterval,
		"poll_timeout", cfg.PollTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}
