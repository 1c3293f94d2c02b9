package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	httphandler "github.com/ericfisherdev/mailpanel/internal/adapter/driving/http"
	"github.com/ericfisherdev/mailpanel/internal/bootstrap"
	"github.com/ericfisherdev/mailpanel/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration. A missing .env is fine.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.HasAuthSecret() {
		return fmt.Errorf("%sAUTH_SECRET is required to serve the API", config.EnvPrefix)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"acme_backend", cfg.ACME.Backend,
		"maildb_driver", cfg.MailDB.Driver,
		"provision_timeout", cfg.ProvisionTimeout.Duration,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Wire stores, adapters and services.
	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("error closing connections", "error", closeErr)
		}
	}()

	// 4. Clear domains left pending by a crash mid-provisioning.
	recovered, err := app.Provisioning.RecoverPending(ctx, cfg.ProvisionTimeout.Duration)
	if err != nil {
		logger.Error("pending domain recovery incomplete", "recovered", recovered, "error", err)
	} else if recovered > 0 {
		logger.Info("pending domains recovered", "count", recovered)
	}

	// 5. Keep discovered public addresses fresh.
	if !cfg.HasStaticAddresses() {
		go app.Addresses.Run(ctx, cfg.IPRefreshInterval.Duration)
	}
	logger.Info("public addresses", "addresses", app.Addresses.Addresses())

	// 6. HTTP API.
	handler := httphandler.NewHandler(app.Provisioning, app.Certificates, app.Stores.DB, logger)
	auth := httphandler.NewAuthenticator([]byte(cfg.AuthSecret), app.Users, logger)
	router := httphandler.NewRouter(handler, auth, cfg.CORSOrigins, logger)

	// Certificate issuance runs inside a request, so the write timeout must
	// outlast a full provisioning.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ProvisionTimeout.Duration + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 7. Wait for shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 8. Graceful shutdown, letting in-flight provisioning finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ProvisionTimeout.Duration+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
