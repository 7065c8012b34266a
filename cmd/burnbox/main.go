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

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"

	"github.io/infrasutra/burnbox/internal/api"
	"github.io/infrasutra/burnbox/internal/auth"
	"github.io/infrasutra/burnbox/internal/config"
	"github.io/infrasutra/burnbox/internal/inbox"
	"github.io/infrasutra/burnbox/internal/ingest"
	"github.io/infrasutra/burnbox/internal/kv"
	_ "github.io/infrasutra/burnbox/internal/kv/loader"
	"github.io/infrasutra/burnbox/internal/smtpserver"
	"github.io/infrasutra/burnbox/internal/sse"
)

const (
	ticketMaxAge = time.Minute
	storeWait    = 30 * time.Second
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	tickets, err := auth.NewTicketManager(cfg.TicketSecret, ticketMaxAge)
	if err != nil {
		logger.Error("init stream tickets", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg.StoreDriver, cfg.StoreOptions, storeWait, logger)
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.TicketSecret == "" {
		logger.Warn("TICKET_SECRET not set; stream tickets reset on restart")
	}
	if cfg.APIToken == "" {
		logger.Warn("API_AUTH_TOKEN not set; every inbox request will be rejected")
	}

	hub := sse.NewHub()
	normalizer := ingest.New(store, cfg.MailTTL, logger, ingest.WithPublisher(hub))
	service := inbox.NewService(store, auth.NewBearerVerifier(cfg.APIToken), inbox.Config{
		Domain:     cfg.Domain,
		TTL:        cfg.MailTTL,
		DeviceLock: cfg.DeviceLock,
	}, logger)
	apiServer := api.NewServer(cfg, service, tickets, hub, store, logger)

	smtpCfg := smtpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.SMTPPort),
		Domain:          cfg.Domain,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Auth: smtpserver.AuthConfig{
			Enabled:  cfg.SMTPAuthEnabled,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		},
	}
	if smtpCfg.Auth.Enabled {
		logger.Info("smtp auth enabled", "username", smtpCfg.Auth.Username)
	}
	smtpSrv := smtpserver.New(normalizer, logger, smtpCfg)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting burnbox",
		"domain", cfg.Domain,
		"store", cfg.StoreDriver,
		"ttl", cfg.MailTTL,
		"device_lock", cfg.DeviceLock,
	)

	go func() {
		if err := smtpSrv.ListenAndServe(); err != nil {
			logger.Error("smtp server stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := smtpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
}

// openStore opens the named driver and waits up to wait for it to answer
// Ping. The store is closed again when it never becomes ready.
func openStore(driver string, options map[string]any, wait time.Duration, logger *slog.Logger) (kv.Store, error) {
	store, err := kv.Open(driver, options, logger)
	if err != nil {
		return nil, err
	}
	if err := waitForStore(store, wait, logger); err != nil {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close store", "driver", driver, "error", closeErr)
		}
		return nil, fmt.Errorf("store not reachable: %w", err)
	}
	return store, nil
}

// waitForStore retries Ping with exponential backoff for up to wait.
func waitForStore(store kv.Store, wait time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		defer pingCancel()
		return struct{}{}, store.Ping(pingCtx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(wait),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("store not ready, retrying", "error", err, "retry_in", next)
		}),
	)
	return err
}
