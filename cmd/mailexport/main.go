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

	"github.io/infrasutra/mailexport/internal/api"
	"github.io/infrasutra/mailexport/internal/archive"
	"github.io/infrasutra/mailexport/internal/auth"
	"github.io/infrasutra/mailexport/internal/config"
	"github.io/infrasutra/mailexport/internal/eml"
	"github.io/infrasutra/mailexport/internal/graph"
	"github.io/infrasutra/mailexport/internal/identity"
	"github.io/infrasutra/mailexport/internal/mailbox"
	"github.io/infrasutra/mailexport/internal/store"
)

const purgeInterval = 15 * time.Minute

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if cfg.DBPath == "" {
		logger.Warn("DB_PATH not set; sessions are kept in memory")
	}

	authManager, err := auth.New(cfg.AuthSecret, cfg.SessionMaxAge)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	provider, err := identity.NewProvider(identity.Settings{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Authority:    cfg.Authority(),
		Scopes:       cfg.Scopes(),
		DomainHint:   cfg.DomainHint,
	}, logger)
	if err != nil {
		logger.Error("init identity provider", "error", err)
		os.Exit(1)
	}

	graphClient := graph.NewClient(cfg.GraphEndpoint, logger)
	materializer := eml.NewMaterializer(graphClient, logger)
	apiServer := api.NewServer(cfg, db, authManager, api.Services{
		Identity: provider,
		People:   graphClient,
		Mailbox:  mailbox.NewClient(graphClient, logger),
		Archive:  archive.NewBuilder(materializer, logger),
	}, logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go purgeSessions(ctx, db, cfg.SessionMaxAge, logger)

	go func() {
		logger.Info("http server listening", "addr", httpAddr, "graph", cfg.GraphEndpoint)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
}

func purgeSessions(ctx context.Context, db *store.Store, maxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := db.PurgeExpired(ctx, now.Add(-maxAge))
			if err != nil {
				logger.Error("purge sessions", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("purged expired sessions", "count", purged)
			}
		}
	}
}
