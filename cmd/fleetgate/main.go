package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetgate/fleetgate/internal/app"
	"github.com/fleetgate/fleetgate/internal/audit"
	audithttp "github.com/fleetgate/fleetgate/internal/audit/http"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/platform/cache"
	"github.com/fleetgate/fleetgate/internal/platform/db"
	"github.com/fleetgate/fleetgate/internal/rbac"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var grantCache *rbac.GrantCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The grant cache is an optimisation; resolution falls back to
		// the store when Redis is unavailable.
		logger.Warn("redis unavailable, grant cache disabled", slog.Any("error", err))
	} else {
		defer func() { _ = redisClient.Close() }()
		grantCache = rbac.NewGrantCache(redisClient, cfg.GrantCacheTTL)
	}

	repo := rbac.NewRepository(pool)
	service := rbac.NewService(repo, grantCache)
	resolver := rbac.NewResolver(repo, grantCache)
	guard := rbac.NewGuard(resolver, logger)
	mw := rbac.Middleware{Guard: guard}

	if err := seedCatalog(ctx, service); err != nil {
		logger.Error("seed permission catalog", slog.Any("error", err))
		os.Exit(1)
	}

	auditService := audit.NewService(audit.NewRepository(pool))

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		RBACHandler:  rbac.NewHandler(logger, service, mw),
		AuditHandler: audithttp.NewHandler(logger, auditService, mw),
		Metrics:      observability.NewMetrics(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func seedCatalog(ctx context.Context, service *rbac.Service) error {
	catalog := rbac.CoreCatalog()
	catalog[audithttp.PermAuditView] = "View the audit trail"
	for key, description := range catalog {
		if _, err := service.EnsurePermission(ctx, key, description); err != nil {
			return err
		}
	}
	return nil
}
