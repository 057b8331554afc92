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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-wms/meridian/internal/app"
	"github.com/meridian-wms/meridian/internal/counting"
	"github.com/meridian-wms/meridian/internal/observability"
	"github.com/meridian-wms/meridian/internal/platform/cache"
	"github.com/meridian-wms/meridian/internal/platform/db"
	"github.com/meridian-wms/meridian/internal/removal"
	"github.com/meridian-wms/meridian/internal/shared"
	"github.com/meridian-wms/meridian/internal/stockmove"
	"github.com/meridian-wms/meridian/internal/valuation"
	"github.com/meridian-wms/meridian/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, reconcile locking degraded", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)
	locker := shared.NewSessionLocker(redisClient, cfg.ReconcileLockTTL)

	valuationRepo := valuation.NewRepository(pool)
	valuationService := valuation.NewService(valuationRepo, auditLogger, logger)
	valuationHandler := valuation.NewHandler(logger, valuationService)

	stockRepo := stockmove.NewRepository(pool)
	stockService := stockmove.NewService(stockRepo, auditLogger, idempotency, logger)
	stockHandler := stockmove.NewHandler(logger, stockService)

	countingRepo := counting.NewRepository(pool)
	countingService := counting.NewService(countingRepo, auditLogger, locker, metrics, logger)
	countingHandler := counting.NewHandler(logger, countingService)

	removalRepo := removal.NewRepository(pool)
	removalService := removal.NewService(removalRepo, stockRepo, logger)
	removalHandler := removal.NewHandler(logger, removalService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ValuationHandler: valuationHandler,
		StockMoveHandler: stockHandler,
		CountingHandler:  countingHandler,
		RemovalHandler:   removalHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server run", slog.Any("error", err))
		os.Exit(1)
	}
}
