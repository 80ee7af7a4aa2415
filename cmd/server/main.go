package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmgr818/magic-points/internal/auth"
	"github.com/taskmgr818/magic-points/internal/catalog"
	"github.com/taskmgr818/magic-points/internal/config"
	"github.com/taskmgr818/magic-points/internal/events"
	"github.com/taskmgr818/magic-points/internal/handler"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/logger"
	"github.com/taskmgr818/magic-points/internal/metrics"
	"github.com/taskmgr818/magic-points/internal/middleware"
	"github.com/taskmgr818/magic-points/internal/provider"
	"github.com/taskmgr818/magic-points/internal/ratelimit"
	"github.com/taskmgr818/magic-points/internal/redeem"
	"github.com/taskmgr818/magic-points/internal/scheduler"
	"github.com/taskmgr818/magic-points/internal/store"
	"github.com/taskmgr818/magic-points/internal/subscription"
	"github.com/taskmgr818/magic-points/internal/task"
)

func main() {
	// ── Configuration ──
	cfg, err := config.Load()
	if err != nil {
		panic("load config: " + err.Error())
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	// ── Redis ──
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// ── SQL Store ──
	st, err := store.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to init store", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	log.Info("database initialised", zap.String("driver", cfg.DBDriver))

	// ── Events ──
	var publisher events.Publisher = events.NewFallback(log)
	if cfg.RabbitMQURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.LedgerEventsExchange, log)
		if err != nil {
			log.Warn("rabbitmq unavailable, events will only be logged", zap.Error(err))
		} else {
			// Broker stalls must not hold up ledger writes.
			publisher = events.NewAsync(amqpPub, 4096, 5*time.Second, log)
		}
	}

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ── Ledger & services ──
	costs, err := catalog.LoadFile(cfg.CostCatalogFile)
	if err != nil {
		log.Fatal("failed to load cost catalog", zap.String("file", cfg.CostCatalogFile), zap.Error(err))
	}

	ledgerSvc := ledger.NewService(ledger.Params{
		DB:          st.DB(),
		Catalog:     costs,
		Publisher:   publisher,
		Metrics:     m,
		Logger:      log,
		MaxAttempts: cfg.LedgerMaxAttempts,
	})
	userSvc := auth.NewUserService(st.DB())
	redeemSvc := redeem.NewService(st.DB(), ledgerSvc, m, log)
	subSvc := subscription.NewService(ledgerSvc, subscription.CheckinRange{
		Min: int64(cfg.CheckinMinPoints),
		Max: int64(cfg.CheckinMaxPoints),
	}, log)

	// ── Video tasks ──
	sched := scheduler.NewScheduler(rdb, cfg.TaskPollInterval, cfg.TaskPollLease, log)
	ark := provider.NewArkClient(cfg.VideoProviderURL, cfg.VideoProviderAPIKey, cfg.VideoProviderModel, cfg.VideoProviderTimeout)
	hook := task.NewHook(task.HookParams{
		DB:        st.DB(),
		Ledger:    ledgerSvc,
		Provider:  ark,
		Tracker:   sched,
		History:   st,
		Publisher: publisher,
		Metrics:   m,
		Logger:    log,
	})

	// ── Background sweeper ──
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sched.StartSweeper(sweepCtx, func(ctx context.Context, taskID string) error {
			_, err := hook.Status(ctx, taskID)
			return err
		})
	}()

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.Logger(log))

	handler.NewHandler(st, sched, reg).RegisterRoutes(r)
	handler.NewAuthHandler(userSvc).RegisterRoutes(r)

	// Register routes with API key authentication
	api := r.Group("/api/v1", middleware.APIKeyAuth(userSvc))
	handler.NewUserHandler(userSvc, ledgerSvc, subSvc).RegisterRoutes(api)
	handler.NewPointsHandler(ledgerSvc, redeemSvc, ratelimit.New(rdb, ""), cfg.RedeemRateLimitPerMinute, log).RegisterRoutes(api)
	handler.NewVideoHandler(hook).RegisterRoutes(api)
	handler.NewMediaHandler(st).RegisterRoutes(api)

	// Register admin routes with admin token authentication
	handler.NewAdminHandler(userSvc, ledgerSvc, redeemSvc, subSvc).
		RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(cfg.AdminToken)))

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	sweepCancel()
	// An in-flight poll may still append media; let it finish before the
	// store closes.
	<-sweepDone

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	publisher.Close()
	if err := st.Close(); err != nil {
		log.Error("store close error", zap.Error(err))
	}
	_ = rdb.Close()
	log.Info("server exited cleanly")
}
