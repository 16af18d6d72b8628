package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ozon1688/internal/browser"
	"ozon1688/internal/config"
	"ozon1688/internal/currency"
	"ozon1688/internal/extract"
	"ozon1688/internal/oracle"
	"ozon1688/internal/pkg/events"
	"ozon1688/internal/pkg/logger"
	"ozon1688/internal/pkg/metrics"
	"ozon1688/internal/pkg/queue"
	"ozon1688/internal/pkg/ratelimit"
	"ozon1688/internal/processor"
	"ozon1688/internal/profit"
	"ozon1688/internal/search"
	"ozon1688/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// main 是处理 worker 的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 MySQL 与 Redis
// 3. 组装浏览器会话、页面抽取、相关度评估与三级搜索
// 4. 启动单 worker 调用池、处理循环与 Metrics 服务
// 5. 收到信号后等待当前任务结束再退出
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		appLogger.Error("open database failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	repo := store.New(db, appLogger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics.InitMetrics(1)

	sessions := browser.NewManager(cfg.Browser, appLogger)
	conv := currency.NewConverter(cfg.Pricing.RUBPerUSD, cfg.Pricing.CNYPerUSD)
	calc := profit.NewCalculator(profit.PolicyFromConfig(cfg.Pricing), conv)
	driver := extract.NewDriver(sessions, cfg.Search, conv, appLogger)
	ranker := oracle.New(cfg.Oracle, appLogger)

	base := ratelimit.New(rdb, appLogger, "search", cfg.Search.RateLimit, cfg.Search.RateBurst, cfg.Search.RateWait)
	limiters := map[search.Tier]search.Limiter{
		search.TierDirect:  base.WithName("search:tier1"),
		search.TierRestart: base.WithName("search:tier2"),
		search.TierBrand:   base.WithName("search:tier3"),
	}
	searcher := search.New(sessions, driver, ranker, limiters, search.Options{
		TargetURL: cfg.Search.TargetURL,
		Threshold: cfg.Search.RelevanceThreshold,
	}, appLogger)

	stream := events.NewStream(rdb, appLogger, cfg.App.EventStream)
	proc := processor.New(repo, sessions, driver, searcher, calc, stream, appLogger)

	// 调用池使用独立的 ctx，关闭时由 Shutdown 等待在途任务
	pool := queue.NewQueue(appLogger, 1, 1)
	pool.Start(context.Background())

	loop := processor.NewLoop(repo, proc, pool, processor.LoopConfig{
		PollInterval:  cfg.App.PollInterval,
		TaskPause:     cfg.App.TaskPause,
		BackoffFactor: cfg.App.BackoffFactor,
		BackoffMax:    cfg.App.BackoffMax,
	}, appLogger)

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("worker loop stopped", slog.String("error", err.Error()))
	}

	appLogger.Info("shutting down worker...")

	if err := pool.Shutdown(2 * time.Minute); err != nil {
		appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	} else {
		appLogger.Info("worker pool shutdown completed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	st := sessions.Stats()
	appLogger.Info("worker stopped gracefully",
		slog.Int64("sessions_opened", st.Opened),
		slog.Int64("sessions_open_failed", st.OpenFailed))

	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
