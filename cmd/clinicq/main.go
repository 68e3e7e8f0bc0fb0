package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/internal/config"
	"clinicq/internal/httpapi"
	"clinicq/internal/logging"
	"clinicq/internal/notify"
	"clinicq/internal/store/postgres"
	"clinicq/internal/telemetry"
	"clinicq/internal/worker"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Environment)
	defer func() { _ = logger.Sync() }()

	shutdownTracing := telemetry.Setup("clinicq", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	queue := postgres.NewStore(pool, postgres.Options{
		Logger:           logger,
		WaitBufferFactor: cfg.WaitBufferFactor,
		EarlyWindow:      cfg.CheckInEarlyWindow,
		LateWindow:       cfg.CheckInLateWindow,
	})

	var dispatcher *notify.Dispatcher
	if cfg.AMQPURL != "" {
		notifier, err := notify.DialAMQP(cfg.AMQPURL)
		if err != nil {
			logger.Fatal("amqp connect", zap.Error(err))
		}
		defer notifier.Close()

		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		dispatcher = notify.NewDispatcher(queue, notifier, notify.NewRedisCursor(redisClient), logger)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobs := worker.New(queue, dispatcher, logger)
	srv, mux := worker.NewServer(redisOpt, jobs, cfg.WorkerConcurrency)
	if err := srv.Start(mux); err != nil {
		logger.Fatal("worker start", zap.Error(err))
	}
	defer srv.Shutdown()

	scheduler, err := worker.NewScheduler(redisOpt, worker.Schedule{
		NoShowSweepSpec:    cfg.NoShowSweepSpec,
		RolloverSweepSpec:  cfg.RolloverSweepSpec,
		WaitRefreshSpec:    cfg.WaitRefreshSpec,
		OutboxDispatchSpec: cfg.OutboxDispatchSpec,
		NoShowBatchSize:    cfg.NoShowBatchSize,
	})
	if err != nil {
		logger.Fatal("scheduler setup", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler start", zap.Error(err))
	}
	defer scheduler.Shutdown()

	handler := httpapi.NewHandler(queue, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		ActorPerMinute: cfg.ActorRateLimitPerMinute,
		ActorBurst:     cfg.ActorRateLimitBurst,
	})
	routes := httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, "clinicq"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("clinicq listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
