package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	Environment string
	DatabaseURL string
	RedisAddr   string
	AMQPURL     string

	CheckInEarlyWindow time.Duration
	CheckInLateWindow  time.Duration
	WaitBufferFactor   float64

	NoShowBatchSize    int
	NoShowSweepSpec    string
	RolloverSweepSpec  string
	WaitRefreshSpec    string
	OutboxDispatchSpec string

	WorkerConcurrency int

	RateLimitPerMinute      int
	RateLimitBurst          int
	ActorRateLimitPerMinute int
	ActorRateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	return Config{
		Port:        port,
		Environment: os.Getenv("ENVIRONMENT"),
		DatabaseURL: os.Getenv("DB_DSN"),
		RedisAddr:   redisAddr,
		AMQPURL:     os.Getenv("AMQP_URL"),

		CheckInEarlyWindow: readDurationMinutes("CHECKIN_EARLY_WINDOW_MINUTES", 30),
		CheckInLateWindow:  readDurationMinutes("CHECKIN_LATE_WINDOW_MINUTES", 15),
		WaitBufferFactor:   readFloat("WAIT_BUFFER_FACTOR", 1.2),

		NoShowBatchSize:    readInt("NO_SHOW_BATCH_SIZE", 100),
		NoShowSweepSpec:    readString("NO_SHOW_SWEEP_SPEC", "@every 30s"),
		RolloverSweepSpec:  readString("ROLLOVER_SWEEP_SPEC", "@every 5m"),
		WaitRefreshSpec:    readString("WAIT_REFRESH_SPEC", "@every 1m"),
		OutboxDispatchSpec: readString("OUTBOX_DISPATCH_SPEC", "@every 2s"),

		WorkerConcurrency: readInt("WORKER_CONCURRENCY", 10),

		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		ActorRateLimitPerMinute: readInt("ACTOR_RATE_LIMIT_PER_MIN", 600),
		ActorRateLimitBurst:     readInt("ACTOR_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
