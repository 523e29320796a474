package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string

	SweepInterval      time.Duration
	NoShowGrace        time.Duration
	NoShowInterval     time.Duration
	NoShowBatchSize    int
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	NotifyProvider string

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		SweepInterval:      readDurationSeconds("QUEUE_SWEEP_INTERVAL_SECONDS", 30),
		NoShowGrace:        readDurationSeconds("NO_SHOW_GRACE_SECONDS", 300),
		NoShowInterval:     readDurationSeconds("NO_SHOW_SCAN_INTERVAL_SECONDS", 30),
		NoShowBatchSize:    readInt("NO_SHOW_BATCH_SIZE", 100),
		OutboxPollInterval: readDurationSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 2),
		OutboxBatchSize:    readInt("OUTBOX_BATCH_SIZE", 50),
		NotifyProvider:     os.Getenv("NOTIFY_PROVIDER"),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
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
