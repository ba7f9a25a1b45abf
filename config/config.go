package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN   string
	RunMigrations bool // default: true

	// Cache
	RedisAddr         string
	AgentCacheMaxCost int64         // cached agent entries, default: 1000
	AgentCacheTTL     time.Duration // default: 5m

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	TaskRateLimitPerMinute int // task submissions per user, default: 60

	// Live updates
	UsageBroadcastInterval time.Duration // default: 30s

	// Seeding
	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RunSeed:              os.Getenv("RUN_SEED") == "true",
	}

	var err error
	if cfg.TaskRateLimitPerMinute, err = strconv.Atoi(getEnv("TASK_RATE_LIMIT_PER_MINUTE", "60")); err != nil || cfg.TaskRateLimitPerMinute <= 0 {
		return nil, fmt.Errorf("invalid TASK_RATE_LIMIT_PER_MINUTE: %q", os.Getenv("TASK_RATE_LIMIT_PER_MINUTE"))
	}
	if cfg.AgentCacheMaxCost, err = strconv.ParseInt(getEnv("AGENT_CACHE_MAX_COST", "1000"), 10, 64); err != nil || cfg.AgentCacheMaxCost <= 0 {
		return nil, fmt.Errorf("invalid AGENT_CACHE_MAX_COST: %q", os.Getenv("AGENT_CACHE_MAX_COST"))
	}
	if cfg.AgentCacheTTL, err = time.ParseDuration(getEnv("AGENT_CACHE_TTL", "5m")); err != nil {
		return nil, fmt.Errorf("invalid AGENT_CACHE_TTL: %w", err)
	}
	if cfg.UsageBroadcastInterval, err = time.ParseDuration(getEnv("USAGE_BROADCAST_INTERVAL", "30s")); err != nil || cfg.UsageBroadcastInterval <= 0 {
		return nil, fmt.Errorf("invalid USAGE_BROADCAST_INTERVAL: %q", os.Getenv("USAGE_BROADCAST_INTERVAL"))
	}
	if cfg.RunMigrations, err = strconv.ParseBool(getEnv("RUN_MIGRATIONS", "true")); err != nil {
		return nil, fmt.Errorf("invalid RUN_MIGRATIONS: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
