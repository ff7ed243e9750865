package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide, immutable configuration snapshot assembled at
// startup. Nothing here is reloaded at runtime; components that need
// reload semantics (the handler registry) manage their own watched state.
type Config struct {
	// Application
	AppEnv  string
	AppName string

	// Server
	Server struct {
		Port         string
		Host         string
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}

	// Database
	DB struct {
		Host            string
		Port            string
		User            string
		Password        string
		Name            string
		SSLMode         string
		MaxConnections  int
		IdleConnections int
		ConnLifetime    time.Duration
	}

	// Broker (Redis-backed durable queue primitive)
	Broker struct {
		Host     string
		Port     string
		Password string
		DB       int
		KeyPrefix string
	}

	// Secrets consumed when validating the bearer token that resolves a
	// Principal. The core never mints tokens; it only needs these to hand
	// to whichever authentication collaborator is wired in front of it.
	Secrets struct {
		TokenSecret   string
		RefreshSecret string
	}

	// Queues recognised by the broker adapter; submissions to any other
	// name fail InvalidQueue.
	Queues struct {
		Allowed     []string
		Concurrency map[string]int
	}

	// Handlers registry
	Handlers struct {
		Directories []string
		Disabled    []string
		DebounceMs  int
	}

	// Webhook dispatcher
	Webhook struct {
		TimeoutMs   int
		MaxAttempts int
	}

	// Tokens (TTLs only — issuance lives outside the core)
	Tokens struct {
		AccessTTL  time.Duration
		RefreshTTL time.Duration
	}

	// Logging
	Log struct {
		Level string
	}

	// CORS
	CORS struct {
		AllowedOrigins   []string
		AllowedMethods   []string
		AllowedHeaders   []string
		AllowCredentials bool
		MaxAge           int
	}

	// Rate limiting
	RateLimit struct {
		Enabled           bool
		RequestsPerSecond int
		Burst             int
	}

	// Monitoring
	Monitoring struct {
		MetricsEnabled bool
		MetricsPath    string
	}

	// Real-time fan-out
	Realtime struct {
		SendBufferSize int
		PingInterval   time.Duration
		PongWait       time.Duration
	}
}

func Load() (*Config, error) {
	if err := godotenv.Load(".env.development"); err != nil {
		if err := godotenv.Load(".env.test"); err != nil {
			appEnv := os.Getenv("APP_ENV")
			if appEnv != "production" && appEnv != "test" {
				// no .env file present; environment variables (or
				// defaults below) carry the configuration.
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppName: getEnv("APP_NAME", "orchestrator"),
	}

	cfg.Server.Port = getEnv("SERVER_PORT", "8080")
	cfg.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")
	cfg.Server.ReadTimeout = parseDuration(getEnv("SERVER_READ_TIMEOUT", "15s"), 15*time.Second)
	cfg.Server.WriteTimeout = parseDuration(getEnv("SERVER_WRITE_TIMEOUT", "15s"), 15*time.Second)

	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "orchestrator")
	cfg.DB.Password = getEnv("DB_PASSWORD", "orchestrator")
	cfg.DB.Name = getEnv("DB_NAME", "orchestrator_dev")
	cfg.DB.SSLMode = getEnv("DB_SSL_MODE", "disable")
	cfg.DB.MaxConnections = getEnvAsInt("DB_MAX_CONNECTIONS", 25)
	cfg.DB.IdleConnections = getEnvAsInt("DB_IDLE_CONNECTIONS", 5)
	cfg.DB.ConnLifetime = time.Duration(getEnvAsInt("DB_CONNECTION_LIFETIME", 300)) * time.Second

	cfg.Broker.Host = getEnv("BROKER_HOST", "localhost")
	cfg.Broker.Port = getEnv("BROKER_PORT", "6379")
	cfg.Broker.Password = getEnv("BROKER_PASSWORD", "")
	cfg.Broker.DB = getEnvAsInt("BROKER_DB", 0)
	cfg.Broker.KeyPrefix = getEnv("BROKER_KEY_PREFIX", "orch")

	cfg.Secrets.TokenSecret = getEnv("TOKEN_SECRET", "dev-secret-change-in-production")
	cfg.Secrets.RefreshSecret = getEnv("REFRESH_SECRET", "dev-refresh-secret-change-in-production")

	cfg.Queues.Allowed = splitCSV(getEnv("QUEUES_ALLOWED", "jobQueue,webhooks,schedQueue,flowQueue"))
	cfg.Queues.Concurrency = parseConcurrency(getEnv("QUEUES_CONCURRENCY", "jobQueue=10,webhooks=10,schedQueue=5,flowQueue=10"))

	cfg.Handlers.Directories = splitCSV(getEnv("HANDLERS_DIRECTORIES", "./handlers"))
	cfg.Handlers.Disabled = splitCSV(getEnv("HANDLERS_DISABLED", ""))
	cfg.Handlers.DebounceMs = getEnvAsInt("HANDLERS_DEBOUNCE_MS", 300)

	cfg.Webhook.TimeoutMs = getEnvAsInt("WEBHOOK_TIMEOUT_MS", 10000)
	cfg.Webhook.MaxAttempts = getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 3)

	cfg.Tokens.AccessTTL = parseDuration(getEnv("TOKENS_ACCESS_TTL", "30m"), 30*time.Minute)
	cfg.Tokens.RefreshTTL = parseDuration(getEnv("TOKENS_REFRESH_TTL", "168h"), 7*24*time.Hour)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")

	cfg.CORS.AllowedOrigins = splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*"))
	cfg.CORS.AllowedMethods = splitCSV(getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS,PATCH"))
	cfg.CORS.AllowedHeaders = splitCSV(getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Requested-With"))
	cfg.CORS.AllowCredentials = getEnvAsBool("CORS_ALLOW_CREDENTIALS", true)
	cfg.CORS.MaxAge = getEnvAsInt("CORS_MAX_AGE", 86400)

	cfg.RateLimit.Enabled = getEnvAsBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimit.RequestsPerSecond = getEnvAsInt("RATE_LIMIT_RPS", 20)
	cfg.RateLimit.Burst = getEnvAsInt("RATE_LIMIT_BURST", 40)

	cfg.Monitoring.MetricsEnabled = getEnvAsBool("METRICS_ENABLED", true)
	cfg.Monitoring.MetricsPath = getEnv("METRICS_PATH", "/metrics")

	cfg.Realtime.SendBufferSize = getEnvAsInt("REALTIME_SEND_BUFFER", 64)
	cfg.Realtime.PingInterval = parseDuration(getEnv("REALTIME_PING_INTERVAL", "30s"), 30*time.Second)
	cfg.Realtime.PongWait = parseDuration(getEnv("REALTIME_PONG_WAIT", "60s"), 60*time.Second)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseConcurrency parses "name=n,name=n" pairs into a map. A pair whose count
// is not a number gets the default per-queue worker pool size (10); a pair
// without "=" is skipped.
func parseConcurrency(value string) map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			n = 10
		}
		out[strings.TrimSpace(kv[0])] = n
	}
	return out
}
