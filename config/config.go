package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type AppConfig struct {
	App struct {
		Name           string
		Port           string
		LogLevel       string
		InstanceID     string
		AllowedOrigins []string
	}
	Auth struct {
		JWTSecret string
	}
	Database struct {
		Driver       string
		DSN          string
		MaxOpenConns int
		MaxIdleConns int
	}
	Redis struct {
		Enabled  bool
		Host     string
		Port     int
		Password string
		DB       int
	}
	Kafka struct {
		Enabled bool
		Brokers []string
		GroupID string
	}
	Scheduler struct {
		Backend      string
		PollInterval time.Duration
		Workers      int
		MaxAttempts  int
		RetryDelay   time.Duration
	}
	Leaderboard struct {
		GradingGrace    time.Duration
		RecheckInterval time.Duration
	}
	Session struct {
		TickInterval time.Duration
		SaveAttempts int
		SaveDelay    time.Duration
	}
	RateLimit struct {
		Requests int
		Window   time.Duration
	}
	LLM struct {
		BaseURL string
		APIKey  string
		Model   string
	}
}

var Config AppConfig

// InitConfig reads the environment, loading .env first in dev mode. Unset
// variables fall back to local-development defaults.
func InitConfig(devMode bool) *AppConfig {
	if devMode {
		if err := godotenv.Load(); err != nil {
			log.Error().Err(err).Msg("Error loading .env file")
		}
	}

	Config.App.Name = getEnv("APP_NAME", "marathon-service")
	Config.App.Port = getEnv("PORT", "6002")
	Config.App.LogLevel = getEnv("LOG_LEVEL", "info")
	Config.App.InstanceID = getEnv("INSTANCE_ID", "")
	Config.App.AllowedOrigins = getList("ALLOWED_ORIGINS")

	Config.Auth.JWTSecret = getEnv("JWT_SECRET", "")

	Config.Database.Driver = getEnv("DB_DRIVER", "sqlite")
	Config.Database.DSN = getEnv("DB_DSN", "file:marathon.db?_pragma=busy_timeout(5000)")
	Config.Database.MaxOpenConns = getInt("DB_MAX_OPEN_CONNS", 20)
	Config.Database.MaxIdleConns = getInt("DB_MAX_IDLE_CONNS", 5)

	Config.Redis.Enabled = getBool("REDIS_ENABLED", true)
	Config.Redis.Host = getEnv("REDIS_HOST", "localhost")
	Config.Redis.Port = getInt("REDIS_PORT", 6379)
	Config.Redis.Password = getEnv("REDIS_PASSWORD", "")
	Config.Redis.DB = getInt("REDIS_DB", 0)

	Config.Kafka.Enabled = getBool("KAFKA_ENABLED", false)
	Config.Kafka.Brokers = getList("KAFKA_BROKERS")
	Config.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", "marathon-service")

	Config.Scheduler.Backend = getEnv("SCHEDULER_BACKEND", "redis")
	Config.Scheduler.PollInterval = getDuration("SCHEDULER_POLL_INTERVAL", time.Second)
	Config.Scheduler.Workers = getInt("SCHEDULER_WORKERS", 4)
	Config.Scheduler.MaxAttempts = getInt("SCHEDULER_MAX_ATTEMPTS", 3)
	Config.Scheduler.RetryDelay = getDuration("SCHEDULER_RETRY_DELAY", 5*time.Second)

	Config.Leaderboard.GradingGrace = getDuration("LEADERBOARD_GRADING_GRACE", 10*time.Minute)
	Config.Leaderboard.RecheckInterval = getDuration("LEADERBOARD_RECHECK_INTERVAL", 30*time.Second)

	Config.Session.TickInterval = getDuration("SESSION_TICK_INTERVAL", time.Second)
	Config.Session.SaveAttempts = getInt("SESSION_SAVE_ATTEMPTS", 5)
	Config.Session.SaveDelay = getDuration("SESSION_SAVE_DELAY", time.Second)

	Config.RateLimit.Requests = getInt("RATE_LIMIT_REQUESTS", 120)
	Config.RateLimit.Window = getDuration("RATE_LIMIT_WINDOW", time.Minute)

	Config.LLM.BaseURL = getEnv("LLM_BASE_URL", "https://api.openai.com/v1")
	Config.LLM.APIKey = getEnv("LLM_API_KEY", "")
	Config.LLM.Model = getEnv("LLM_MODEL", "gpt-4o-mini")

	return &Config
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean, using default")
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
