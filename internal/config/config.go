package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, scheduler and workers.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	JobConfigsFile string
	DefaultJobName string

	Batch     BatchConfig
	Scheduler SchedulerConfig

	WorkerEnabled           bool
	WorkerMaxConcurrentRuns int
}

type BatchConfig struct {
	SkipLimit           int
	PersistErrors       bool
	RedactRawLines      bool
	ValidationMode      string
	EventWindowYears    int
	DefaultChunkSize    int
	RetryLimit          int
	RetryInitial        time.Duration
	RetryMultiplier     float64
	RetryMax            time.Duration
	ValidateStoragePath bool
}

type SchedulerConfig struct {
	Enabled          bool
	Interval         time.Duration
	RunningThreshold int
	QueryLimit       int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "dataflow_runs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "dataflow_runs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "dataflow_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "worker-1"),

		JobConfigsFile: getEnv("JOB_CONFIGS_FILE", ""),
		DefaultJobName: getEnv("DEFAULT_JOB_NAME", DefaultJobName),

		Batch: BatchConfig{
			SkipLimit:           getEnvInt("BATCH_SKIP_LIMIT", 1000),
			PersistErrors:       getEnvBool("BATCH_PERSIST_ERRORS", true),
			RedactRawLines:      getEnvBool("BATCH_REDACT_RAW_LINES", false),
			ValidationMode:      getEnv("BATCH_VALIDATION_MODE", "exception"),
			EventWindowYears:    getEnvInt("BATCH_EVENT_WINDOW_YEARS", 2),
			DefaultChunkSize:    getEnvInt("BATCH_DEFAULT_CHUNK_SIZE", 500),
			RetryLimit:          getEnvInt("BATCH_RETRY_LIMIT", 3),
			RetryInitial:        time.Duration(getEnvInt("BATCH_RETRY_INITIAL_MS", 200)) * time.Millisecond,
			RetryMultiplier:     getEnvFloat("BATCH_RETRY_MULTIPLIER", 2.0),
			RetryMax:            time.Duration(getEnvInt("BATCH_RETRY_MAX_MS", 1000)) * time.Millisecond,
			ValidateStoragePath: getEnvBool("BATCH_VALIDATE_STORAGE_PATH", false),
		},
		Scheduler: SchedulerConfig{
			Enabled:          getEnvBool("SCHEDULING_ENABLED", false),
			Interval:         getEnvDuration("SCHEDULER_INTERVAL", 24*time.Hour),
			RunningThreshold: getEnvInt("SCHEDULER_RUNNING_THRESHOLD", 10),
			QueryLimit:       getEnvInt("SCHEDULER_QUERY_LIMIT", 50),
		},

		WorkerEnabled:           getEnvBool("WORKER_ENABLED", true),
		WorkerMaxConcurrentRuns: getEnvInt("WORKER_MAX_CONCURRENT_RUNS", 4),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
