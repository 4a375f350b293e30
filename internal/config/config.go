package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr string
	LogLevel string

	// Database
	DatabaseURL string

	// Queue (list broker preferred, REST push fallback, else no-op)
	UpstashRedisURL  string
	UpstashRestURL   string
	UpstashRestToken string
	QueueName        string

	// Text generation provider
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	AIMaxRetries  int

	// Media providers (optional; handlers fall back to placeholders)
	ImageAPIKey string
	ImageModel  string
	TTSAPIKey   string
	TTSModel    string
	TTSVoice    string
	VideoFPS    int

	// Worker
	WorkerConcurrency   int
	WorkerPollInterval  time.Duration
	WorkerMaxRetries    int
	WorkerBackoffBase   time.Duration
	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	// S3/Storage
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string
	UploadDir   string

	// Kafka event stream (optional)
	KafkaBrokers     []string
	KafkaTopicEvents string

	// Failure notifications
	SlackWebhook string

	// Scheduler
	SchedulerSpec string

	// Auth
	AuthEnabled bool

	// Dev switches
	SkipPersistence   bool
	SkipEnvValidation bool
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", getEnv("POSTGRES_URL", "")),

		UpstashRedisURL:  getEnv("UPSTASH_REDIS_URL", ""),
		UpstashRestURL:   getEnv("UPSTASH_REST_URL", ""),
		UpstashRestToken: getEnv("UPSTASH_REST_TOKEN", ""),
		QueueName:        getEnv("UPSTASH_QUEUE_NAME", "generation_jobs"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o"),
		AIMaxRetries:  getEnvInt("AI_MAX_RETRIES", 3),

		ImageAPIKey: getEnv("IMAGE_API_KEY", ""),
		ImageModel:  getEnv("IMAGE_MODEL", "gemini-2.0-flash-exp"),
		TTSAPIKey:   getEnv("TTS_API_KEY", ""),
		TTSModel:    getEnv("TTS_MODEL", "gemini-2.5-pro-preview-tts"),
		TTSVoice:    getEnv("TTS_VOICE", "Zephyr"),
		VideoFPS:    getEnvInt("VIDEO_FPS", 24),

		WorkerConcurrency:   clampMin(getEnvInt("WORKER_CONCURRENCY", 3), 1),
		WorkerPollInterval:  getEnvMillis("WORKER_POLL_INTERVAL_MS", 5000*time.Millisecond),
		WorkerMaxRetries:    getEnvInt("WORKER_MAX_RETRIES", 3),
		WorkerBackoffBase:   getEnvMillis("WORKER_BACKOFF_BASE_MS", time.Second),
		ReconcileInterval:   getEnvMillis("RECONCILE_INTERVAL_MS", time.Minute),
		ReconcileStaleAfter: getEnvMillis("RECONCILE_STALE_AFTER_MS", 5*time.Minute),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "story-assets"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),
		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),

		KafkaBrokers:     splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicEvents: getEnv("KAFKA_TOPIC_EVENTS", "storyloom.pipeline.events.v1"),

		SlackWebhook: getEnv("SLACK_WEBHOOK", ""),

		SchedulerSpec: getEnv("SCHEDULER_SPEC", "0 6 * * *"),

		AuthEnabled: getEnvBool("AUTH_ENABLED", false),

		SkipPersistence:   getEnvBool("SKIP_PERSISTENCE", false),
		SkipEnvValidation: getEnvBool("SKIP_ENV_VALIDATION", false),
	}
}

// Validate enforces the keys the pipeline cannot boot without. The check can
// be bypassed for tests via SKIP_ENV_VALIDATION.
func (c *Config) Validate() error {
	if c.SkipEnvValidation {
		return nil
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or POSTGRES_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvMillis reads an integer number of milliseconds.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal >= 0 {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return defaultValue
}

// clampMin returns v if v >= min, otherwise min. Used to ensure config values are in valid range.
func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
