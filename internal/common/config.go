package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Queue    QueueConfig
	Redis    RedisConfig
	AMQP     AMQPConfig
	Ingest   IngestConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // "sqlite" | "postgres"
	DSN              string
	SQLitePath       string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr           string
	GRPCAddr           string
	CORSAllowedOrigins []string
	UploadDir          string
	MaxUploadBytes     int64
	RateLimit          int
	RateLimitWindow    time.Duration
	ShutdownTimeout    time.Duration
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Pdftoppm        string
	Tesseract       string
	TessdataDir     string
	Lang            string
	PSM             int
	OEM             int
	RenderWidth     int
	ScratchDir      string
	StageTimeout    time.Duration
	SkipHealthCheck bool
	// TSVConfidence blends tesseract's word confidence into the score; it
	// runs the engine a second time per page.
	TSVConfidence bool
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Model        string
	APIKey       string
	BaseURL      string
	Temperature  float32
	Timeout      time.Duration
	MaxTextChars int
	StageTimeout time.Duration
}

// QueueConfig holds worker pool and retry configuration
type QueueConfig struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffStrategy string
	MaxBackoff      time.Duration
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	RetentionWindow time.Duration
	CleanupInterval time.Duration
}

// RedisConfig enables the upload rate limiter and event publishing when Addr is set.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	EventsChannel string
}

// AMQPConfig enables event publishing to a topic exchange when URL is set.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// IngestConfig configures the watch-folder intake; disabled when Dirs is empty.
type IngestConfig struct {
	Dirs     []string
	Language string
	Priority int
	Debounce time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads .env files (if present) and then configuration from environment variables
func LoadConfig() *Config {
	loadEnvFiles()
	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:              getEnv("DB_URL", ""),
			SQLitePath:       getEnv("DB_PATH", "./data/docintake.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:           getEnv("GRPC_ADDR", ":9090"),
			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			UploadDir:          getEnv("UPLOAD_DIR", "./data/uploads"),
			MaxUploadBytes:     int64(getEnvAsInt("MAX_UPLOAD_MB", 25)) << 20,
			RateLimit:          getEnvAsInt("UPLOAD_RATE_LIMIT", 30),
			RateLimitWindow:    getEnvAsDuration("UPLOAD_RATE_WINDOW", time.Minute),
			ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		OCR: OCRConfig{
			Pdftoppm:        getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract:       getEnv("TESSERACT_BIN", "tesseract"),
			TessdataDir:     getEnv("TESSDATA_PREFIX", ""),
			Lang:            getEnv("OCR_LANG", "ita+eng"),
			PSM:             getEnvAsInt("OCR_PSM", 3),
			OEM:             getEnvAsInt("OCR_OEM", 1),
			RenderWidth:     getEnvAsInt("OCR_RENDER_WIDTH", 2048),
			ScratchDir:      getEnv("SCRATCH_DIR", ""),
			StageTimeout:    getEnvAsDuration("OCR_STAGE_TIMEOUT", 2*time.Minute),
			SkipHealthCheck: getEnvAsBool("OCR_SKIP_HEALTHCHECK", false),
			TSVConfidence:   getEnvAsBool("OCR_TSV_CONFIDENCE", false),
		},
		LLM: LLMConfig{
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Temperature:  getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
			MaxTextChars: getEnvAsInt("CLASSIFY_MAX_CHARS", 8000),
			StageTimeout: getEnvAsDuration("CLASSIFY_STAGE_TIMEOUT", time.Minute),
		},
		Queue: QueueConfig{
			Concurrency:     getEnvAsInt("QUEUE_CONCURRENCY", 4),
			MaxAttempts:     getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:     getEnvAsDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
			BackoffStrategy: getEnv("QUEUE_BACKOFF_STRATEGY", "exponential"),
			MaxBackoff:      getEnvAsDuration("QUEUE_MAX_BACKOFF", 5*time.Minute),
			PollInterval:    getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			LeaseDuration:   getEnvAsDuration("QUEUE_LEASE_DURATION", 30*time.Second),
			StalledInterval: getEnvAsDuration("QUEUE_STALLED_INTERVAL", 15*time.Second),
			MaxStalledCount: getEnvAsInt("QUEUE_MAX_STALLED_COUNT", 1),
			RetentionWindow: getEnvAsDuration("QUEUE_RETENTION", 7*24*time.Hour),
			CleanupInterval: getEnvAsDuration("QUEUE_CLEANUP_INTERVAL", time.Hour),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvAsInt("REDIS_DB", 0),
			EventsChannel: getEnv("REDIS_EVENTS_CHANNEL", "docintake:jobs"),
		},
		AMQP: AMQPConfig{
			URL:        getEnv("AMQP_URL", ""),
			Exchange:   getEnv("AMQP_EXCHANGE", "docintake.events"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", "jobs"),
		},
		Ingest: IngestConfig{
			Dirs:     getEnvAsList("INGEST_DIRS", nil),
			Language: getEnv("INGEST_LANGUAGE", ""),
			Priority: getEnvAsInt("INGEST_PRIORITY", 0),
			Debounce: getEnvAsDuration("INGEST_DEBOUNCE", 500*time.Millisecond),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// loadEnvFiles reads .env.local then .env; variables already set in the
// environment win, and missing files are ignored.
func loadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return NewAppError(CodeConfig, "DB_PATH is required for sqlite", ErrInvalidInput)
		}
	case "postgres":
		if c.Database.DSN == "" {
			return NewAppError(CodeConfig, "DB_URL is required for postgres", ErrInvalidInput)
		}
	default:
		return NewAppError(CodeConfig, "DB_DRIVER must be sqlite or postgres", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError(CodeConfig, "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Server.UploadDir == "" {
		return NewAppError(CodeConfig, "UPLOAD_DIR is required", ErrInvalidInput)
	}
	if c.Queue.Concurrency <= 0 {
		return NewAppError(CodeConfig, "QUEUE_CONCURRENCY must be positive", ErrInvalidInput)
	}
	if c.Queue.MaxAttempts <= 0 {
		return NewAppError(CodeConfig, "QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	switch c.Queue.BackoffStrategy {
	case "exponential", "linear", "fixed":
	default:
		return NewAppError(CodeConfig, "QUEUE_BACKOFF_STRATEGY must be exponential, linear or fixed", ErrInvalidInput)
	}
	return nil
}
