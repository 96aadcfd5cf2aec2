package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raphaelgruber/ingestd/internal/db"
	"github.com/raphaelgruber/ingestd/internal/embedding"
	"github.com/raphaelgruber/ingestd/internal/llm"
	"github.com/raphaelgruber/ingestd/internal/service"
)

// Job store backends.
const (
	JobStoreMemory  = "memory"
	JobStoreSQLite  = "sqlite"
	JobStoreSurreal = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	HTTPAddr string

	// Logging
	LogFile          string
	LogLevel         slog.Level
	LogBuffer        int
	SubscriberBuffer int

	// Jobs
	StuckThreshold time.Duration
	MaxWorkers     int
	EmbedBatchSize int
	RetryAttempts  int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	CallTimeout    time.Duration

	JobStore   string
	SQLitePath string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Provider defaults
	OllamaHost       string
	OpenAIAPIKey     string
	GeminiAPIKey     string
	HuggingFaceToken string
	VoyageAPIKey     string
	AnthropicAPIKey  string
	AWSRegion        string

	// Connector assistant
	AssistantProvider string
	AssistantModel    string

	// API
	JWTSecret   string
	CORSOrigins []string
}

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr: getEnv("INGEST_HTTP_ADDR", ":8484"),

		LogFile:          getEnv("INGEST_LOG_FILE", "/tmp/ingestd.log"),
		LogLevel:         parseLogLevel(getEnv("INGEST_LOG_LEVEL", "INFO")),
		LogBuffer:        getInt("INGEST_LOG_BUFFER", 200),
		SubscriberBuffer: getInt("INGEST_SUBSCRIBER_BUFFER", 100),

		StuckThreshold: getDuration("INGEST_STUCK_THRESHOLD", 2*time.Minute),
		MaxWorkers:     getInt("INGEST_MAX_WORKERS", 16),
		EmbedBatchSize: getInt("INGEST_EMBED_BATCH_SIZE", 16),
		RetryAttempts:  getInt("INGEST_RETRY_ATTEMPTS", 3),
		RetryInitial:   getDuration("INGEST_RETRY_INITIAL", 200*time.Millisecond),
		RetryMax:       getDuration("INGEST_RETRY_MAX", 2*time.Second),
		CallTimeout:    getDuration("INGEST_CALL_TIMEOUT", 60*time.Second),

		JobStore:   strings.ToLower(getEnv("INGEST_JOB_STORE", JobStoreMemory)),
		SQLitePath: getEnv("INGEST_SQLITE_PATH", "./data/jobs.db"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "ingest"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "vectors"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		OllamaHost:       getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		HuggingFaceToken: getEnv("HUGGINGFACEHUB_API_TOKEN", ""),
		VoyageAPIKey:     getEnv("VOYAGE_API_KEY", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),

		AssistantProvider: getEnv("INGEST_ASSISTANT_PROVIDER", "ollama"),
		AssistantModel:    getEnv("INGEST_ASSISTANT_MODEL", "llama3"),

		JWTSecret:   getEnv("INGEST_JWT_SECRET", ""),
		CORSOrigins: splitList(getEnv("INGEST_CORS_ORIGINS", "*")),
	}
}

// Surreal returns the SurrealDB connection settings.
func (c Config) Surreal() db.Config {
	return db.Config{
		URL:       c.SurrealDBURL,
		Namespace: c.SurrealDBNamespace,
		Database:  c.SurrealDBDatabase,
		Username:  c.SurrealDBUser,
		Password:  c.SurrealDBPass,
		AuthLevel: c.SurrealDBAuthLevel,
	}
}

// Embedding returns the provider defaults that per-job settings override.
func (c Config) Embedding() embedding.Config {
	return embedding.Config{
		Provider:         embedding.ProviderOllama,
		OllamaHost:       c.OllamaHost,
		OpenAIAPIKey:     c.OpenAIAPIKey,
		HuggingFaceToken: c.HuggingFaceToken,
		GeminiAPIKey:     c.GeminiAPIKey,
		AWSRegion:        c.AWSRegion,
		VoyageAPIKey:     c.VoyageAPIKey,
	}
}

// Assistant returns the connector assistant model settings.
func (c Config) Assistant() llm.Config {
	return llm.Config{
		Provider:        llm.Provider(c.AssistantProvider),
		Model:           c.AssistantModel,
		OllamaHost:      c.OllamaHost,
		OpenAIAPIKey:    c.OpenAIAPIKey,
		AnthropicAPIKey: c.AnthropicAPIKey,
	}
}

// Executor returns the executor settings.
func (c Config) Executor() service.ExecutorConfig {
	return service.ExecutorConfig{
		BatchSize:   c.EmbedBatchSize,
		CallTimeout: c.CallTimeout,
		Retry: service.RetryConfig{
			Attempts: c.RetryAttempts,
			Initial:  c.RetryInitial,
			Max:      c.RetryMax,
		},
	}
}

// Manager returns the job registry settings.
func (c Config) Manager() service.ManagerConfig {
	return service.ManagerConfig{
		StuckThreshold: c.StuckThreshold,
		MaxWorkers:     c.MaxWorkers,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer setting, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration setting, using default", "key", key, "value", val, "default", defaultVal)
		return defaultVal
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
