package config

import (
	"os"
	"strconv"
	"time"

	"github.com/mikeboe/research-director/pkg/research"
)

type Config struct {
	GoogleApiKey   string
	DatabaseURL    string
	SQLitePath     string
	ReasoningModel string
	FastModel      string
	Port           string

	// Vector index
	ChunkSize           int
	ChunkOverlap        int
	EmbeddingModel      string
	EmbeddingDimensions int
	CollectionName      string

	// Research loop
	MaxIterations   int
	BatchSize       int
	Workers         int
	MaxItemAttempts int

	// Providers
	SerpAPIKey   string
	MistralKey   string
	SearchRPS    float64
	FetchTimeout time.Duration
}

// Load reads the configuration from the environment. Callers load .env first.
func Load() *Config {
	return &Config{
		GoogleApiKey:   getEnv("GOOGLE_API_KEY", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "data/research.db"),
		ReasoningModel: getEnv("REASONING_MODEL", "gemini-3-pro-preview"),
		FastModel:      getEnv("FAST_MODEL", "gemini-3-flash-preview"),
		Port:           getEnv("PORT", "8081"),

		ChunkSize:           getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:        getEnvAsInt("CHUNK_OVERLAP", 200),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
		CollectionName:      getEnv("COLLECTION_NAME", "research_content"),

		MaxIterations:   getEnvAsInt("MAX_ITERATIONS", research.DefaultMaxIterations),
		BatchSize:       getEnvAsInt("BATCH_SIZE", research.DefaultBatchSize),
		Workers:         getEnvAsInt("WORKERS", research.DefaultWorkers),
		MaxItemAttempts: getEnvAsInt("MAX_ITEM_ATTEMPTS", research.DefaultMaxItemAttempts),

		SerpAPIKey:   getEnv("SERPAPI_API_KEY", ""),
		MistralKey:   getEnv("MISTRAL_API_KEY", ""),
		SearchRPS:    getEnvAsFloat("SEARCH_RPS", 2),
		FetchTimeout: getEnvAsDuration("FETCH_TIMEOUT", 30*time.Second),
	}
}

// Research returns the loop limits
func (c *Config) Research() research.Config {
	return research.Config{
		MaxIterations:   c.MaxIterations,
		BatchSize:       c.BatchSize,
		Workers:         c.Workers,
		MaxItemAttempts: c.MaxItemAttempts,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("45s") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
