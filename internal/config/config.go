package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the cortex service.
type Config struct {
	// Mode controls relaxed behavior for local development: "prod" (default) or "testing".
	Mode string

	// Database
	DBURL         string
	DatastoreType string // "postgres" or "sqlite"

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Queue backend type
	QueueType string // "postgres" or "memory"

	// Queue behavior.
	QueueMaxRetries        int
	QueueVisibilityTimeout time.Duration
	QueueBatchSize         int
	QueueBatchMaxWait      time.Duration
	WorkerCount            int

	// Cache backend type
	CacheType string // "redis", "ristretto", or "none"
	RedisURL  string

	// Cache TTLs per key namespace.
	EmbeddingCacheTTL time.Duration
	ProfileCacheTTL   time.Duration
	SearchCacheTTL    time.Duration

	// Embedding type
	EmbedType string // "local" or "openai"

	// OpenAI-compatible endpoints (embedding, judge, rerank).
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int
	OpenAIChatModel  string

	// Dedup decision engine.
	JudgeType string // "openai" or "none"

	// AUDNThreshold is the minimum cosine similarity for an existing memory
	// to be considered a dedup candidate at all.
	AUDNThreshold float64
	// AUDNTopK bounds how many candidates are passed to the judgment step.
	AUDNTopK int
	// AUDNCandidateScan bounds how many recent head memories are embedded and
	// compared when building the candidate set.
	AUDNCandidateScan int

	// Vector store type
	VectorType string // "pgvector", "qdrant", "chromem", or "" (disabled)

	// Run vector migrations on startup.
	VectorMigrateAtStart bool

	// Qdrant
	QdrantHost           string
	QdrantPort           int
	QdrantCollection     string
	QdrantAPIKey         string
	QdrantUseTLS         bool
	QdrantStartupTimeout time.Duration

	// Chromem persistence directory. Empty keeps the index in memory only.
	ChromemPath string

	// Search
	HybridVectorWeight float64 // keyword weight = 1 - HybridVectorWeight
	SearchDefaultLimit int
	RerankType         string // "openai" or "none"

	// Chunking
	ChunkMaxSize int
	ChunkOverlap int

	// Server
	Listener            ListenerConfig
	ManagementAccessLog bool
	MaxBodySize         int64
	DrainTimeout        int

	// APIKeys maps static API key values to client IDs, for deployments where
	// the upstream gateway is bypassed (testing mode).
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		QueueType:               "postgres",
		QueueMaxRetries:         3,
		QueueVisibilityTimeout:  5 * time.Minute,
		QueueBatchSize:          10,
		QueueBatchMaxWait:       5 * time.Second,
		WorkerCount:             2,
		CacheType:               "none",
		EmbeddingCacheTTL:       time.Hour,
		ProfileCacheTTL:         5 * time.Minute,
		SearchCacheTTL:          10 * time.Minute,
		EmbedType:               "local",
		OpenAIModelName:         "text-embedding-3-small",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		OpenAIChatModel:         "gpt-4o-mini",
		JudgeType:               "none",
		AUDNThreshold:           0.85,
		AUDNTopK:                5,
		AUDNCandidateScan:       256,
		VectorType:              "",
		VectorMigrateAtStart:    true,
		QdrantHost:              "localhost",
		QdrantPort:              6334,
		QdrantStartupTimeout:    30 * time.Second,
		HybridVectorWeight:      0.7,
		SearchDefaultLimit:      20,
		RerankType:              "none",
		ChunkMaxSize:            600,
		ChunkOverlap:            80,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:  1 * 1024 * 1024,
		DrainTimeout: 30,
	}
}

// QdrantAddress returns host:port for the Qdrant gRPC endpoint. A host that
// already carries a port is returned unchanged.
func (c *Config) QdrantAddress() string {
	host := c.QdrantHost
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		return host
	}
	port := c.QdrantPort
	if port == 0 {
		port = 6334
	}
	return fmt.Sprintf("%s:%d", host, port)
}
