package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	registrycache "github.com/KrishnaShettyDev/cortex/internal/registry/cache"
	registryembed "github.com/KrishnaShettyDev/cortex/internal/registry/embed"
	registryjudge "github.com/KrishnaShettyDev/cortex/internal/registry/judge"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
	registryrerank "github.com/KrishnaShettyDev/cortex/internal/registry/rerank"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
	registryvector "github.com/KrishnaShettyDev/cortex/internal/registry/vector"

	// Import all plugins to trigger init() registration
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/cache/noop"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/cache/redis"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/cache/ristretto"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/embed/local"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/embed/openai"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/judge/disabled"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/judge/openai"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/queue/memory"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/queue/postgres"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/rerank/disabled"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/rerank/openai"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/route/system"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/store/postgres"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/store/sqlite"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/vector/chromem"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/vector/pgvector"
	_ "github.com/KrishnaShettyDev/cortex/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var apiKeys string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the cortex memory ingestion HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &apiKeys),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.APIKeys = parseAPIKeys(apiKeys)
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int, apiKeys *string) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Run mode (prod|testing)",
		},
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "api-keys",
			Category:    "Server:",
			Sources:     cli.EnvVars("CORTEX_API_KEYS"),
			Destination: apiKeys,
			Usage:       "Comma-separated key=clientID pairs for static API key auth",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CORTEX_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Queue ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "queue-kind",
			Category:    "Queue:",
			Sources:     cli.EnvVars("CORTEX_QUEUE_KIND"),
			Destination: &cfg.QueueType,
			Value:       cfg.QueueType,
			Usage:       "Job queue backend (" + strings.Join(registryqueue.Names(), "|") + ")",
		},
		&cli.IntFlag{
			Name:        "queue-max-retries",
			Category:    "Queue:",
			Sources:     cli.EnvVars("CORTEX_QUEUE_MAX_RETRIES"),
			Destination: &cfg.QueueMaxRetries,
			Value:       cfg.QueueMaxRetries,
			Usage:       "Delivery attempts before a job is routed to the dead-letter list",
		},
		&cli.DurationFlag{
			Name:        "queue-visibility-timeout",
			Category:    "Queue:",
			Sources:     cli.EnvVars("CORTEX_QUEUE_VISIBILITY_TIMEOUT"),
			Destination: &cfg.QueueVisibilityTimeout,
			Value:       cfg.QueueVisibilityTimeout,
			Usage:       "How long a claimed job stays invisible before redelivery",
		},
		&cli.IntFlag{
			Name:        "queue-batch-size",
			Category:    "Queue:",
			Sources:     cli.EnvVars("CORTEX_QUEUE_BATCH_SIZE"),
			Destination: &cfg.QueueBatchSize,
			Value:       cfg.QueueBatchSize,
			Usage:       "Maximum jobs consumed per worker poll",
		},
		&cli.DurationFlag{
			Name:        "queue-batch-max-wait",
			Category:    "Queue:",
			Sources:     cli.EnvVars("CORTEX_QUEUE_BATCH_MAX_WAIT"),
			Destination: &cfg.QueueBatchMaxWait,
			Value:       cfg.QueueBatchMaxWait,
			Usage:       "Maximum time a worker waits to fill a batch",
		},
		&cli.IntFlag{
			Name:        "worker-count",
			Category:    "Queue:",
			Sources:     cli.EnvVars("CORTEX_WORKER_COUNT"),
			Destination: &cfg.WorkerCount,
			Value:       cfg.WorkerCount,
			Usage:       "Number of pipeline worker goroutines",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "embedding-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_EMBEDDING_CACHE_TTL"),
			Destination: &cfg.EmbeddingCacheTTL,
			Value:       cfg.EmbeddingCacheTTL,
			Usage:       "TTL for cached embeddings",
		},
		&cli.DurationFlag{
			Name:        "profile-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_PROFILE_CACHE_TTL"),
			Destination: &cfg.ProfileCacheTTL,
			Value:       cfg.ProfileCacheTTL,
			Usage:       "TTL for cached user profiles",
		},
		&cli.DurationFlag{
			Name:        "search-cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CORTEX_SEARCH_CACHE_TTL"),
			Destination: &cfg.SearchCacheTTL,
			Value:       cfg.SearchCacheTTL,
			Usage:       "TTL for cached search results",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "Base URL for OpenAI-compatible endpoints",
		},
		&cli.IntFlag{
			Name:        "openai-dimensions",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_OPENAI_DIMENSIONS"),
			Destination: &cfg.OpenAIDimensions,
			Usage:       "Embedding dimensions override (0 = model default)",
		},
		&cli.StringFlag{
			Name:        "openai-chat-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("CORTEX_OPENAI_CHAT_MODEL"),
			Destination: &cfg.OpenAIChatModel,
			Value:       cfg.OpenAIChatModel,
			Usage:       "Chat model used by the dedup judge and reranker",
		},

		// ── Deduplication ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "judge-kind",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("CORTEX_JUDGE_KIND"),
			Destination: &cfg.JudgeType,
			Value:       cfg.JudgeType,
			Usage:       "Dedup judge (" + strings.Join(registryjudge.Names(), "|") + ")",
		},
		&cli.FloatFlag{
			Name:        "audn-threshold",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("CORTEX_AUDN_THRESHOLD"),
			Destination: &cfg.AUDNThreshold,
			Value:       cfg.AUDNThreshold,
			Usage:       "Minimum cosine similarity for dedup candidates",
		},
		&cli.IntFlag{
			Name:        "audn-top-k",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("CORTEX_AUDN_TOP_K"),
			Destination: &cfg.AUDNTopK,
			Value:       cfg.AUDNTopK,
			Usage:       "Candidates retained after similarity ranking",
		},
		&cli.IntFlag{
			Name:        "audn-candidate-scan",
			Category:    "Deduplication:",
			Sources:     cli.EnvVars("CORTEX_AUDN_CANDIDATE_SCAN"),
			Destination: &cfg.AUDNCandidateScan,
			Value:       cfg.AUDNCandidateScan,
			Usage:       "Recent head memories compared per ingestion",
		},

		// ── Vector Store ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CORTEX_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "Vector index (" + strings.Join(registryvector.Names(), "|") + "), empty disables vector search",
		},
		&cli.StringFlag{
			Name:        "qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CORTEX_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant host or host:port",
		},
		&cli.StringFlag{
			Name:        "qdrant-collection",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CORTEX_QDRANT_COLLECTION"),
			Destination: &cfg.QdrantCollection,
			Usage:       "Qdrant collection name (default derives from the embedding model)",
		},
		&cli.StringFlag{
			Name:        "qdrant-api-key",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CORTEX_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "qdrant-tls",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CORTEX_QDRANT_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Usage:       "Use TLS for the Qdrant gRPC connection",
		},
		&cli.StringFlag{
			Name:        "chromem-path",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("CORTEX_CHROMEM_PATH"),
			Destination: &cfg.ChromemPath,
			Usage:       "Persistence directory for the chromem index (empty = in-memory)",
		},

		// ── Search ────────────────────────────────────────────────
		&cli.FloatFlag{
			Name:        "hybrid-vector-weight",
			Category:    "Search:",
			Sources:     cli.EnvVars("CORTEX_HYBRID_VECTOR_WEIGHT"),
			Destination: &cfg.HybridVectorWeight,
			Value:       cfg.HybridVectorWeight,
			Usage:       "Vector score weight in hybrid mode; keyword weight is the remainder",
		},
		&cli.IntFlag{
			Name:        "search-default-limit",
			Category:    "Search:",
			Sources:     cli.EnvVars("CORTEX_SEARCH_DEFAULT_LIMIT"),
			Destination: &cfg.SearchDefaultLimit,
			Value:       cfg.SearchDefaultLimit,
			Usage:       "Result limit when a search request omits one",
		},
		&cli.StringFlag{
			Name:        "rerank-kind",
			Category:    "Search:",
			Sources:     cli.EnvVars("CORTEX_RERANK_KIND"),
			Destination: &cfg.RerankType,
			Value:       cfg.RerankType,
			Usage:       "Reranker (" + strings.Join(registryrerank.Names(), "|") + ")",
		},

		// ── Chunking ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "chunk-max-size",
			Category:    "Chunking:",
			Sources:     cli.EnvVars("CORTEX_CHUNK_MAX_SIZE"),
			Destination: &cfg.ChunkMaxSize,
			Value:       cfg.ChunkMaxSize,
			Usage:       "Maximum chunk size in characters",
		},
		&cli.IntFlag{
			Name:        "chunk-overlap",
			Category:    "Chunking:",
			Sources:     cli.EnvVars("CORTEX_CHUNK_OVERLAP"),
			Destination: &cfg.ChunkOverlap,
			Value:       cfg.ChunkOverlap,
			Usage:       "Overlap between adjacent chunks in characters",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CORTEX_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=cortex",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func parseAPIKeys(raw string) map[string]string {
	keys := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			log.Warn("Ignoring malformed API key entry")
			continue
		}
		keys[k] = v
	}
	return keys
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
