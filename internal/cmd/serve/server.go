package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/KrishnaShettyDev/cortex/internal/audn"
	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/observability"
	"github.com/KrishnaShettyDev/cortex/internal/pipeline"
	"github.com/KrishnaShettyDev/cortex/internal/plugin/route/jobs"
	"github.com/KrishnaShettyDev/cortex/internal/plugin/route/memories"
	routesearch "github.com/KrishnaShettyDev/cortex/internal/plugin/route/search"
	routesystem "github.com/KrishnaShettyDev/cortex/internal/plugin/route/system"
	registrycache "github.com/KrishnaShettyDev/cortex/internal/registry/cache"
	registryembed "github.com/KrishnaShettyDev/cortex/internal/registry/embed"
	registryjudge "github.com/KrishnaShettyDev/cortex/internal/registry/judge"
	registrymigrate "github.com/KrishnaShettyDev/cortex/internal/registry/migrate"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
	registryrerank "github.com/KrishnaShettyDev/cortex/internal/registry/rerank"
	registryroute "github.com/KrishnaShettyDev/cortex/internal/registry/route"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
	registryvector "github.com/KrishnaShettyDev/cortex/internal/registry/vector"
	"github.com/KrishnaShettyDev/cortex/internal/search"
	"github.com/KrishnaShettyDev/cortex/internal/security"
	"github.com/KrishnaShettyDev/cortex/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.MemoryStore
	Queue  registryqueue.Queue
	Router *gin.Engine
	Port   int

	httpServer   *http.Server
	cancelWorker context.CancelFunc
}

// Shutdown gracefully shuts down the server and its worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelWorker != nil {
		s.cancelWorker()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port; the actual port is Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting cortex",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"queue", cfg.QueueType,
		"cache", cfg.CacheType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := observability.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	observability.InitMetrics(metricsLabels)

	ctx = config.WithContext(ctx, cfg)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Cache backend and the typed cache layer on top of it. An unknown
	// cache kind falls back to the none backend so every lookup misses.
	var backend registrycache.Backend
	cacheLoader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		log.Warn("Cache not available, caching disabled", "cache", cfg.CacheType, "err", err)
		cacheLoader, err = registrycache.Select("none")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}
	if backend, err = cacheLoader(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	caches := cache.New(backend, cfg.EmbeddingCacheTTL, cfg.ProfileCacheTTL, cfg.SearchCacheTTL)

	// Store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = observability.InstrumentStore(store)

	// Queue
	queueLoader, err := registryqueue.Select(cfg.QueueType)
	if err != nil {
		return nil, err
	}
	queue, err := queueLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	// Embedder, wrapped in the embedding cache.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	rawEmbedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	embedder := service.NewCachedEmbedder(rawEmbedder, caches)

	// Vector index (optional; search degrades to keyword mode without it).
	var vectorIndex registryvector.VectorIndex
	if cfg.VectorType != "" && cfg.VectorType != "none" {
		vectorLoader, err := registryvector.Select(cfg.VectorType)
		if err != nil {
			return nil, err
		}
		vectorIndex, err = vectorLoader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector index: %w", err)
		}
	}

	// Dedup judge and engine.
	judgeLoader, err := registryjudge.Select(cfg.JudgeType)
	if err != nil {
		return nil, err
	}
	dedupJudge, err := judgeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dedup judge: %w", err)
	}
	engine := audn.NewEngine(dedupJudge, cfg.AUDNThreshold, cfg.AUDNTopK)

	// Reranker.
	rerankLoader, err := registryrerank.Select(cfg.RerankType)
	if err != nil {
		return nil, err
	}
	reranker, err := rerankLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reranker: %w", err)
	}

	// Pipeline executor and worker pool. Workers keep a context independent of
	// request handling so in-flight jobs finish during drain.
	executor := pipeline.NewExecutor(store, embedder, vectorIndex, caches, cfg)
	workerCtx, cancelWorker := context.WithCancel(config.WithContext(context.Background(), cfg))
	pool := service.NewWorkerPool(queue, executor, cfg)
	go pool.Start(workerCtx)

	ingestor := service.NewIngestor(store, queue, embedder, engine, cfg)
	searcher := search.NewSearcher(store, embedder, vectorIndex, reranker, caches, cfg)
	profiles := service.NewProfileService(store, caches)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(observability.AccessLogMiddleware())
	} else {
		router.Use(observability.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(observability.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			cancelWorker()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	memories.MountRoutes(router, ingestor, store, auth)
	jobs.MountRoutes(router, store, queue, auth)
	routesearch.MountRoutes(router, searcher, profiles, auth)

	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			cancelWorker()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		cancelWorker()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:       cfg,
		Store:        store,
		Queue:        queue,
		Router:       router,
		Port:         port,
		httpServer:   httpServer,
		cancelWorker: cancelWorker,
	}, nil
}
