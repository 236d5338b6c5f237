package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/liliang-cn/docqa/internal/api"
	"github.com/liliang-cn/docqa/internal/config"
	"github.com/liliang-cn/docqa/internal/rag"
	"github.com/liliang-cn/docqa/internal/repository"
	"github.com/liliang-cn/docqa/internal/service"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	buildIndex = flag.Bool("index", false, "Build the document index and exit")
	docsDir    = flag.String("docs", "", "Document directory override for -index")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	embedder, err := rag.NewOpenAIEmbedder(rag.EmbedderConfig{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.EmbeddingModel,
		Dimensions: cfg.LLM.EmbeddingDimensions,
	})
	if err != nil {
		logger.Fatal("Failed to create embedder", zap.Error(err))
	}

	chunker, err := rag.NewChunker(cfg.Chunking.ChunkSize, cfg.Chunking.ChunkOverlap)
	if err != nil {
		logger.Fatal("Failed to create chunker", zap.Error(err))
	}

	indexService := service.NewIndexService(cfg, chunker, embedder, logger)

	// Batch mode: build the index, persist it, exit.
	if *buildIndex {
		stats, err := indexService.Build(context.Background(), *docsDir)
		if err != nil {
			logger.Fatal("Index build failed", zap.Error(err))
		}
		logger.Info("Index written",
			zap.Int("documents", stats.Documents),
			zap.Int("chunks", stats.Chunks),
			zap.String("path", cfg.Index.Path))
		return
	}

	// Restore the last snapshot; a server without one starts unindexed
	// and reports indexed: false until a build completes.
	if loaded, err := indexService.LoadSnapshot(); err != nil {
		logger.Warn("Failed to load index snapshot, starting unindexed", zap.Error(err))
	} else if !loaded {
		logger.Info("No index snapshot found, starting unindexed",
			zap.String("path", cfg.Index.Path))
	}

	generator, err := rag.NewOpenAIGenerator(rag.GeneratorConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		IdleTimeout: cfg.LLM.StreamIdleTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to create generator", zap.Error(err))
	}

	// Initialize database (query session records)
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	sessionRepo := repository.NewSessionRepository(db)

	retriever := rag.WrapLRUCache(
		rag.NewRetriever(embedder, indexService, cfg.Retrieval.TopK, cfg.Retrieval.MinSimilarity),
		indexService,
		cfg.Retrieval.CacheSize,
		cfg.Retrieval.CacheTTL,
	)
	assembler := rag.NewContextAssembler(cfg.Retrieval.ContextBudget)
	queryService := service.NewQueryService(retriever, assembler, generator, indexService, sessionRepo, logger)

	// Setup router
	router := api.SetupRouter(queryService, indexService, api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: []string{"*"},
		RateLimit:    cfg.RateLimit,
	}, logger)

	// Create HTTP server. Streams outlive any fixed write timeout; the
	// client-side session deadline bounds them instead.
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting DocQA server", zap.String("address", cfg.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
