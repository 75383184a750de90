package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/qcatalog/refimage"
	"github.com/qcatalog/refimage/api"
	"github.com/qcatalog/refimage/category"
	"github.com/qcatalog/refimage/config"
	"github.com/qcatalog/refimage/metrics"
	"github.com/qcatalog/refimage/resolver"
	"github.com/qcatalog/refimage/search"
	"github.com/qcatalog/refimage/storage"
	"github.com/qcatalog/refimage/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Setup structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("refimage service initializing", "version", version)

	// W3C trace context flows through the instrumented server handler and
	// outbound transport.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Command-line flags (override configuration)
	port := flag.String("port", cfg.Server.Port, "Server port")
	disableSearch := flag.Bool("disable-search", false, "Disable the AI-backed targeted search stage")
	flag.Parse()

	ctx := context.Background()

	// Persistence
	st, err := store.New(store.Config{DSN: cfg.DB.DSN()})
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	logger.Info("using PostgreSQL database", "host", cfg.DB.Host, "port", cfg.DB.Port, "database", cfg.DB.Name)

	// Upload storage backend
	var backend storage.Backend
	switch cfg.Storage.Type {
	case "s3":
		backend, err = storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:        cfg.Storage.S3Endpoint,
			Region:          cfg.Storage.S3Region,
			Bucket:          cfg.Storage.S3Bucket,
			AccessKeyID:     cfg.Storage.S3AccessKeyID,
			SecretAccessKey: cfg.Storage.S3SecretKey,
			UsePathStyle:    cfg.Storage.S3UsePathStyle,
		})
		if err != nil {
			logger.Error("failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		logger.Info("using S3 upload storage", "bucket", cfg.Storage.S3Bucket, "region", cfg.Storage.S3Region)
	default:
		backend, err = storage.New(storage.Config{BasePath: cfg.Storage.BasePath})
		if err != nil {
			logger.Error("failed to initialize filesystem storage", "error", err)
			os.Exit(1)
		}
		logger.Info("using filesystem upload storage", "base_path", cfg.Storage.BasePath)
	}
	ingestor := storage.NewIngestor(backend, cfg.Server.MaxUploadBytes)

	// Targeted search is optional; without it the resolver starts at the
	// product profile stage.
	var searcher resolver.Searcher
	if !*disableSearch && cfg.Search.APIKey != "" {
		searchClient, err := search.New(ctx, search.Config{
			APIKey:     cfg.Search.APIKey,
			Model:      cfg.Search.Model,
			MaxResults: cfg.Search.MaxCandidates,
		})
		if err != nil {
			logger.Warn("failed to initialize search client, continuing without targeted search", "error", err)
		} else {
			searcher = searchClient
			logger.Info("targeted image search enabled", "model", cfg.Search.Model)
		}
	} else {
		logger.Info("targeted image search disabled")
	}

	serverConfig := api.Config{
		Addr:    ":" + *port,
		Version: version,
		ClientConfig: refimage.Config{
			FetchTimeout:      cfg.Fetch.Timeout,
			ImageTimeout:      cfg.Fetch.ImageTimeout,
			MaxImageSizeBytes: cfg.Fetch.MaxImageSizeBytes,
			MaxImages:         cfg.Fetch.MaxImages,
		},
		CategoryConfig: category.Config{
			Threshold: cfg.Category.Threshold,
			Aliases:   category.DefaultAliases(),
		},
		ResolverConfig: resolver.Config{
			StageTimeout:  cfg.Resolver.StageTimeout,
			MaxWorkers:    cfg.Resolver.MaxWorkers,
			MaxCandidates: cfg.Resolver.MaxCandidates,
		},
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RateLimitPerIP: cfg.RateLimit.PerIP,
		RateLimitBurst: cfg.RateLimit.Burst,
	}

	server, err := api.NewServer(serverConfig, st, ingestor, searcher)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Connection pool metrics
	dbMetrics := metrics.NewDatabaseMetrics("refimage")
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			dbMetrics.Update(st.DB().Stats())
		}
	}()

	// Start server in a goroutine
	go func() {
		logger.Info("refimage service starting",
			"port", *port,
			"database_host", cfg.DB.Host,
			"database_name", cfg.DB.Name,
			"storage_type", cfg.Storage.Type,
			"search_enabled", searcher != nil,
			"max_images", cfg.Fetch.MaxImages,
			"category_threshold", cfg.Category.Threshold,
		)

		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
