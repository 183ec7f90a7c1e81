// Package main is the entry point for the scene tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scene-tiles/server/internal/api"
	"github.com/scene-tiles/server/internal/cache"
	"github.com/scene-tiles/server/internal/config"
	"github.com/scene-tiles/server/internal/data/imagefile"
	"github.com/scene-tiles/server/internal/data/zarr"
	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/render"
	"github.com/scene-tiles/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	cfg.Log.SetLogger()

	log.Printf("Starting tile server on port %d", cfg.Server.Port)
	log.Printf("Metadata: bucket=%q prefix=%q ttl=%s", cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.MetadataTTL())

	ctx := context.Background()

	// Shared caches are built once and injected into the tile service
	metadataCache := metadata.NewCache(metadata.CacheConfig{
		Bucket:     cfg.Storage.Bucket,
		Prefix:     cfg.Storage.Prefix,
		Endpoint:   cfg.Storage.Endpoint,
		TTL:        cfg.MetadataTTL(),
		MaxEntries: cfg.Metadata.MaxEntries,
		Client:     &http.Client{Timeout: cfg.MetadataHTTPTimeout()},
	})

	imageOpener, err := imagefile.NewOpener(imagefile.Config{})
	if err != nil {
		log.Fatalf("Failed to initialize source opener: %v", err)
	}
	defer imageOpener.Close()

	zarrOpener, err := zarr.NewOpener(cfg.Sources.ZarrChunkCache)
	if err != nil {
		log.Fatalf("Failed to initialize zarr opener: %v", err)
	}
	defer zarrOpener.Close()

	// Zarr arrays are read from local disk; everything else is an encoded image
	opener := raster.NewMux(imageOpener)
	opener.Handle(".zarr", zarrOpener)

	registry, err := raster.NewRegistry(opener, cfg.Sources.Capacity)
	if err != nil {
		log.Fatalf("Failed to initialize source registry: %v", err)
	}
	defer registry.Close()

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         cfg.TileTTL(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	compositor := render.NewCompositor(registry, render.Config{
		TileSize:    cfg.Render.TileSize,
		Workers:     cfg.Render.Workers,
		ReadTimeout: cfg.ReadTimeout(),
	})
	log.Printf("Render: tile_size=%d workers=%d read_timeout=%s sources=%d",
		cfg.Render.TileSize, cfg.Render.Workers, cfg.ReadTimeout(), cfg.Sources.Capacity)

	tileService := service.NewTileService(service.TileServiceConfig{
		Metadata: metadataCache,
		Renderer: compositor,
		Encoder:  render.NewEncoder(),
		Cache:    cacheManager,
		MaxScale: cfg.Render.MaxScale,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:     tileService,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
