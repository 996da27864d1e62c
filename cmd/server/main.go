// Package main is the entry point for the Meridian market-data service.
// It wires the provider adapters, the composite failover chain, the
// temporal cache, health monitoring and the HTTP API, then runs until
// interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/meridian/internal/breaker"
	"github.com/aristath/meridian/internal/cache"
	"github.com/aristath/meridian/internal/composite"
	"github.com/aristath/meridian/internal/config"
	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/health"
	"github.com/aristath/meridian/internal/maintenance"
	"github.com/aristath/meridian/internal/providers"
	"github.com/aristath/meridian/internal/reliability"
	"github.com/aristath/meridian/internal/server"
	"github.com/aristath/meridian/internal/workpool"
	"github.com/aristath/meridian/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting Meridian")

	// Provider adapters. Only sources named in the configured chain are
	// constructed; the chain is validated against this set below.
	wanted := make(map[domain.Source]bool, len(cfg.Provider.Chain))
	for _, src := range cfg.Provider.Chain {
		wanted[src] = true
	}
	var provs []providers.Provider
	if wanted[domain.SourceYahoo] {
		provs = append(provs, providers.NewYahooClient(cfg.YahooBaseURL, log))
	}
	if wanted[domain.SourceAlphaVantage] {
		provs = append(provs, providers.NewAlphaVantageClient(cfg.AlphaBaseURL, cfg.AlphaAPIKey, log))
	}
	if len(provs) == 0 {
		log.Fatal().Msg("No usable providers in PROVIDER_CHAIN")
	}

	sources := make([]domain.Source, len(provs))
	for i, p := range provs {
		sources[i] = p.Source()
	}

	registry := breaker.NewRegistry(sources, cfg.BreakerThreshold, cfg.BreakerRecovery, log)
	monitor := health.NewMonitor(provs, registry, cfg.PollInterval, log)

	cachePath := filepath.Join(cfg.DataDir, "cache.db")
	store, err := cache.NewSQLiteStore(cachePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cachePath).Msg("Failed to open cache database")
	}
	var cacheOpts []cache.Option
	for kind, ttl := range cfg.CacheTTL {
		cacheOpts = append(cacheOpts, cache.WithTTL(cache.Kind(kind), ttl))
	}
	temporal := cache.New(store, log, cacheOpts...)
	defer temporal.Close()

	comp, err := composite.New(provs, cfg.Provider, registry, monitor, temporal, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire composite provider")
	}

	probe := workpool.NewResourceProbe(log)
	pool, err := workpool.New(cfg.MaxParallel, probe, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker pool")
	}

	monitor.Start()
	defer monitor.Stop()

	// Background maintenance: periodic cache cleanup, plus nightly
	// archiving to object storage when configured.
	scheduler := maintenance.New(log)
	cleanup := maintenance.NewCacheCleanupJob(temporal, log)
	if err := scheduler.AddJob("*/15 * * * *", cleanup); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule cache cleanup")
	}

	if cfg.Archive.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		objStore, err := reliability.NewS3Store(ctx,
			cfg.Archive.AccessKey, cfg.Archive.SecretKey,
			cfg.Archive.Region, cfg.Archive.Endpoint, cfg.Archive.Bucket, log)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize archive object store")
		}
		archiver := reliability.NewArchiveService(objStore, cachePath, cfg.DataDir, log)
		archiveJob := maintenance.NewCacheArchiveJob(archiver, cfg.Archive.Retention, log)
		if err := scheduler.AddJob("0 3 * * *", archiveJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule cache archive")
		}
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Cache archiving enabled")
	}

	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Composite: comp,
		Monitor:   monitor,
		Cache:     temporal,
		Pool:      pool,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Meridian stopped")
}
