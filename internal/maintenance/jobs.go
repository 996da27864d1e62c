package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/cache"
	"github.com/aristath/meridian/internal/reliability"
)

// CacheCleanupJob evicts expired cache entries that the store has not
// yet reclaimed on its own.
type CacheCleanupJob struct {
	cache *cache.TemporalCache
	log   zerolog.Logger
}

// NewCacheCleanupJob creates the cleanup job.
func NewCacheCleanupJob(temporal *cache.TemporalCache, log zerolog.Logger) *CacheCleanupJob {
	return &CacheCleanupJob{
		cache: temporal,
		log:   log.With().Str("job", "cache_cleanup").Logger(),
	}
}

func (j *CacheCleanupJob) Name() string { return "cache_cleanup" }

func (j *CacheCleanupJob) Run() error {
	started := time.Now()

	removed, err := j.cache.Cleanup()
	if err != nil {
		return fmt.Errorf("cache cleanup failed: %w", err)
	}

	j.log.Info().
		Int64("removed", removed).
		Dur("duration_ms", time.Since(started)).
		Msg("Cache cleanup completed")
	return nil
}

// archiveTimeout bounds one archive upload end to end.
const archiveTimeout = 10 * time.Minute

// CacheArchiveJob uploads a cache snapshot to object storage and
// rotates old archives past the retention window.
type CacheArchiveJob struct {
	archiver      *reliability.ArchiveService
	retentionDays int
	log           zerolog.Logger
}

// NewCacheArchiveJob creates the archive job.
func NewCacheArchiveJob(archiver *reliability.ArchiveService, retentionDays int, log zerolog.Logger) *CacheArchiveJob {
	return &CacheArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "cache_archive").Logger(),
	}
}

func (j *CacheArchiveJob) Name() string { return "cache_archive" }

func (j *CacheArchiveJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	key, err := j.archiver.CreateAndUpload(ctx)
	if err != nil {
		return fmt.Errorf("cache archive failed: %w", err)
	}

	deleted, err := j.archiver.RotateOld(ctx, j.retentionDays)
	if err != nil {
		// The upload already succeeded; rotation failure is not fatal.
		j.log.Warn().Err(err).Msg("Archive rotation failed")
	}

	j.log.Info().
		Str("archive", key).
		Int("rotated", deleted).
		Msg("Cache archive completed")
	return nil
}
