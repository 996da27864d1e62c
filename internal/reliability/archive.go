package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/pkg/logger"
)

const archivePrefix = "meridian-cache-"

// ArchiveMetadata describes the contents of one uploaded archive.
type ArchiveMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata is one archived file with its integrity checksum.
type FileMetadata struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo summarizes one archive present in the object store.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// ArchiveService snapshots the cache database into tar.gz archives in
// object storage, so a fresh deployment can warm its cache from the
// last archive instead of hammering the providers.
type ArchiveService struct {
	store     ObjectStore
	cachePath string
	dataDir   string
	log       zerolog.Logger
}

// NewArchiveService creates the archive service for the cache database
// at cachePath, staging archives under dataDir.
func NewArchiveService(store ObjectStore, cachePath, dataDir string, log zerolog.Logger) *ArchiveService {
	return &ArchiveService{
		store:     store,
		cachePath: cachePath,
		dataDir:   dataDir,
		log:       logger.Component(log, "cache_archive"),
	}
}

// CreateAndUpload builds a tar.gz archive of the cache database plus a
// metadata manifest and uploads it. Returns the object key.
func (s *ArchiveService) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting cache archive")
	started := time.Now()

	stagingDir := filepath.Join(s.dataDir, "archive-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	info, err := os.Stat(s.cachePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat cache database: %w", err)
	}
	checksum, err := checksumFile(s.cachePath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum cache database: %w", err)
	}

	metadata := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Files: []FileMetadata{{
			Filename:  filepath.Base(s.cachePath),
			SizeBytes: info.Size(),
			Checksum:  checksum,
		}},
	}
	metadataPath := filepath.Join(stagingDir, "archive-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write archive metadata: %w", err)
	}

	key := archivePrefix + time.Now().Format("2006-01-02-150405") + ".tar.gz"
	archivePath := filepath.Join(stagingDir, key)
	if err := createArchive(archivePath, []string{s.cachePath, metadataPath}); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, key, archiveFile); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(started)).
		Str("archive", key).
		Int64("cache_size_bytes", info.Size()).
		Msg("Cache archive completed")
	return key, nil
}

// ListArchives returns the stored archives, newest first.
func (s *ArchiveService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	now := time.Now()
	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := parseArchiveKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unparseable archive name")
			continue
		}
		archives = append(archives, ArchiveInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
	return archives, nil
}

// minArchivesToKeep survive rotation regardless of age.
const minArchivesToKeep = 3

// RotateOld deletes archives older than retentionDays, always keeping
// the newest minArchivesToKeep. retentionDays 0 keeps everything.
func (s *ArchiveService) RotateOld(ctx context.Context, retentionDays int) (int, error) {
	archives, err := s.ListArchives(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) <= minArchivesToKeep || retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, a := range archives {
		if i < minArchivesToKeep || !a.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, a.Key); err != nil {
			s.log.Error().Err(err).Str("key", a.Key).Msg("Failed to delete old archive")
			continue
		}
		s.log.Info().Str("key", a.Key).Time("timestamp", a.Timestamp).Msg("Deleted old archive")
		deleted++
	}
	return deleted, nil
}

func parseArchiveKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	ts, err := time.Parse("2006-01-02-150405", stamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata ArchiveMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
