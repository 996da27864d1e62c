package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func newTestArchiveService(t *testing.T) (*ArchiveService, *memoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.db")
	require.NoError(t, os.WriteFile(cachePath, []byte("sqlite pretend payload"), 0644))

	store := newMemoryStore()
	return NewArchiveService(store, cachePath, dir, zerolog.Nop()), store, cachePath
}

func TestCreateAndUploadArchive(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	key, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Contains(t, key, archivePrefix)

	store.mu.Lock()
	data, ok := store.objects[key]
	store.mu.Unlock()
	require.True(t, ok, "archive uploaded under returned key")

	// The archive must contain the cache file and a metadata manifest
	// with a sha256 checksum.
	names, metadata := readArchive(t, data)
	assert.Contains(t, names, "cache.db")
	assert.Contains(t, names, "archive-metadata.json")
	require.Len(t, metadata.Files, 1)
	assert.Equal(t, "cache.db", metadata.Files[0].Filename)
	assert.Contains(t, metadata.Files[0].Checksum, "sha256:")
	assert.Positive(t, metadata.Files[0].SizeBytes)
}

func TestCreateAndUploadMissingCacheFile(t *testing.T) {
	dir := t.TempDir()
	svc := NewArchiveService(newMemoryStore(), filepath.Join(dir, "absent.db"), dir, zerolog.Nop())

	_, err := svc.CreateAndUpload(context.Background())
	assert.Error(t, err)
}

func TestListArchivesSortedNewestFirst(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	store.objects[archivePrefix+"2026-08-01-120000.tar.gz"] = []byte("a")
	store.objects[archivePrefix+"2026-08-15-120000.tar.gz"] = []byte("bb")
	store.objects[archivePrefix+"2026-08-10-120000.tar.gz"] = []byte("ccc")
	store.objects["unrelated-object.bin"] = []byte("d")
	store.objects[archivePrefix+"garbage.tar.gz"] = []byte("e")

	archives, err := svc.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, archives, 3, "non-archive keys skipped")
	assert.Equal(t, archivePrefix+"2026-08-15-120000.tar.gz", archives[0].Key)
	assert.Equal(t, archivePrefix+"2026-08-01-120000.tar.gz", archives[2].Key)
}

func TestRotateOldKeepsMinimum(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	old := time.Now().AddDate(0, 0, -90)
	for i := 0; i < 3; i++ {
		key := archivePrefix + old.AddDate(0, 0, i).Format("2006-01-02-150405") + ".tar.gz"
		store.objects[key] = []byte("x")
	}

	deleted, err := svc.RotateOld(context.Background(), 30)
	require.NoError(t, err)
	assert.Zero(t, deleted, "minimum archive count survives regardless of age")
}

func TestRotateOldDeletesBeyondRetention(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	now := time.Now()
	// Three fresh archives plus two well past retention.
	for i := 0; i < 3; i++ {
		store.objects[archivePrefix+now.AddDate(0, 0, -i).Format("2006-01-02-150405")+".tar.gz"] = []byte("fresh")
	}
	oldKeys := []string{
		archivePrefix + now.AddDate(0, 0, -60).Format("2006-01-02-150405") + ".tar.gz",
		archivePrefix + now.AddDate(0, 0, -90).Format("2006-01-02-150405") + ".tar.gz",
	}
	for _, k := range oldKeys {
		store.objects[k] = []byte("old")
	}

	deleted, err := svc.RotateOld(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	for _, k := range oldKeys {
		_, exists := store.objects[k]
		assert.False(t, exists)
	}
}

func TestRotateOldZeroRetentionKeepsEverything(t *testing.T) {
	svc, store, _ := newTestArchiveService(t)

	old := time.Now().AddDate(0, 0, -400)
	for i := 0; i < 5; i++ {
		store.objects[archivePrefix+old.AddDate(0, 0, i).Format("2006-01-02-150405")+".tar.gz"] = []byte("x")
	}

	deleted, err := svc.RotateOld(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, store.objects, 5)
}

// readArchive unpacks a tar.gz and returns member names plus the parsed
// metadata manifest.
func readArchive(t *testing.T, data []byte) ([]string, ArchiveMetadata) {
	t.Helper()

	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(zr)

	var names []string
	var metadata ArchiveMetadata
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
		if header.Name == "archive-metadata.json" {
			require.NoError(t, json.NewDecoder(tr).Decode(&metadata))
		}
	}
	return names, metadata
}
