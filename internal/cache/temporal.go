package cache

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/pkg/logger"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits     int64          `json:"hits"`
	Misses   int64          `json:"misses"`
	Errors   int64          `json:"errors"`
	HitRate  float64        `json:"hit_rate"`
	LiveKeys int64          `json:"live_keys"`
	ByKind   map[Kind]int64 `json:"by_kind"`
}

// TemporalCache is the caching layer for market data payloads. Freshness
// is governed per kind, keys are deterministic and entries can be
// invalidated for a whole subject at once.
//
// Backend read failures degrade to cache misses so a broken cache never
// breaks data access. Write failures are surfaced to the caller.
type TemporalCache struct {
	store Store
	ttl   map[Kind]time.Duration
	log   zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Option configures a TemporalCache at construction.
type Option func(*TemporalCache)

// WithTTL overrides the default freshness window for one kind.
// Non-positive durations are ignored.
func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(c *TemporalCache) {
		if ttl > 0 {
			c.ttl[kind] = ttl
		}
	}
}

// New creates a temporal cache over the given store.
func New(store Store, log zerolog.Logger, opts ...Option) *TemporalCache {
	c := &TemporalCache{
		store: store,
		ttl:   make(map[Kind]time.Duration),
		log:   logger.Component(log, "temporal_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ttlFor returns the freshness window for a kind, honoring per-instance
// overrides before the default policy.
func (c *TemporalCache) ttlFor(kind Kind) time.Duration {
	if ttl, ok := c.ttl[kind]; ok {
		return ttl
	}
	return TTLFor(kind)
}

// Readout is per-read metadata for a cache hit: when the entry was
// retrieved and when it expires. Stamped on the way out; the stored
// entry itself is never mutated by reads.
type Readout struct {
	RetrievedAt time.Time `json:"retrieved_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Stale       bool      `json:"stale,omitempty"`
}

func readout(entry *Entry) Readout {
	now := time.Now()
	return Readout{
		RetrievedAt: now,
		ExpiresAt:   entry.ExpiresAt,
		Stale:       entry.ExpiresAt.Before(now),
	}
}

// Get looks up a fresh entry and decodes it into out. Returns read-time
// metadata and true on a hit. Backend errors are logged, counted and
// reported as a miss.
func (c *TemporalCache) Get(kind Kind, subject string, params map[string]string, out interface{}) (Readout, bool) {
	key := Key(kind, subject, params)

	entry, err := c.store.Get(key)
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		return Readout{}, false
	}
	if entry == nil {
		c.misses.Add(1)
		return Readout{}, false
	}

	if err := Decode(entry.Data, out); err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.log.Warn().Err(err).Str("key", key).Msg("Cache decode failed, treating as miss")
		return Readout{}, false
	}

	c.hits.Add(1)
	return readout(entry), true
}

// GetStale is Get without the freshness requirement. Used as a fallback
// when every provider is failing: stale data beats no data.
func (c *TemporalCache) GetStale(kind Kind, subject string, params map[string]string, out interface{}) (Readout, bool) {
	key := Key(kind, subject, params)

	entry, err := c.store.GetStale(key)
	if err != nil || entry == nil {
		if err != nil {
			c.errors.Add(1)
			c.log.Warn().Err(err).Str("key", key).Msg("Stale cache read failed")
		}
		return Readout{}, false
	}
	if err := Decode(entry.Data, out); err != nil {
		c.errors.Add(1)
		return Readout{}, false
	}
	return readout(entry), true
}

// Set stores v under the deterministic key for (kind, subject, params)
// with the kind's TTL.
func (c *TemporalCache) Set(kind Kind, subject string, params map[string]string, v interface{}) error {
	data, err := Encode(v)
	if err != nil {
		c.errors.Add(1)
		return err
	}

	entry := Entry{
		Key:       Key(kind, subject, params),
		Subject:   subject,
		Kind:      kind,
		Data:      data,
		ExpiresAt: time.Now().Add(c.ttlFor(kind)),
	}
	if err := c.store.Set(entry); err != nil {
		c.errors.Add(1)
		return err
	}
	return nil
}

// Invalidate removes every cached entry for a subject. Returns the
// number of entries removed.
func (c *TemporalCache) Invalidate(subject string) (int, error) {
	keys, err := c.store.KeysForSubject(subject)
	if err != nil {
		c.errors.Add(1)
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(keys...); err != nil {
		c.errors.Add(1)
		return 0, err
	}
	c.log.Debug().Str("subject", subject).Int("entries", len(keys)).Msg("Invalidated cached entries")
	return len(keys), nil
}

// Cleanup purges expired entries and reports how many were removed.
func (c *TemporalCache) Cleanup() (int64, error) {
	removed, err := c.store.DeleteExpired()
	if err != nil {
		c.errors.Add(1)
		return 0, err
	}
	if removed > 0 {
		c.log.Info().Int64("removed", removed).Msg("Cache cleanup removed expired entries")
	}
	return removed, nil
}

// GetStats returns hit/miss/error counters and the derived hit rate.
func (c *TemporalCache) GetStats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	live, byKind, err := c.store.Count()
	if err != nil {
		c.log.Warn().Err(err).Msg("Cache key count failed")
	} else {
		s.LiveKeys = live
		s.ByKind = byKind
	}
	return s
}

// Close releases the backing store.
func (c *TemporalCache) Close() error {
	return c.store.Close()
}
