// Package cache implements the temporal cache: deterministic keys,
// compressed payloads, kind-based TTLs and subject-level invalidation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Kind classifies cached payloads. TTL policy is keyed on it.
type Kind string

const (
	KindTimeline     Kind = "timeline"
	KindSnapshot     Kind = "snapshot"
	KindUniverseMeta Kind = "universe_meta"
	KindScreening    Kind = "screening"
)

// defaultTTL is applied to kinds without an explicit policy entry.
const defaultTTL = 3600 * time.Second

// ttlPolicy maps a kind to how long its entries stay fresh by default.
// Per-instance overrides are applied at construction via WithTTL.
var ttlPolicy = map[Kind]time.Duration{
	KindTimeline:     1800 * time.Second,
	KindSnapshot:     3600 * time.Second,
	KindUniverseMeta: 7200 * time.Second,
	KindScreening:    900 * time.Second,
}

// TTLFor returns the freshness window for a kind.
func TTLFor(kind Kind) time.Duration {
	if ttl, ok := ttlPolicy[kind]; ok {
		return ttl
	}
	return defaultTTL
}

// Key derives the deterministic cache key for (kind, subject, params).
// Parameters are sorted by name before hashing so callers get the same
// key regardless of map iteration order.
func Key(kind Kind, subject string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(subject)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return string(kind) + ":" + hex.EncodeToString(sum[:])
}
