// Package cache implements the platform's Cache Manager (component C):
// three independent, size-bounded LRU caches (llm, tool, retrieval), each
// with a per-entry TTL, hit/miss/eviction counters, and health heuristics
// that are never auto-applied — callers decide what to do with them.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Name identifies one of the three caches the manager maintains.
type Name string

const (
	LLM       Name = "llm_cache"
	Tool      Name = "tool_cache"
	Retrieval Name = "retrieval_cache"
)

// Stats reports a single cache's running counters, used by health
// heuristics; the manager itself never acts on a low hit rate or high
// utilization, it only exposes the numbers for an operator or the admin API
// to look at.
type Stats struct {
	Name      Name
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 1.0 when nothing has been
// looked up yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns size / capacity, or 0 when capacity is 0.
func (s Stats) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Size) / float64(s.Capacity)
}

// Degraded reports whether this cache's stats cross the manager's default
// health thresholds (hit rate under 30%, utilization over 90%). Purely
// informational — see package doc.
func (s Stats) Degraded() bool {
	return s.HitRate() < 0.30 || s.Utilization() > 0.90
}

type ttlEntry struct {
	value     any
	expiresAt time.Time
}

// cache is a single LRU with TTL and counters.
type cache struct {
	name       Name
	lru        *lru.Cache
	capacity   int
	defaultTTL time.Duration
	hits       int64
	misses     int64
	evictions  int64
}

func newCache(name Name, size int, defaultTTL time.Duration) *cache {
	c := &cache{name: name, defaultTTL: defaultTTL}
	l, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		atomic.AddInt64(&c.evictions, 1)
	})
	if err != nil {
		// size <= 0 is a caller bug; fall back to a minimal usable cache
		// rather than a nil-pointer panic on first use.
		l, _ = lru.New(1)
	}
	c.lru = l
	return c
}

func (c *cache) get(key string) (any, bool) {
	raw, ok := c.lru.Get(key)
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	e := raw.(ttlEntry)
	if !e.expiresAt.IsZero() && e.expiresAt.Before(time.Now()) {
		c.lru.Remove(key)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return e.value, true
}

func (c *cache) set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.lru.Add(key, ttlEntry{value: value, expiresAt: expiresAt})
}

func (c *cache) remove(key string) { c.lru.Remove(key) }

func (c *cache) stats() Stats {
	return Stats{
		Name:      c.name,
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}

// Manager owns the three named caches.
type Manager struct {
	mu     sync.RWMutex
	caches map[Name]*cache
}

// Sizes configures each named cache's maximum entry count.
type Sizes struct {
	LLM        int
	Tool       int
	Retrieval  int
	DefaultTTL time.Duration
}

func New(sizes Sizes) *Manager {
	m := &Manager{caches: make(map[Name]*cache, 3)}
	for name, size := range map[Name]int{LLM: sizes.LLM, Tool: sizes.Tool, Retrieval: sizes.Retrieval} {
		c := newCache(name, size, sizes.DefaultTTL)
		c.capacity = size
		m.caches[name] = c
	}
	return m
}

func (m *Manager) cacheFor(name Name) *cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caches[name]
}

// Get looks up key in the named cache.
func (m *Manager) Get(name Name, key string) (any, bool) {
	c := m.cacheFor(name)
	if c == nil {
		return nil, false
	}
	return c.get(key)
}

// Set stores value under key in the named cache with the given TTL (0 uses
// the manager's configured default TTL).
func (m *Manager) Set(name Name, key string, value any, ttl time.Duration) {
	if c := m.cacheFor(name); c != nil {
		c.set(key, value, ttl)
	}
}

// Remove evicts key from the named cache.
func (m *Manager) Remove(name Name, key string) {
	if c := m.cacheFor(name); c != nil {
		c.remove(key)
	}
}

// Stats returns the current counters for every named cache, sorted by name
// for deterministic output (e.g. the admin API's /cache/stats endpoint).
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.caches))
	for _, c := range m.caches {
		out = append(out, c.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Key computes a stable cache key from an arbitrary request payload by
// canonicalizing it to sorted-key JSON and hashing it — the same
// deep-map-walk approach internal/schema uses to sanitize a schema tree,
// applied here to produce a deterministic digest instead.
func Key(payload any) (string, error) {
	canon, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(v any) ([]byte, error) {
	normalized, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalizeValue round-trips through JSON so map keys sort deterministically
// under encoding/json's own (alphabetical) map-key ordering, and recurses
// into nested maps/slices the same way internal/service.SanitizeSchema does.
func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
