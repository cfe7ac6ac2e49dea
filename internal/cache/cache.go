// Package cache provides a TTL + LRU key-value store with optional durable
// persistence. TTL expiry and LRU eviction are independent mechanisms: an
// entry can be evicted for capacity before it expires, and an expired entry
// occupies its slot until the next access or sweep.
package cache

import (
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rudderlabs/rudder-go-kit/logger"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/jsonrs"
)

// SchemaVersion tags the persisted snapshot shape. Older snapshots are run
// through the configured migrator on load.
const SchemaVersion = 2

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Sets      int64   `json:"sets"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hitRate"`
}

type entry[V any] struct {
	value        V
	expiresAt    time.Time
	lastAccessed time.Time
}

// Migrator upgrades a single persisted entry value from an older schema
// version. It returns the upgraded raw value, or ok=false to drop the entry.
type Migrator func(fromVersion int, raw jsoniter.RawMessage) (jsoniter.RawMessage, bool)

// Cache is a capacity-bounded TTL store. The zero value is not usable; use New.
type Cache[V any] struct {
	log logger.Logger

	defaultTTL time.Duration
	maxSize    int

	persister Persister
	namespace string
	migrate   Migrator

	mu        sync.Mutex
	m         map[string]*entry[V]
	hits      int64
	misses    int64
	evictions int64
	sets      int64

	sweepStop chan struct{}
	stopOnce  sync.Once

	now func() time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithPersistence enables durable snapshots under the given namespace.
func WithPersistence[V any](p Persister, namespace string) Option[V] {
	return func(c *Cache[V]) {
		c.persister = p
		c.namespace = namespace
	}
}

// WithMigrator installs the upgrade hook for older persisted snapshots.
func WithMigrator[V any](m Migrator) Option[V] {
	return func(c *Cache[V]) { c.migrate = m }
}

// WithSweepInterval enables a background sweep of expired entries.
func WithSweepInterval[V any](interval time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if interval <= 0 {
			return
		}
		c.sweepStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.sweepStop:
					return
				case <-ticker.C:
					c.Sweep()
				}
			}
		}()
	}
}

// New builds a cache with the given capacity and default TTL, loading any
// persisted snapshot when persistence is configured.
func New[V any](maxSize int, defaultTTL time.Duration, log logger.Logger, opts ...Option[V]) (*Cache[V], error) {
	c := &Cache[V]{
		log:        log.Child("cache"),
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		m:          make(map[string]*entry[V]),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.persister != nil {
		if err := c.load(); err != nil {
			return nil, fmt.Errorf("loading persisted cache %q: %w", c.namespace, err)
		}
	}
	return c, nil
}

// Close stops the background sweeper, if any.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() {
		if c.sweepStop != nil {
			close(c.sweepStop)
		}
	})
}

// Get returns the value for key and refreshes its recency. Expired entries
// are purged and reported as misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.m[key]
	if !ok {
		c.misses++
		return zero, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		delete(c.m, key)
		c.misses++
		c.persistLocked()
		return zero, false
	}
	e.lastAccessed = now
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key. When the store is full and key is new,
// the least recently accessed entry is evicted first.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.m[key]; !exists && c.maxSize > 0 && len(c.m) >= c.maxSize {
		c.evictOldest()
	}
	c.m[key] = &entry[V]{value: value, expiresAt: now.Add(ttl), lastAccessed: now}
	c.sets++
	c.persistLocked()
}

// Peek returns the value for key without touching recency or the hit/miss
// counters. Expired entries are reported as absent but not purged.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	e, ok := c.m[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Has reports whether key holds an unexpired entry, without touching recency
// or the hit/miss counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	return ok && c.now().Before(e.expiresAt)
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; !ok {
		return false
	}
	delete(c.m, key)
	c.persistLocked()
	return true
}

// Invalidate removes every entry whose key matches the glob pattern, where *
// matches any run of characters. Matching zero keys is a no-op. It returns
// the number of entries removed.
func (c *Cache[V]) Invalidate(pattern string) (int, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.m {
		if re.MatchString(key) {
			delete(c.m, key)
			removed++
		}
	}
	if removed > 0 {
		c.persistLocked()
	}
	return removed, nil
}

// Clear removes all entries. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]*entry[V])
	c.persistLocked()
}

// Keys returns the keys of all unexpired entries.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	keys := make([]string, 0, len(c.m))
	for key, e := range c.m {
		if now.Before(e.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Sweep proactively purges expired entries.
func (c *Cache[V]) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	purged := 0
	for key, e := range c.m {
		if !now.Before(e.expiresAt) {
			delete(c.m, key)
			purged++
		}
	}
	if purged > 0 {
		c.log.Debugn("swept expired cache entries", logger.NewIntField("purged", int64(purged)))
		c.persistLocked()
	}
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Sets:      c.sets,
		Size:      len(c.m),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// evictOldest removes the least recently accessed entry regardless of its
// TTL. Callers must hold mu.
func (c *Cache[V]) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, e := range c.m {
		if first || e.lastAccessed.Before(oldest) {
			oldestKey, oldest, first = key, e.lastAccessed, false
		}
	}
	if !first {
		delete(c.m, oldestKey)
		c.evictions++
	}
}

type persistedEntry struct {
	Value        jsoniter.RawMessage `json:"value"`
	ExpiresAt    time.Time           `json:"expiresAt"`
	LastAccessed time.Time           `json:"lastAccessed"`
}

type persistedState struct {
	Version int                       `json:"version"`
	Entries map[string]persistedEntry `json:"entries"`
}

// persistLocked writes all non-expired entries as one namespaced blob.
// Callers must hold mu. Persistence failures are logged, not fatal: the
// in-memory cache stays authoritative for the rest of the run.
func (c *Cache[V]) persistLocked() {
	if c.persister == nil {
		return
	}
	now := c.now()
	state := persistedState{Version: SchemaVersion, Entries: make(map[string]persistedEntry, len(c.m))}
	for key, e := range c.m {
		if !now.Before(e.expiresAt) {
			continue
		}
		raw, err := jsonrs.Marshal(e.value)
		if err != nil {
			c.log.Warnn("skipping unserializable cache entry", logger.NewStringField("key", key))
			continue
		}
		state.Entries[key] = persistedEntry{Value: raw, ExpiresAt: e.expiresAt, LastAccessed: e.lastAccessed}
	}
	blob, err := jsonrs.Marshal(state)
	if err != nil {
		c.log.Errorn("marshalling cache snapshot failed", obskit.Error(err))
		return
	}
	if err := c.persister.Save(c.namespace, blob); err != nil {
		c.log.Errorn("persisting cache snapshot failed", obskit.Error(err))
	}
}

// load restores the persisted snapshot, dropping entries that expired while
// the process was down and migrating entries written by older versions.
func (c *Cache[V]) load() error {
	blob, err := c.persister.Load(c.namespace)
	if err != nil {
		return err
	}
	if blob == nil {
		return nil
	}
	var state persistedState
	if err := jsonrs.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	now := c.now()
	loaded, migrated, dropped := 0, 0, 0
	for key, pe := range state.Entries {
		if !now.Before(pe.ExpiresAt) {
			dropped++
			continue
		}
		raw := pe.Value
		if state.Version != SchemaVersion {
			if c.migrate == nil {
				dropped++
				continue
			}
			upgraded, ok := c.migrate(state.Version, raw)
			if !ok {
				dropped++
				continue
			}
			raw = upgraded
			migrated++
		}
		var value V
		if err := jsonrs.Unmarshal(raw, &value); err != nil {
			dropped++
			continue
		}
		c.m[key] = &entry[V]{value: value, expiresAt: pe.ExpiresAt, lastAccessed: pe.LastAccessed}
		loaded++
	}
	c.log.Infon("cache snapshot restored",
		logger.NewStringField("namespace", c.namespace),
		logger.NewIntField("loaded", int64(loaded)),
		logger.NewIntField("migrated", int64(migrated)),
		logger.NewIntField("dropped", int64(dropped)),
	)
	return nil
}
