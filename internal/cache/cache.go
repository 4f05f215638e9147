// Package cache memoizes paid AI-analysis calls. Identical queries within a
// type-specific TTL are served from memory, near-duplicate free-text queries
// can be served from a similarity match, and concurrent identical requests
// are coalesced into a single upstream call.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config configures a Cache.
type Config struct {
	MaxEntries    int           // entry cap before LRU eviction; default 100
	SimilarityMin float64       // strict lower bound for similarity hits; default 0.8
	Persister     Persister     // durable state; default NopPersister
	Now           func() time.Time
}

// Result is what WithCache hands back to callers.
type Result struct {
	Payload     json.RawMessage `json:"payload"`
	FromCache   bool            `json:"from_cache"`
	FromSimilar bool            `json:"from_similar"`
}

// Options tunes a single WithCache call.
type Options struct {
	AllowSimilar bool
}

// Cache is an LRU-bounded, TTL-expiring store of AI-analysis payloads.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	stats      Stats
	maxEntries int
	simMin     float64
	persist    Persister
	now        func() time.Time
	group      singleflight.Group
}

// New creates a Cache, restoring any persisted state.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	if cfg.SimilarityMin <= 0 {
		cfg.SimilarityMin = 0.8
	}
	if cfg.Persister == nil {
		cfg.Persister = NopPersister{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		entries:    make(map[string]*Entry),
		maxEntries: cfg.MaxEntries,
		simMin:     cfg.SimilarityMin,
		persist:    cfg.Persister,
		now:        cfg.Now,
	}

	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) restore() error {
	data, err := c.persist.Load(EntriesKey)
	if err != nil {
		return err
	}
	if data != nil {
		var entries map[string]*Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			// Corrupt state is not worth failing startup over.
			zap.L().Warn("cache: discarding unreadable persisted entries", zap.Error(err))
		} else {
			c.entries = entries
		}
	}

	statsData, err := c.persist.Load(StatsKey)
	if err != nil {
		return err
	}
	if statsData != nil {
		if err := json.Unmarshal(statsData, &c.stats); err != nil {
			zap.L().Warn("cache: discarding unreadable persisted stats", zap.Error(err))
			c.stats = Stats{}
		}
	}
	return nil
}

// Lookup returns the valid entry for (qt, params), bumping its access
// bookkeeping, or nil on absence or expiry.
func (c *Cache) Lookup(qt QueryType, params map[string]any) (*Entry, error) {
	key, err := Key(qt, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key), nil
}

func (c *Cache) lookupLocked(key string) *Entry {
	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil
	}
	if !e.Valid(now) {
		delete(c.entries, key)
		c.stats.Expired++
		c.stats.Misses++
		c.persistLocked()
		return nil
	}

	e.AccessCount++
	e.LastAccessedAt = now
	c.stats.Hits++

	cp := *e
	return &cp
}

// Store inserts or overwrites the entry for (qt, params), evicting the
// least recently used fifth of the cache when the cap is exceeded.
func (c *Cache) Store(qt QueryType, params map[string]any, payload json.RawMessage) error {
	key, err := Key(qt, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, qt, queryText(params), payload)
	return nil
}

func (c *Cache) storeLocked(key string, qt QueryType, text string, payload json.RawMessage) {
	now := c.now()
	c.entries[key] = &Entry{
		Key:            key,
		QueryType:      qt,
		QueryText:      text,
		Payload:        payload,
		CreatedAt:      now,
		ExpiresAt:      now.Add(TTL(qt)),
		LastAccessedAt: now,
		AccessCount:    0,
	}

	if len(c.entries) > c.maxEntries {
		c.evictLocked()
	}
	c.persistLocked()
}

// evictLocked removes the oldest 20% of entries by last access time.
func (c *Cache) evictLocked() {
	type aged struct {
		key      string
		accessed time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, accessed: e.LastAccessedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].accessed.Before(all[j].accessed) })

	n := (len(all) + 4) / 5
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
	c.stats.Evictions += n
	zap.L().Debug("cache: evicted least recently used entries", zap.Int("count", n))
}

// FindSimilar returns the best same-type entry whose stored query text has
// word-set Jaccard similarity strictly greater than the configured minimum.
func (c *Cache) FindSimilar(qt QueryType, freeText string) *Entry {
	normalized := NormalizeQuery(freeText)
	if normalized == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var best *Entry
	bestScore := c.simMin // strict: only scores above this win
	for _, e := range c.entries {
		if e.QueryType != qt || e.QueryText == "" || !e.Valid(now) {
			continue
		}
		score := jaccard(normalized, NormalizeQuery(e.QueryText))
		if score > bestScore {
			best = e
			bestScore = score
		}
	}
	if best == nil {
		return nil
	}

	best.AccessCount++
	best.LastAccessedAt = now
	c.stats.SimilarHits++

	cp := *best
	return &cp
}

// WithCache serves (qt, params) from cache when possible, otherwise invokes
// performCall exactly once per key even under concurrent identical requests.
// A performCall failure caches nothing and propagates unchanged.
func (c *Cache) WithCache(ctx context.Context, qt QueryType, params map[string]any, performCall func(ctx context.Context) (json.RawMessage, error), opts Options) (*Result, error) {
	key, err := Key(qt, params)
	if err != nil {
		return nil, err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if e := c.lookupLocked(key); e != nil {
			c.mu.Unlock()
			return &Result{Payload: e.Payload, FromCache: true}, nil
		}
		c.mu.Unlock()

		if opts.AllowSimilar {
			if text := queryText(params); text != "" {
				if e := c.FindSimilar(qt, text); e != nil {
					return &Result{Payload: e.Payload, FromCache: true, FromSimilar: true}, nil
				}
			}
		}

		payload, err := performCall(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.storeLocked(key, qt, queryText(params), payload)
		c.mu.Unlock()

		return &Result{Payload: payload, FromCache: false}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !e.Valid(now) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.stats.Expired += removed
		c.persistLocked()
	}
	return removed
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					zap.L().Debug("cache: swept expired entries", zap.Int("count", n))
				}
			}
		}
	}()
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// persistLocked saves both blobs. Persistence failures degrade durability,
// not correctness, so they are logged rather than returned.
func (c *Cache) persistLocked() {
	entries, err := json.Marshal(c.entries)
	if err == nil {
		err = c.persist.Save(EntriesKey, entries)
	}
	if err != nil {
		zap.L().Warn("cache: persist entries failed", zap.Error(err))
	}

	stats, err := json.Marshal(c.stats)
	if err == nil {
		err = c.persist.Save(StatsKey, stats)
	}
	if err != nil {
		zap.L().Warn("cache: persist stats failed", zap.Error(err))
	}
}

// queryText extracts the free-text query parameter used for similarity
// matching, if the caller provided one.
func queryText(params map[string]any) string {
	if s, ok := params["query"].(string); ok {
		return s
	}
	return ""
}
