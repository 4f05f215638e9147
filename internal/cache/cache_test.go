package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, clk *clock) *Cache {
	t.Helper()
	c, err := New(Config{Now: clk.Now})
	require.NoError(t, err)
	return c
}

func TestKey_OrderIndependent(t *testing.T) {
	k1, err := Key(QueryMarketAnalysis, map[string]any{"naics": "541511", "agency": "DOD"})
	require.NoError(t, err)
	k2, err := Key(QueryMarketAnalysis, map[string]any{"agency": "DOD", "naics": "541511"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKey_ExcludesTimestampParams(t *testing.T) {
	base, err := Key(QueryTrendAnalysis, map[string]any{"topic": "cyber"})
	require.NoError(t, err)
	stamped, err := Key(QueryTrendAnalysis, map[string]any{
		"topic":        "cyber",
		"timestamp":    "2026-03-01T12:00:00Z",
		"requested_at": "whenever",
		"as_of":        "now",
	})
	require.NoError(t, err)
	assert.Equal(t, base, stamped)
}

func TestKey_TypeDisambiguates(t *testing.T) {
	k1, err := Key(QueryMarketAnalysis, map[string]any{"topic": "cyber"})
	require.NoError(t, err)
	k2, err := Key(QueryTrendAnalysis, map[string]any{"topic": "cyber"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestLookup_MissThenHit(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	params := map[string]any{"topic": "cloud"}

	e, err := c.Lookup(QueryMarketAnalysis, params)
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, c.Store(QueryMarketAnalysis, params, json.RawMessage(`{"ok":true}`)))

	e, err = c.Lookup(QueryMarketAnalysis, params)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.JSONEq(t, `{"ok":true}`, string(e.Payload))
	assert.Equal(t, 1, e.AccessCount)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
}

func TestLookup_ExpiresAtTTLBoundary(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	params := map[string]any{"topic": "boundary"}
	require.NoError(t, c.Store(QueryNewsPulse, params, json.RawMessage(`1`)))

	clk.Advance(5*time.Minute - time.Second)
	e, err := c.Lookup(QueryNewsPulse, params)
	require.NoError(t, err)
	assert.NotNil(t, e, "one second before expiry should hit")

	clk.Advance(time.Second)
	e, err = c.Lookup(QueryNewsPulse, params)
	require.NoError(t, err)
	assert.Nil(t, e, "exactly at expiry should miss")
	assert.Equal(t, 1, c.Stats().Expired)
}

func TestStore_OverwriteIsIdempotent(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	params := map[string]any{"topic": "rewrite"}

	require.NoError(t, c.Store(QueryCompliance, params, json.RawMessage(`"old"`)))
	require.NoError(t, c.Store(QueryCompliance, params, json.RawMessage(`"new"`)))

	assert.Equal(t, 1, c.Size())
	e, err := c.Lookup(QueryCompliance, params)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, `"new"`, string(e.Payload))
}

func TestStore_EvictsOldestFifthAtCap(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	for i := 0; i < 101; i++ {
		params := map[string]any{"n": i}
		require.NoError(t, c.Store(QueryCompliance, params, json.RawMessage(`1`)))
		clk.Advance(time.Second)
	}

	assert.Equal(t, 80, c.Size())
	assert.Equal(t, 21, c.Stats().Evictions)

	// The first-stored entries were the coldest and must be gone.
	e, err := c.Lookup(QueryCompliance, map[string]any{"n": 0})
	require.NoError(t, err)
	assert.Nil(t, e)

	// The freshest entry survives.
	e, err = c.Lookup(QueryCompliance, map[string]any{"n": 100})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestStore_RecentlyAccessedSurvivesEviction(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Store(QueryCompliance, map[string]any{"n": i}, json.RawMessage(`1`)))
		clk.Advance(time.Second)
	}

	// Touch the oldest entry so its last access time is newest.
	_, err := c.Lookup(QueryCompliance, map[string]any{"n": 0})
	require.NoError(t, err)
	clk.Advance(time.Second)

	require.NoError(t, c.Store(QueryCompliance, map[string]any{"n": 100}, json.RawMessage(`1`)))

	e, err := c.Lookup(QueryCompliance, map[string]any{"n": 0})
	require.NoError(t, err)
	assert.NotNil(t, e, "recently accessed entry must not be evicted")
}

func TestFindSimilar_StrictBoundary(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	require.NoError(t, c.Store(QueryMarketAnalysis,
		map[string]any{"query": "federal cloud migration contracts defense"},
		json.RawMessage(`"a"`)))

	// 4 shared of 6 distinct words: Jaccard 4/6 ≈ 0.667, below the bar.
	assert.Nil(t, c.FindSimilar(QueryMarketAnalysis, "federal cloud migration contracts navy"))

	// 5 shared of 6 distinct words: Jaccard 5/6 ≈ 0.833, strictly above 0.8.
	e := c.FindSimilar(QueryMarketAnalysis, "federal cloud migration contracts defense budget")
	require.NotNil(t, e)
	assert.Equal(t, `"a"`, string(e.Payload))
	assert.Equal(t, 1, c.Stats().SimilarHits)
}

func TestFindSimilar_ExactlyAtMinimumIsNotAHit(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	// 4 of 5 words on both sides: Jaccard 4/5 = 0.8 exactly.
	require.NoError(t, c.Store(QueryTrendAnalysis,
		map[string]any{"query": "army navy airforce marines"},
		json.RawMessage(`"x"`)))
	assert.Nil(t, c.FindSimilar(QueryTrendAnalysis, "army navy airforce marines coastguard"),
		"similarity of exactly 0.8 must not match")
}

func TestFindSimilar_IgnoresOtherTypesAndExpired(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	require.NoError(t, c.Store(QueryNewsPulse,
		map[string]any{"query": "defense contract awards today"},
		json.RawMessage(`"news"`)))

	assert.Nil(t, c.FindSimilar(QueryMarketAnalysis, "defense contract awards today"))

	clk.Advance(6 * time.Minute)
	assert.Nil(t, c.FindSimilar(QueryNewsPulse, "defense contract awards today"))
}

func TestFindSimilar_NormalizesPunctuationAndDiacritics(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	require.NoError(t, c.Store(QueryCompliance,
		map[string]any{"query": "Systems intégration FAR compliance review"},
		json.RawMessage(`"z"`)))

	e := c.FindSimilar(QueryCompliance, "systems integration, FAR compliance review!")
	require.NotNil(t, e)
	assert.Equal(t, `"z"`, string(e.Payload))
}

func TestWithCache_SecondCallServedFromCache(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	params := map[string]any{"topic": "ai"}

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}

	r, err := c.WithCache(context.Background(), QueryMarketAnalysis, params, fn, Options{})
	require.NoError(t, err)
	assert.False(t, r.FromCache)

	r, err = c.WithCache(context.Background(), QueryMarketAnalysis, params, fn, Options{})
	require.NoError(t, err)
	assert.True(t, r.FromCache)
	assert.False(t, r.FromSimilar)
	assert.JSONEq(t, `{"n":1}`, string(r.Payload))
	assert.Equal(t, 1, calls)
}

func TestWithCache_ErrorPropagatesUnchangedAndNothingCached(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	params := map[string]any{"topic": "fail"}
	boom := errors.New("upstream exploded")

	_, err := c.WithCache(context.Background(), QueryWinProbability, params,
		func(ctx context.Context) (json.RawMessage, error) { return nil, boom },
		Options{})
	assert.Same(t, boom, err)

	assert.Equal(t, 0, c.Size())
	assert.Equal(t, 1, c.Stats().Misses, "the attempt still counts as a non-hit")
}

func TestWithCache_SimilarHit(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	require.NoError(t, c.Store(QueryMarketAnalysis,
		map[string]any{"query": "small business cyber contracts dhs awards"},
		json.RawMessage(`"cached"`)))

	r, err := c.WithCache(context.Background(), QueryMarketAnalysis,
		map[string]any{"query": "small business cyber contracts dhs awards 2026"},
		func(ctx context.Context) (json.RawMessage, error) {
			t.Fatal("upstream must not be called on a similarity hit")
			return nil, nil
		},
		Options{AllowSimilar: true})
	require.NoError(t, err)
	assert.True(t, r.FromCache)
	assert.True(t, r.FromSimilar)
	assert.Equal(t, `"cached"`, string(r.Payload))
}

func TestWithCache_CoalescesConcurrentCalls(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	params := map[string]any{"topic": "burst"}

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	fn := func(ctx context.Context) (json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return json.RawMessage(`"once"`), nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.WithCache(context.Background(), QueryTrendAnalysis, params, fn, Options{})
			require.NoError(t, err)
			results[i] = r
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, calls)
	for _, r := range results {
		assert.Equal(t, `"once"`, string(r.Payload))
	}
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)

	require.NoError(t, c.Store(QueryNewsPulse, map[string]any{"n": 1}, json.RawMessage(`1`)))
	require.NoError(t, c.Store(QueryCompliance, map[string]any{"n": 2}, json.RawMessage(`2`)))

	clk.Advance(time.Hour)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, 1, c.Stats().Expired)
	assert.Equal(t, 0, c.Sweep())
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	clk := newClock()

	p, err := NewDirPersister(dir)
	require.NoError(t, err)

	c1, err := New(Config{Persister: p, Now: clk.Now})
	require.NoError(t, err)
	require.NoError(t, c1.Store(QueryCompliance, map[string]any{"q": "far 52"}, json.RawMessage(`"rules"`)))
	_, err = c1.Lookup(QueryCompliance, map[string]any{"q": "far 52"})
	require.NoError(t, err)

	c2, err := New(Config{Persister: p, Now: clk.Now})
	require.NoError(t, err)
	e, err := c2.Lookup(QueryCompliance, map[string]any{"q": "far 52"})
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, `"rules"`, string(e.Payload))

	// Only state saved at store time survives; the in-memory hit from c1
	// was never persisted, so c2 starts from the stored snapshot.
	assert.Equal(t, 1, c2.Stats().Hits)
}

func TestPersistence_CorruptStateIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	p, err := NewDirPersister(dir)
	require.NoError(t, err)
	require.NoError(t, p.Save(EntriesKey, []byte(`{not json`)))
	require.NoError(t, p.Save(StatsKey, []byte(`[]`)))

	c, err := New(Config{Persister: p})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestStats_HitRate(t *testing.T) {
	tests := []struct {
		stats Stats
		want  float64
	}{
		{Stats{}, 0},
		{Stats{Hits: 3, Misses: 1}, 0.75},
		{Stats{Hits: 1, SimilarHits: 1, Misses: 2}, 0.5},
	}
	for i, tc := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.stats.HitRate(), 1e-9)
		})
	}
}

func TestTTLBands(t *testing.T) {
	assert.Equal(t, 5*time.Minute, TTL(QueryNewsPulse))
	assert.Equal(t, time.Hour, TTL(QueryWinProbability))
	assert.Equal(t, 6*time.Hour, TTL(QueryMarketAnalysis))
	assert.Equal(t, 24*time.Hour, TTL(QueryTrendAnalysis))
	assert.Equal(t, 7*24*time.Hour, TTL(QueryCompliance))
	assert.Equal(t, time.Hour, TTL(QueryType("mystery")))
}
