package cache

import (
	"encoding/json"
	"time"
)

// QueryType identifies a class of AI-analysis query. Each type carries its
// own TTL band, chosen by how volatile the underlying data is.
type QueryType string

const (
	QueryNewsPulse      QueryType = "news_pulse"       // breaking coverage, stale in minutes
	QueryWinProbability QueryType = "win_probability"  // depends on live competition data
	QueryMarketAnalysis QueryType = "market_analysis"  // intraday market intelligence
	QueryTrendAnalysis  QueryType = "trend_analysis"   // spending trends move daily
	QueryCompliance     QueryType = "compliance_check" // regulations change rarely
)

// ttlTable maps each query type to how long its results stay valid.
var ttlTable = map[QueryType]time.Duration{
	QueryNewsPulse:      5 * time.Minute,
	QueryWinProbability: time.Hour,
	QueryMarketAnalysis: 6 * time.Hour,
	QueryTrendAnalysis:  24 * time.Hour,
	QueryCompliance:     7 * 24 * time.Hour,
}

// TTL returns the time-to-live for a query type. Unknown types get the
// win-probability band rather than failing open with a week-long TTL.
func TTL(qt QueryType) time.Duration {
	if d, ok := ttlTable[qt]; ok {
		return d
	}
	return time.Hour
}

// Entry is a single cached AI-analysis result.
type Entry struct {
	Key            string          `json:"key"`
	QueryType      QueryType       `json:"query_type"`
	QueryText      string          `json:"query_text,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	AccessCount    int             `json:"access_count"`
}

// Valid reports whether the entry is still usable at the given instant.
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Stats tracks cache effectiveness. Persisted alongside the entry map so
// hit rates survive restarts.
type Stats struct {
	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	SimilarHits int `json:"similar_hits"`
	Evictions   int `json:"evictions"`
	Expired     int `json:"expired"`
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.SimilarHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits+s.SimilarHits) / float64(total)
}
