// Package scorer computes per-dimension scores for opportunities so the
// dashboard can rank them. Components score 0-1 and combine into a weighted
// total, also 0-1.
package scorer

import (
	"math"
	"strings"
	"time"

	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/model"
)

// Scorer scores opportunities against configured targeting criteria.
type Scorer struct {
	cfg config.ScorerConfig
	now func() time.Time
}

// New creates a Scorer. A nil now defaults to time.Now.
func New(cfg config.ScorerConfig, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{cfg: cfg, now: now}
}

// Score computes all component scores and the weighted total.
func (s *Scorer) Score(o *model.Opportunity) model.Scores {
	scores := model.Scores{
		Relevance:   s.scoreRelevance(o),
		Urgency:     s.scoreUrgency(o),
		Value:       s.scoreValue(o),
		Competition: s.scoreCompetition(o),
	}

	weightSum := s.cfg.RelevanceWeight + s.cfg.UrgencyWeight + s.cfg.ValueWeight + s.cfg.CompetitionWeight
	if weightSum <= 0 {
		return scores
	}

	total := scores.Relevance*s.cfg.RelevanceWeight +
		scores.Urgency*s.cfg.UrgencyWeight +
		scores.Value*s.cfg.ValueWeight +
		scores.Competition*s.cfg.CompetitionWeight
	scores.Total = round2(total / weightSum)
	return scores
}

// scoreRelevance combines a NAICS prefix match with keyword hits in the
// title and description.
func (s *Scorer) scoreRelevance(o *model.Opportunity) float64 {
	score := 0.0
	for _, prefix := range s.cfg.TargetNAICS {
		if prefix != "" && strings.HasPrefix(o.NAICSCode, prefix) {
			score += 0.5
			break
		}
	}

	if len(s.cfg.Keywords) > 0 {
		text := strings.ToLower(o.Title + " " + o.Description)
		hits := 0
		for _, kw := range s.cfg.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				hits++
			}
		}
		// Three keyword hits saturate the keyword half.
		score += math.Min(float64(hits)/3, 1) * 0.5
	}
	return round2(math.Min(score, 1))
}

// scoreUrgency rises as the due date approaches. No due date or an already
// closed opportunity scores zero.
func (s *Scorer) scoreUrgency(o *model.Opportunity) float64 {
	if o.DueDate == nil || o.Status != model.OpportunityOpen {
		return 0
	}
	daysLeft := o.DueDate.Sub(s.now().UTC()).Hours() / 24
	switch {
	case daysLeft < 0:
		return 0
	case daysLeft <= 7:
		return 1
	case daysLeft <= 30:
		return 0.7
	case daysLeft <= 90:
		return 0.4
	default:
		return 0.2
	}
}

// scoreValue scales log-linearly up to the configured cap, so a $10k grant
// and a $10M contract land at sensibly different ranks.
func (s *Scorer) scoreValue(o *model.Opportunity) float64 {
	if o.EstimatedValue <= 0 {
		return 0
	}
	cap := s.cfg.ValueCapUSD
	if cap <= 0 {
		cap = 10_000_000
	}
	score := math.Log10(o.EstimatedValue+1) / math.Log10(cap+1)
	return round2(math.Min(score, 1))
}

// scoreCompetition estimates how winnable the field is. Set-asides narrow
// the pool; scraped and AI-researched leads tend to be less picked over
// than notices on the federal APIs.
func (s *Scorer) scoreCompetition(o *model.Opportunity) float64 {
	score := 0.3
	if o.SetAside != "" {
		score += 0.4
	}
	switch o.SourceType {
	case model.SourceTypeWebScrape, model.SourceTypeAIResearch:
		score += 0.2
	case model.SourceTypeNewsAPI:
		score += 0.1
	}
	return round2(math.Min(score, 1))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
