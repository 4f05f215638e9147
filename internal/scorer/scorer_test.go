package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/model"
)

func testConfig() config.ScorerConfig {
	return config.ScorerConfig{
		RelevanceWeight:   35,
		UrgencyWeight:     25,
		ValueWeight:       25,
		CompetitionWeight: 15,
		Keywords:          []string{"cloud", "cybersecurity", "modernization"},
		TargetNAICS:       []string{"5415"},
		ValueCapUSD:       10_000_000,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
}

func newTestScorer() *Scorer {
	return New(testConfig(), fixedNow)
}

func TestScoreRelevance(t *testing.T) {
	s := newTestScorer()

	tests := []struct {
		name string
		opp  model.Opportunity
		want float64
	}{
		{"no match", model.Opportunity{Title: "Lawn care", NAICSCode: "561730"}, 0},
		{"naics only", model.Opportunity{Title: "Janitorial", NAICSCode: "541512"}, 0.5},
		{"keywords saturate", model.Opportunity{
			Title:       "Cloud cybersecurity modernization",
			Description: "all three keywords",
		}, 0.5},
		{"naics plus keywords", model.Opportunity{
			Title:       "Cloud cybersecurity modernization effort",
			NAICSCode:   "541511",
			Description: "",
		}, 1},
		{"one keyword is a third of the half", model.Opportunity{Title: "Cloud hosting"}, 0.17},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, s.scoreRelevance(&tc.opp), 0.01)
		})
	}
}

func TestScoreUrgency_Bands(t *testing.T) {
	s := newTestScorer()

	due := func(days int) *time.Time {
		d := fixedNow().AddDate(0, 0, days)
		return &d
	}

	tests := []struct {
		name string
		opp  model.Opportunity
		want float64
	}{
		{"no due date", model.Opportunity{Status: model.OpportunityOpen}, 0},
		{"closed", model.Opportunity{Status: model.OpportunityClosed, DueDate: due(3)}, 0},
		{"past due", model.Opportunity{Status: model.OpportunityOpen, DueDate: due(-1)}, 0},
		{"this week", model.Opportunity{Status: model.OpportunityOpen, DueDate: due(5)}, 1},
		{"this month", model.Opportunity{Status: model.OpportunityOpen, DueDate: due(20)}, 0.7},
		{"this quarter", model.Opportunity{Status: model.OpportunityOpen, DueDate: due(60)}, 0.4},
		{"distant", model.Opportunity{Status: model.OpportunityOpen, DueDate: due(200)}, 0.2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.scoreUrgency(&tc.opp))
		})
	}
}

func TestScoreValue_LogScale(t *testing.T) {
	s := newTestScorer()

	assert.Equal(t, 0.0, s.scoreValue(&model.Opportunity{}))
	assert.Equal(t, 1.0, s.scoreValue(&model.Opportunity{EstimatedValue: 10_000_000}))
	assert.Equal(t, 1.0, s.scoreValue(&model.Opportunity{EstimatedValue: 50_000_000}), "capped at 1")

	small := s.scoreValue(&model.Opportunity{EstimatedValue: 10_000})
	large := s.scoreValue(&model.Opportunity{EstimatedValue: 1_000_000})
	assert.Less(t, small, large)
	assert.Greater(t, small, 0.4, "log scale keeps small awards visible")
}

func TestScoreCompetition(t *testing.T) {
	s := newTestScorer()

	open := s.scoreCompetition(&model.Opportunity{SourceType: model.SourceTypeFederalAPI})
	setAside := s.scoreCompetition(&model.Opportunity{SourceType: model.SourceTypeFederalAPI, SetAside: "SBA"})
	scraped := s.scoreCompetition(&model.Opportunity{SourceType: model.SourceTypeWebScrape, SetAside: "SBA"})

	assert.Equal(t, 0.3, open)
	assert.Equal(t, 0.7, setAside)
	assert.Equal(t, 0.9, scraped)
}

func TestScore_WeightedTotal(t *testing.T) {
	s := newTestScorer()

	due := fixedNow().AddDate(0, 0, 5)
	o := &model.Opportunity{
		Title:          "Cloud cybersecurity modernization services",
		NAICSCode:      "541512",
		EstimatedValue: 10_000_000,
		DueDate:        &due,
		Status:         model.OpportunityOpen,
		SetAside:       "SBA",
		SourceType:     model.SourceTypeFederalAPI,
	}
	scores := s.Score(o)

	assert.Equal(t, 1.0, scores.Relevance)
	assert.Equal(t, 1.0, scores.Urgency)
	assert.Equal(t, 1.0, scores.Value)
	assert.Equal(t, 0.7, scores.Competition)
	// (1*35 + 1*25 + 1*25 + 0.7*15) / 100
	assert.InDelta(t, 0.96, scores.Total, 0.01)
}

func TestScore_ZeroWeightsLeaveTotalZero(t *testing.T) {
	s := New(config.ScorerConfig{}, fixedNow)
	scores := s.Score(&model.Opportunity{Title: "anything"})
	assert.Equal(t, 0.0, scores.Total)
}
