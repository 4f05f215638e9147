package model

import (
	"strings"
	"time"
)

// SourceType classifies where an opportunity record came from.
type SourceType string

const (
	SourceTypeFederalAPI SourceType = "federal_api" // SAM.gov, USASpending
	SourceTypeAIResearch SourceType = "ai_research" // Perplexity market intelligence
	SourceTypeWebScrape  SourceType = "web_scrape"  // Firecrawl agency pages
	SourceTypeNewsAPI    SourceType = "news_api"    // NewsAPI procurement coverage
)

// OpportunityStatus tracks an opportunity's lifecycle on the publishing side.
type OpportunityStatus string

const (
	OpportunityOpen     OpportunityStatus = "open"
	OpportunityClosed   OpportunityStatus = "closed"
	OpportunityAwarded  OpportunityStatus = "awarded"
	OpportunityArchived OpportunityStatus = "archived"
)

// Opportunity is a single government RFP/grant/contract record normalized
// from any source. Identity is scoped to (SourceName, Key()): the same
// notice seen by two different sources is stored as two rows.
type Opportunity struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	AgencyName        string            `json:"agency_name"`
	Description       string            `json:"description"`
	OpportunityNumber string            `json:"opportunity_number"`
	EstimatedValue    float64           `json:"estimated_value"`
	PostedDate        *time.Time        `json:"posted_date,omitempty"`
	DueDate           *time.Time        `json:"due_date,omitempty"`
	Status            OpportunityStatus `json:"status"`
	NAICSCode         string            `json:"naics_code,omitempty"`
	SetAside          string            `json:"set_aside,omitempty"`
	SourceType        SourceType        `json:"source_type"`
	SourceName        string            `json:"source_name"`
	SourceURL         string            `json:"source_url"`
	Scores            Scores            `json:"scores"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Scores holds the per-dimension scores computed for an opportunity.
type Scores struct {
	Relevance   float64 `json:"relevance"`
	Urgency     float64 `json:"urgency"`
	Value       float64 `json:"value"`
	Competition float64 `json:"competition"`
	Total       float64 `json:"total"`
}

// Key returns the dedup key within a source's namespace: the opportunity
// number when present, otherwise the normalized title.
func (o *Opportunity) Key() string {
	if o.OpportunityNumber != "" {
		return o.OpportunityNumber
	}
	return strings.ToLower(strings.TrimSpace(o.Title))
}

// Changed reports whether the mutable fields differ from prev. The merge
// path only writes when this is true, leaving created_at untouched.
func (o *Opportunity) Changed(prev *Opportunity) bool {
	if o.Status != prev.Status || o.EstimatedValue != prev.EstimatedValue {
		return true
	}
	if !equalTime(o.DueDate, prev.DueDate) {
		return true
	}
	return o.Description != prev.Description
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
