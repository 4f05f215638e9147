package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/cost"
	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/pkg/perplexity"
)

const marketIntelPrompt = `List current US government contracting and grant opportunities in the following NAICS areas: %NAICS%.
Respond with only a JSON array, no prose. Each element: {"title": string, "agency": string, "description": string, "estimated_value": number, "due_date": "YYYY-MM-DD" or null, "url": string}.
Include only opportunities that are currently open for responses.`

// MarketIntel asks Perplexity's web-grounded models for open opportunities
// that have not yet landed in the federal APIs. Each run is one billed
// query; results are leads for a human to verify, not authoritative records.
type MarketIntel struct {
	cfg     *config.Config
	client  perplexity.Client
	tracker *budget.Tracker
	costs   *cost.Calculator
}

// NewMarketIntel creates the Perplexity research source.
func NewMarketIntel(cfg *config.Config, client perplexity.Client, tracker *budget.Tracker, costs *cost.Calculator) *MarketIntel {
	return &MarketIntel{cfg: cfg, client: client, tracker: tracker, costs: costs}
}

func (s *MarketIntel) Name() string           { return "marketintel" }
func (s *MarketIntel) Type() model.SourceType { return model.SourceTypeAIResearch }
func (s *MarketIntel) Available() bool        { return s.cfg.Perplexity.Key != "" }

func (s *MarketIntel) MinInterval() time.Duration {
	return time.Duration(s.cfg.Perplexity.MinIntervalHours) * time.Hour
}

type intelLead struct {
	Title          string  `json:"title"`
	Agency         string  `json:"agency"`
	Description    string  `json:"description"`
	EstimatedValue float64 `json:"estimated_value"`
	DueDate        string  `json:"due_date"`
	URL            string  `json:"url"`
}

func (s *MarketIntel) Fetch(ctx context.Context, _ fetcher.Fetcher) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", s.Name()))

	prompt := strings.ReplaceAll(marketIntelPrompt, "%NAICS%", strings.Join(s.cfg.SAM.NAICSCodes, ", "))
	resp, err := s.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model:               s.cfg.Perplexity.Model,
		Messages:            []perplexity.Message{{Role: "user", Content: prompt}},
		SearchRecencyFilter: "week",
	})
	if err != nil {
		return nil, eris.Wrap(err, "marketintel: chat completion")
	}
	if err := s.tracker.RecordCall(ctx, s.costs.PerplexityQuery()); err != nil {
		log.Warn("record query cost failed", zap.Error(err))
	}

	leads, err := parseLeads(resp.Text())
	if err != nil {
		return nil, err
	}

	var out []model.Opportunity
	for _, lead := range leads {
		if lead.Title == "" {
			continue
		}
		out = append(out, model.Opportunity{
			Title:          lead.Title,
			AgencyName:     lead.Agency,
			Description:    lead.Description,
			EstimatedValue: lead.EstimatedValue,
			DueDate:        parseISODate(lead.DueDate),
			Status:         model.OpportunityOpen,
			SourceType:     s.Type(),
			SourceName:     s.Name(),
			SourceURL:      lead.URL,
		})
	}
	return out, nil
}

// parseLeads extracts the JSON array from the model's reply, tolerating
// code fences and surrounding prose.
func parseLeads(text string) ([]intelLead, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, eris.New("marketintel: no JSON array in response")
	}

	var leads []intelLead
	if err := json.Unmarshal([]byte(text[start:end+1]), &leads); err != nil {
		return nil, eris.Wrap(err, "marketintel: unmarshal leads")
	}
	return leads, nil
}
