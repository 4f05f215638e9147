// Package insight produces AI-assisted analyses of tracked opportunities.
// Every analysis flows through the response cache so repeated questions
// never re-bill, and every billed call lands on the budget counters.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/cache"
	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/cost"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/pkg/anthropic"
	"github.com/govbrief/opptrack/pkg/perplexity"
)

// Analysis is a cached free-text analysis with its sources.
type Analysis struct {
	Text        string   `json:"text"`
	Citations   []string `json:"citations,omitempty"`
	FromCache   bool     `json:"from_cache"`
	FromSimilar bool     `json:"from_similar"`
}

// WinEstimate is the structured output of a win-probability assessment.
// Probability is 0 to 1; the estimate is advisory, not a bid decision.
type WinEstimate struct {
	Probability float64  `json:"probability"`
	Rationale   string   `json:"rationale"`
	KeyFactors  []string `json:"key_factors,omitempty"`
	FromCache   bool     `json:"from_cache"`
}

// ComplianceResult lists the requirements an opportunity imposes.
type ComplianceResult struct {
	Requirements []string `json:"requirements"`
	Summary      string   `json:"summary"`
	FromCache    bool     `json:"from_cache"`
}

// Analyzer composes the AI clients with caching and budget accounting.
type Analyzer struct {
	cfg        *config.Config
	cache      *cache.Cache
	perplexity perplexity.Client
	anthropic  anthropic.Client
	tracker    *budget.Tracker
	costs      *cost.Calculator
	log        *zap.Logger
}

// New creates an Analyzer.
func New(cfg *config.Config, c *cache.Cache, px perplexity.Client, ac anthropic.Client, tracker *budget.Tracker, costs *cost.Calculator) *Analyzer {
	return &Analyzer{
		cfg:        cfg,
		cache:      c,
		perplexity: px,
		anthropic:  ac,
		tracker:    tracker,
		costs:      costs,
		log:        zap.L().With(zap.String("component", "insight")),
	}
}

// MarketAnalysis asks Perplexity for the current competitive landscape
// around a free-text topic. Similar recent queries serve from cache.
func (a *Analyzer) MarketAnalysis(ctx context.Context, topic string) (*Analysis, error) {
	prompt := fmt.Sprintf(
		"Summarize the current US government contracting market for: %s. Cover active buyers, recent awards, incumbent vendors, and near-term solicitations.",
		topic,
	)
	return a.research(ctx, cache.QueryMarketAnalysis, topic, prompt, "week")
}

// TrendAnalysis asks Perplexity for spending-trend context on a topic.
func (a *Analyzer) TrendAnalysis(ctx context.Context, topic string) (*Analysis, error) {
	prompt := fmt.Sprintf(
		"Describe federal and state spending trends for: %s. Include budget direction, notable programs, and forecasted procurement activity.",
		topic,
	)
	return a.research(ctx, cache.QueryTrendAnalysis, topic, prompt, "month")
}

// NewsPulse asks Perplexity for breaking coverage on a topic. The short
// TTL band keeps repeated dashboard refreshes cheap without going stale.
func (a *Analyzer) NewsPulse(ctx context.Context, topic string) (*Analysis, error) {
	prompt := fmt.Sprintf("Summarize today's news relevant to government contracting work on: %s.", topic)
	return a.research(ctx, cache.QueryNewsPulse, topic, prompt, "day")
}

// analysisPayload is the cached representation of a research answer.
type analysisPayload struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
}

func (a *Analyzer) research(ctx context.Context, qt cache.QueryType, topic, prompt, recency string) (*Analysis, error) {
	params := map[string]any{"query": topic}

	result, err := a.cache.WithCache(ctx, qt, params, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := a.perplexity.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Model:               a.cfg.Perplexity.Model,
			Messages:            []perplexity.Message{{Role: "user", Content: prompt}},
			SearchRecencyFilter: recency,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "insight: %s query", qt)
		}
		a.recordCost(ctx, a.costs.PerplexityQuery())

		return json.Marshal(analysisPayload{Text: resp.Text(), Citations: resp.Citations})
	}, cache.Options{AllowSimilar: true})
	if err != nil {
		return nil, err
	}

	var payload analysisPayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		return nil, eris.Wrapf(err, "insight: decode cached %s payload", qt)
	}
	return &Analysis{
		Text:        payload.Text,
		Citations:   payload.Citations,
		FromCache:   result.FromCache,
		FromSimilar: result.FromSimilar,
	}, nil
}

const winProbabilitySystem = `You assess a contractor's chance of winning a US government opportunity.
Respond with only a JSON object: {"probability": number between 0 and 1, "rationale": string, "key_factors": [string]}.`

// WinProbability asks Claude for a structured win assessment of one
// opportunity. Keyed by opportunity ID, so edits to the record bill again
// only after the cached estimate expires.
func (a *Analyzer) WinProbability(ctx context.Context, o *model.Opportunity) (*WinEstimate, error) {
	if o == nil {
		return nil, eris.New("insight: nil opportunity")
	}
	params := map[string]any{
		"opportunity_id": o.ID,
		"status":         string(o.Status),
	}

	result, err := a.cache.WithCache(ctx, cache.QueryWinProbability, params, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := a.claude(ctx, winProbabilitySystem, describeOpportunity(o))
		if err != nil {
			return nil, eris.Wrap(err, "insight: win probability")
		}
		raw, err := extractJSONObject(resp.Text)
		if err != nil {
			return nil, err
		}

		// Validate before caching so a malformed reply is retried, not
		// served for an hour.
		var est WinEstimate
		if err := json.Unmarshal(raw, &est); err != nil {
			return nil, eris.Wrap(err, "insight: decode win estimate")
		}
		if est.Probability < 0 || est.Probability > 1 {
			return nil, eris.Errorf("insight: probability %.2f out of range", est.Probability)
		}
		return raw, nil
	}, cache.Options{})
	if err != nil {
		return nil, err
	}

	var est WinEstimate
	if err := json.Unmarshal(result.Payload, &est); err != nil {
		return nil, eris.Wrap(err, "insight: decode cached win estimate")
	}
	est.FromCache = result.FromCache
	return &est, nil
}

const complianceSystem = `You extract compliance requirements from US government opportunity descriptions.
Respond with only a JSON object: {"requirements": [string], "summary": string}.`

// ComplianceCheck asks Claude to enumerate an opportunity's compliance
// requirements. The week-long cache band reflects how rarely these change.
func (a *Analyzer) ComplianceCheck(ctx context.Context, o *model.Opportunity) (*ComplianceResult, error) {
	if o == nil {
		return nil, eris.New("insight: nil opportunity")
	}
	params := map[string]any{"opportunity_id": o.ID}

	result, err := a.cache.WithCache(ctx, cache.QueryCompliance, params, func(ctx context.Context) (json.RawMessage, error) {
		resp, err := a.claude(ctx, complianceSystem, describeOpportunity(o))
		if err != nil {
			return nil, eris.Wrap(err, "insight: compliance check")
		}
		return extractJSONObject(resp.Text)
	}, cache.Options{})
	if err != nil {
		return nil, err
	}

	var res ComplianceResult
	if err := json.Unmarshal(result.Payload, &res); err != nil {
		return nil, eris.Wrap(err, "insight: decode compliance result")
	}
	res.FromCache = result.FromCache
	return &res, nil
}

func (a *Analyzer) claude(ctx context.Context, system, user string) (*anthropic.MessageResponse, error) {
	resp, err := a.anthropic.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.cfg.Anthropic.Model,
		MaxTokens: 1024,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, err
	}
	a.recordCost(ctx, a.costs.Claude(a.cfg.Anthropic.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens))
	return resp, nil
}

func (a *Analyzer) recordCost(ctx context.Context, amount float64) {
	if err := a.tracker.RecordCall(ctx, amount); err != nil {
		a.log.Warn("record call cost failed", zap.Error(err))
	}
}

// describeOpportunity renders an opportunity as prompt context.
func describeOpportunity(o *model.Opportunity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nAgency: %s\nStatus: %s\n", o.Title, o.AgencyName, o.Status)
	if o.OpportunityNumber != "" {
		fmt.Fprintf(&b, "Number: %s\n", o.OpportunityNumber)
	}
	if o.NAICSCode != "" {
		fmt.Fprintf(&b, "NAICS: %s\n", o.NAICSCode)
	}
	if o.SetAside != "" {
		fmt.Fprintf(&b, "Set-aside: %s\n", o.SetAside)
	}
	if o.EstimatedValue > 0 {
		fmt.Fprintf(&b, "Estimated value: $%.0f\n", o.EstimatedValue)
	}
	if o.DueDate != nil {
		fmt.Fprintf(&b, "Due: %s\n", o.DueDate.Format("2006-01-02"))
	}
	if o.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", o.Description)
	}
	return b.String()
}

// extractJSONObject pulls the first JSON object out of a model reply,
// tolerating code fences and surrounding prose.
func extractJSONObject(text string) (json.RawMessage, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("insight: no JSON object in response")
	}
	raw := json.RawMessage(text[start : end+1])
	if !json.Valid(raw) {
		return nil, eris.New("insight: malformed JSON in response")
	}
	return raw, nil
}
