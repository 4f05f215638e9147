package ingest

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/cost"
	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/pkg/firecrawl"
)

// GrantScrape pulls agency grant pages through Firecrawl and extracts
// opportunity leads from the rendered markdown. Pages without an API are
// the long tail of state and agency grant programs.
type GrantScrape struct {
	cfg     *config.Config
	client  firecrawl.Client
	tracker *budget.Tracker
	costs   *cost.Calculator
}

// NewGrantScrape creates the Firecrawl scrape source.
func NewGrantScrape(cfg *config.Config, client firecrawl.Client, tracker *budget.Tracker, costs *cost.Calculator) *GrantScrape {
	return &GrantScrape{cfg: cfg, client: client, tracker: tracker, costs: costs}
}

func (s *GrantScrape) Name() string           { return "grantscrape" }
func (s *GrantScrape) Type() model.SourceType { return model.SourceTypeWebScrape }

func (s *GrantScrape) Available() bool {
	return s.cfg.Firecrawl.Key != "" && len(s.cfg.Firecrawl.TargetURLs) > 0
}

func (s *GrantScrape) MinInterval() time.Duration {
	return time.Duration(s.cfg.Firecrawl.MinIntervalHours) * time.Hour
}

// markdownLink matches [text](href) in scraped markdown.
var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^\s)]+)\)`)

// leadKeywords mark a link as an opportunity lead rather than navigation.
var leadKeywords = []string{"grant", "rfp", "solicitation", "funding", "opportunity", "bid", "proposal"}

func (s *GrantScrape) Fetch(ctx context.Context, _ fetcher.Fetcher) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", s.Name()))

	var out []model.Opportunity
	for _, target := range s.cfg.Firecrawl.TargetURLs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := s.client.Scrape(ctx, firecrawl.ScrapeRequest{
			URL:     target,
			Formats: []string{"markdown"},
		})
		if err != nil {
			return nil, eris.Wrapf(err, "grantscrape: scrape %s", target)
		}
		if err := s.tracker.RecordCall(ctx, s.costs.FirecrawlScrape()); err != nil {
			log.Warn("record scrape cost failed", zap.Error(err))
		}
		if !resp.Success {
			return nil, eris.Errorf("grantscrape: scrape of %s not successful", target)
		}

		leads := extractLeads(resp.Data, s.Name())
		log.Debug("extracted leads", zap.String("target", target), zap.Int("count", len(leads)))
		out = append(out, leads...)
	}
	return out, nil
}

// extractLeads walks the page's markdown links and keeps those whose text
// reads like an opportunity announcement.
func extractLeads(page firecrawl.PageData, sourceName string) []model.Opportunity {
	seen := make(map[string]bool)
	var out []model.Opportunity

	for _, m := range markdownLink.FindAllStringSubmatch(page.Markdown, -1) {
		text := strings.TrimSpace(m[1])
		href := m[2]
		if len(text) < 15 || !containsAny(strings.ToLower(text), leadKeywords) {
			continue
		}
		key := strings.ToLower(text)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, model.Opportunity{
			Title:       text,
			AgencyName:  page.Title,
			Description: "Lead scraped from " + page.URL,
			Status:      model.OpportunityOpen,
			SourceType:  model.SourceTypeWebScrape,
			SourceName:  sourceName,
			SourceURL:   href,
		})
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
