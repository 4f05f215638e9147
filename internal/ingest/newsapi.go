package ingest

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
)

// NewsAPI surfaces procurement coverage as lead records. News articles have
// no solicitation number, so they dedup on normalized title within this
// source's namespace.
type NewsAPI struct {
	cfg *config.Config
}

// NewNewsAPI creates the NewsAPI source.
func NewNewsAPI(cfg *config.Config) *NewsAPI {
	return &NewsAPI{cfg: cfg}
}

func (s *NewsAPI) Name() string           { return "newsapi" }
func (s *NewsAPI) Type() model.SourceType { return model.SourceTypeNewsAPI }
func (s *NewsAPI) Available() bool        { return s.cfg.NewsAPI.Key != "" }

func (s *NewsAPI) MinInterval() time.Duration {
	return time.Duration(s.cfg.NewsAPI.MinIntervalHours) * time.Hour
}

type newsResponse struct {
	Status       string        `json:"status"`
	TotalResults int           `json:"totalResults"`
	Articles     []newsArticle `json:"articles"`
}

type newsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
}

func (s *NewsAPI) Fetch(ctx context.Context, f fetcher.Fetcher) ([]model.Opportunity, error) {
	endpoint := fmt.Sprintf("%s/everything?q=%s&language=en&sortBy=publishedAt&pageSize=50&apiKey=%s",
		s.cfg.NewsAPI.BaseURL,
		url.QueryEscape(s.cfg.NewsAPI.Query),
		s.cfg.NewsAPI.Key,
	)

	var resp newsResponse
	if err := f.GetJSON(ctx, endpoint, &resp); err != nil {
		return nil, eris.Wrap(err, "newsapi: fetch articles")
	}
	if resp.Status != "ok" {
		return nil, eris.Errorf("newsapi: API status %q", resp.Status)
	}

	var out []model.Opportunity
	for _, a := range resp.Articles {
		if a.Title == "" || a.Title == "[Removed]" {
			continue
		}
		var posted *time.Time
		if t, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			u := t.UTC()
			posted = &u
		}
		out = append(out, model.Opportunity{
			Title:       a.Title,
			AgencyName:  a.Source.Name,
			Description: a.Description,
			PostedDate:  posted,
			Status:      model.OpportunityOpen,
			SourceType:  s.Type(),
			SourceName:  s.Name(),
			SourceURL:   a.URL,
		})
	}
	return out, nil
}
