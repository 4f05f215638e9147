package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
)

const usaSpendingPageSize = 100

// USASpending fetches recent contract awards from the USASpending API.
// Awards are historical by nature, so every record lands as status awarded;
// they feed the trend analysis and competitive landscape views.
type USASpending struct {
	cfg *config.Config
}

// NewUSASpending creates the USASpending source.
func NewUSASpending(cfg *config.Config) *USASpending {
	return &USASpending{cfg: cfg}
}

func (s *USASpending) Name() string           { return "usaspending" }
func (s *USASpending) Type() model.SourceType { return model.SourceTypeFederalAPI }

// Available is always true: USASpending requires no API key.
func (s *USASpending) Available() bool { return true }

func (s *USASpending) MinInterval() time.Duration {
	return time.Duration(s.cfg.USASpending.MinIntervalHours) * time.Hour
}

// awardSearchRequest is the body for POST /search/spending_by_award.
type awardSearchRequest struct {
	Filters awardFilters `json:"filters"`
	Fields  []string     `json:"fields"`
	Limit   int          `json:"limit"`
	Page    int          `json:"page"`
	Order   string       `json:"order"`
	Sort    string       `json:"sort"`
}

type awardFilters struct {
	TimePeriod []timePeriod `json:"time_period"`
	AwardTypes []string     `json:"award_type_codes"`
	NAICSCodes []naicsCode  `json:"naics_codes,omitempty"`
}

type timePeriod struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type naicsCode struct {
	Code string `json:"code"`
}

type awardSearchResponse struct {
	Results  []awardResult `json:"results"`
	PageMeta struct {
		HasNext bool `json:"hasNext"`
	} `json:"page_metadata"`
}

type awardResult struct {
	AwardID     string  `json:"generated_internal_id"`
	PIID        string  `json:"Award ID"`
	Recipient   string  `json:"Recipient Name"`
	Amount      float64 `json:"Award Amount"`
	Agency      string  `json:"Awarding Agency"`
	Description string  `json:"Description"`
	StartDate   string  `json:"Start Date"`
	EndDate     string  `json:"End Date"`
}

func (s *USASpending) Fetch(ctx context.Context, f fetcher.Fetcher) ([]model.Opportunity, error) {
	url := s.cfg.USASpending.BaseURL + "/search/spending_by_award/"
	now := time.Now().UTC()

	req := awardSearchRequest{
		Fields: []string{"Award ID", "Recipient Name", "Award Amount", "Awarding Agency", "Description", "Start Date", "End Date"},
		Limit:  usaSpendingPageSize,
		Page:   1,
		Order:  "desc",
		Sort:   "Award Amount",
		Filters: awardFilters{
			TimePeriod: []timePeriod{{
				StartDate: now.AddDate(0, -1, 0).Format("2006-01-02"),
				EndDate:   now.Format("2006-01-02"),
			}},
			// "A".."D" are the contract award type codes.
			AwardTypes: []string{"A", "B", "C", "D"},
		},
	}
	for _, code := range s.cfg.SAM.NAICSCodes {
		req.Filters.NAICSCodes = append(req.Filters.NAICSCodes, naicsCode{Code: code})
	}

	var out []model.Opportunity
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var resp awardSearchResponse
		if err := f.PostJSON(ctx, url, req, &resp); err != nil {
			return nil, eris.Wrapf(err, "usaspending: search page %d", req.Page)
		}

		for _, r := range resp.Results {
			if r.AwardID == "" {
				continue
			}
			number := r.PIID
			if number == "" {
				number = r.AwardID
			}
			title := r.Description
			if title == "" {
				title = fmt.Sprintf("Award to %s", r.Recipient)
			}

			out = append(out, model.Opportunity{
				Title:             title,
				AgencyName:        r.Agency,
				Description:       r.Description,
				OpportunityNumber: number,
				EstimatedValue:    r.Amount,
				PostedDate:        parseISODate(r.StartDate),
				DueDate:           parseISODate(r.EndDate),
				Status:            model.OpportunityAwarded,
				SourceType:        s.Type(),
				SourceName:        s.Name(),
				SourceURL:         "https://www.usaspending.gov/award/" + r.AwardID,
			})
		}

		if !resp.PageMeta.HasNext {
			break
		}
		req.Page++
	}
	return out, nil
}

func parseISODate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}
