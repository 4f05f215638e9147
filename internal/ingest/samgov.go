package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
)

const samPageSize = 100

// SAMGov fetches contract opportunities from the SAM.gov search API.
type SAMGov struct {
	cfg *config.Config
}

// NewSAMGov creates the SAM.gov source.
func NewSAMGov(cfg *config.Config) *SAMGov {
	return &SAMGov{cfg: cfg}
}

func (s *SAMGov) Name() string           { return "sam.gov" }
func (s *SAMGov) Type() model.SourceType { return model.SourceTypeFederalAPI }
func (s *SAMGov) Available() bool        { return s.cfg.SAM.Key != "" }

func (s *SAMGov) MinInterval() time.Duration {
	return time.Duration(s.cfg.SAM.MinIntervalHours) * time.Hour
}

func (s *SAMGov) Fetch(ctx context.Context, f fetcher.Fetcher) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", s.Name()))

	naicsFilter := strings.Join(s.cfg.SAM.NAICSCodes, ",")
	lookback := s.cfg.SAM.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}

	var out []model.Opportunity
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		url := fmt.Sprintf("%s/search?api_key=%s&naics=%s&ptype=o&limit=%d&offset=%d&postedFrom=%s&postedTo=%s",
			s.cfg.SAM.BaseURL,
			s.cfg.SAM.Key,
			naicsFilter,
			samPageSize,
			offset,
			time.Now().AddDate(0, 0, -lookback).Format("01/02/2006"),
			time.Now().Format("01/02/2006"),
		)

		log.Debug("fetching page", zap.Int("offset", offset))
		body, err := f.Download(ctx, url)
		if err != nil {
			return nil, eris.Wrapf(err, "samgov: fetch page at offset %d", offset)
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, eris.Wrap(err, "samgov: read response body")
		}

		page, hasMore, err := s.parsePage(data)
		if err != nil {
			return nil, eris.Wrapf(err, "samgov: parse page at offset %d", offset)
		}
		out = append(out, page...)

		if !hasMore {
			break
		}
		offset += samPageSize
	}
	return out, nil
}

// samResponse mirrors the SAM.gov search API response.
type samResponse struct {
	TotalRecords      int              `json:"totalRecords"`
	OpportunitiesData []samOpportunity `json:"opportunitiesData"`
}

type samOpportunity struct {
	NoticeID         string    `json:"noticeId"`
	Solicitation     string    `json:"solicitationNumber"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Agency           string    `json:"fullParentPathName"`
	NAICS            string    `json:"naicsCode"`
	SetAside         string    `json:"typeOfSetAside"`
	PostedDate       string    `json:"postedDate"`
	ResponseDeadline string    `json:"responseDeadLine"`
	Active           string    `json:"active"`
	UILink           string    `json:"uiLink"`
	Award            *samAward `json:"award"`
}

type samAward struct {
	Amount float64 `json:"amount"`
}

func (s *SAMGov) parsePage(data []byte) ([]model.Opportunity, bool, error) {
	var resp samResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, eris.Wrap(err, "unmarshal JSON")
	}

	var opps []model.Opportunity
	for _, raw := range resp.OpportunitiesData {
		if raw.NoticeID == "" && raw.Title == "" {
			continue
		}

		number := raw.Solicitation
		if number == "" {
			number = raw.NoticeID
		}

		status := model.OpportunityOpen
		if strings.EqualFold(raw.Active, "no") {
			status = model.OpportunityClosed
		}
		var value float64
		if raw.Award != nil {
			value = raw.Award.Amount
			status = model.OpportunityAwarded
		}

		// Agency path is "Dept.Sub.Office"; the top segment is the agency.
		agency := raw.Agency
		if idx := strings.Index(agency, "."); idx > 0 {
			agency = agency[:idx]
		}

		opps = append(opps, model.Opportunity{
			Title:             raw.Title,
			AgencyName:        agency,
			Description:       raw.Description,
			OpportunityNumber: number,
			EstimatedValue:    value,
			PostedDate:        parseSAMDate(raw.PostedDate),
			DueDate:           parseSAMDate(raw.ResponseDeadline),
			Status:            status,
			NAICSCode:         raw.NAICS,
			SetAside:          raw.SetAside,
			SourceType:        s.Type(),
			SourceName:        s.Name(),
			SourceURL:         raw.UILink,
		})
	}

	hasMore := len(resp.OpportunitiesData) >= samPageSize
	return opps, hasMore, nil
}

// parseSAMDate accepts the two formats SAM.gov emits: bare dates and
// RFC3339-ish deadline stamps.
func parseSAMDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
