package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/cache"
	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/cost"
	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/ingest"
	"github.com/govbrief/opptrack/internal/insight"
	"github.com/govbrief/opptrack/internal/monitoring"
	"github.com/govbrief/opptrack/internal/scorer"
	"github.com/govbrief/opptrack/internal/store"
	"github.com/govbrief/opptrack/pkg/anthropic"
	"github.com/govbrief/opptrack/pkg/firecrawl"
	"github.com/govbrief/opptrack/pkg/perplexity"
)

// appEnv holds the initialized store, clients, and engines shared by the
// sync/serve/schedule commands.
type appEnv struct {
	Store     store.Store
	Registry  *ingest.Registry
	Engine    *ingest.Engine
	Tracker   *budget.Tracker
	Costs     *cost.Calculator
	Cache     *cache.Cache
	Analyzer  *insight.Analyzer
	Collector *monitoring.Collector
	Alerter   *monitoring.Alerter
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// openStore connects to the configured backend without migrating.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: OPPTRACK_STORE_DATABASE_URL is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, API clients, cache, and engines. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	costs := cost.NewCalculator(ratesFromConfig(cfg.Pricing))
	tracker := budget.New(st, budget.Limits{
		DailyUSD:          cfg.Budget.DailyLimitUSD,
		MonthlyUSD:        cfg.Budget.MonthlyLimitUSD,
		WarningThreshold:  cfg.Budget.WarningThreshold,
		CriticalThreshold: cfg.Budget.CriticalThreshold,
	}, time.Now)

	persister, err := cache.NewDirPersister(cfg.Cache.Dir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	analysisCache, err := cache.New(cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		SimilarityMin: cfg.Cache.SimilarityMin,
		Persister:     persister,
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init analysis cache")
	}

	perplexityClient := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)
	firecrawlClient := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
	anthropicClient := anthropic.NewClient(cfg.Anthropic.Key)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		MaxRetries:   cfg.Ingest.MaxRetries,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})

	reg := ingest.NewRegistry(cfg, ingest.Deps{
		Perplexity: perplexityClient,
		Firecrawl:  firecrawlClient,
		Budget:     tracker,
		Costs:      costs,
	})

	sc := scorer.New(cfg.Scorer, time.Now)
	engine := ingest.NewEngine(st, f, reg, sc, cfg.Ingest.FetchTimeout())
	analyzer := insight.New(cfg, analysisCache, perplexityClient, anthropicClient, tracker, costs)

	zap.L().Debug("environment initialized",
		zap.String("driver", cfg.Store.Driver),
		zap.Strings("sources", reg.AllNames()),
	)

	return &appEnv{
		Store:     st,
		Registry:  reg,
		Engine:    engine,
		Tracker:   tracker,
		Costs:     costs,
		Cache:     analysisCache,
		Analyzer:  analyzer,
		Collector: monitoring.NewCollector(st, tracker, analysisCache),
		Alerter:   monitoring.NewAlerter(cfg.Monitoring),
	}, nil
}

// ratesFromConfig maps configured pricing onto calculator rates, falling
// back to defaults for sections left empty.
func ratesFromConfig(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	if len(p.Anthropic) > 0 {
		rates.Anthropic = make(map[string]cost.ModelRate, len(p.Anthropic))
		for model, mp := range p.Anthropic {
			rates.Anthropic[model] = cost.ModelRate{Input: mp.Input, Output: mp.Output}
		}
	}
	if p.Perplexity.PerQuery > 0 {
		rates.Perplexity.PerQuery = p.Perplexity.PerQuery
	}
	if p.Firecrawl.CreditsIncluded > 0 {
		rates.Firecrawl = cost.FirecrawlRate{
			PlanMonthly:     p.Firecrawl.PlanMonthly,
			CreditsIncluded: p.Firecrawl.CreditsIncluded,
		}
	}
	return rates
}
