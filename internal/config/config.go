package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	SAM         SAMConfig         `yaml:"sam" mapstructure:"sam"`
	USASpending USASpendingConfig `yaml:"usaspending" mapstructure:"usaspending"`
	NewsAPI     NewsAPIConfig     `yaml:"newsapi" mapstructure:"newsapi"`
	Perplexity  PerplexityConfig  `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl   FirecrawlConfig   `yaml:"firecrawl" mapstructure:"firecrawl"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Budget      BudgetConfig      `yaml:"budget" mapstructure:"budget"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Scorer      ScorerConfig      `yaml:"scorer" mapstructure:"scorer"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Schedule    ScheduleConfig    `yaml:"schedule" mapstructure:"schedule"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SAMConfig holds SAM.gov opportunities API settings.
type SAMConfig struct {
	Key              string   `yaml:"key" mapstructure:"key"`
	BaseURL          string   `yaml:"base_url" mapstructure:"base_url"`
	NAICSCodes       []string `yaml:"naics_codes" mapstructure:"naics_codes"`
	LookbackDays     int      `yaml:"lookback_days" mapstructure:"lookback_days"`
	MinIntervalHours int      `yaml:"min_interval_hours" mapstructure:"min_interval_hours"`
}

// USASpendingConfig holds USASpending award search settings. The API is
// unauthenticated but rate limited, so only interval and filters live here.
type USASpendingConfig struct {
	BaseURL          string   `yaml:"base_url" mapstructure:"base_url"`
	Agencies         []string `yaml:"agencies" mapstructure:"agencies"`
	MinIntervalHours int      `yaml:"min_interval_hours" mapstructure:"min_interval_hours"`
}

// NewsAPIConfig holds NewsAPI settings.
type NewsAPIConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	Query            string `yaml:"query" mapstructure:"query"`
	MinIntervalHours int    `yaml:"min_interval_hours" mapstructure:"min_interval_hours"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	Model            string `yaml:"model" mapstructure:"model"`
	MinIntervalHours int    `yaml:"min_interval_hours" mapstructure:"min_interval_hours"`
}

// AnthropicConfig holds Anthropic API settings for structured insights.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// FirecrawlConfig holds Firecrawl API settings for agency page scraping.
type FirecrawlConfig struct {
	Key              string   `yaml:"key" mapstructure:"key"`
	BaseURL          string   `yaml:"base_url" mapstructure:"base_url"`
	TargetURLs       []string `yaml:"target_urls" mapstructure:"target_urls"`
	MinIntervalHours int      `yaml:"min_interval_hours" mapstructure:"min_interval_hours"`
}

// IngestConfig configures the multi-source sync engine.
type IngestConfig struct {
	FetchTimeoutSecs int `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
}

// FetchTimeout returns the per-source fetch timeout as a duration.
func (c IngestConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

// CacheConfig configures the AI-analysis cache.
type CacheConfig struct {
	Dir           string  `yaml:"dir" mapstructure:"dir"`
	MaxEntries    int     `yaml:"max_entries" mapstructure:"max_entries"`
	SweepMinutes  int     `yaml:"sweep_minutes" mapstructure:"sweep_minutes"`
	SimilarityMin float64 `yaml:"similarity_min" mapstructure:"similarity_min"`
}

// BudgetConfig configures spend limits.
type BudgetConfig struct {
	DailyLimitUSD     float64 `yaml:"daily_limit_usd" mapstructure:"daily_limit_usd"`
	MonthlyLimitUSD   float64 `yaml:"monthly_limit_usd" mapstructure:"monthly_limit_usd"`
	WarningThreshold  float64 `yaml:"warning_threshold" mapstructure:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" mapstructure:"critical_threshold"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
	Firecrawl  FirecrawlPricing        `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// FirecrawlPricing holds Firecrawl credit amortization.
type FirecrawlPricing struct {
	PlanMonthly     float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded float64 `yaml:"credits_included" mapstructure:"credits_included"`
}

// ScorerConfig configures opportunity scoring.
// Weights are relative; components are normalized by their sum.
type ScorerConfig struct {
	RelevanceWeight   float64  `yaml:"relevance_weight" mapstructure:"relevance_weight"`
	UrgencyWeight     float64  `yaml:"urgency_weight" mapstructure:"urgency_weight"`
	ValueWeight       float64  `yaml:"value_weight" mapstructure:"value_weight"`
	CompetitionWeight float64  `yaml:"competition_weight" mapstructure:"competition_weight"`
	Keywords          []string `yaml:"keywords" mapstructure:"keywords"`
	TargetNAICS       []string `yaml:"target_naics" mapstructure:"target_naics"`
	ValueCapUSD       float64  `yaml:"value_cap_usd" mapstructure:"value_cap_usd"`
}

// MonitoringConfig configures health snapshots and webhook alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the dashboard API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ScheduleConfig configures the cron daemon.
type ScheduleConfig struct {
	CycleSpec string `yaml:"cycle_spec" mapstructure:"cycle_spec"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPPTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets default to empty so AutomaticEnv can see the keys
	// during Unmarshal; viper only reads env vars for keys it knows about.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("sam.key", "")
	v.SetDefault("newsapi.key", "")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("firecrawl.key", "")
	v.SetDefault("firecrawl.target_urls", []string{})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("store.sqlite_path", "opptrack.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("sam.base_url", "https://api.sam.gov/opportunities/v2")
	v.SetDefault("sam.naics_codes", []string{"5415", "5416", "5417"})
	v.SetDefault("sam.lookback_days", 30)
	v.SetDefault("sam.min_interval_hours", 3)
	v.SetDefault("usaspending.base_url", "https://api.usaspending.gov/api/v2")
	v.SetDefault("usaspending.min_interval_hours", 12)
	v.SetDefault("newsapi.base_url", "https://newsapi.org/v2")
	v.SetDefault("newsapi.query", "government contract award")
	v.SetDefault("newsapi.min_interval_hours", 6)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.min_interval_hours", 24)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("firecrawl.min_interval_hours", 24)
	v.SetDefault("ingest.fetch_timeout_secs", 30)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("cache.dir", ".opptrack")
	v.SetDefault("cache.max_entries", 100)
	v.SetDefault("cache.sweep_minutes", 5)
	v.SetDefault("cache.similarity_min", 0.8)
	v.SetDefault("budget.daily_limit_usd", 10.00)
	v.SetDefault("budget.monthly_limit_usd", 150.00)
	v.SetDefault("budget.warning_threshold", 0.75)
	v.SetDefault("budget.critical_threshold", 0.90)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.firecrawl.plan_monthly", 19.00)
	v.SetDefault("pricing.firecrawl.credits_included", 3000)
	v.SetDefault("scorer.relevance_weight", 35)
	v.SetDefault("scorer.urgency_weight", 25)
	v.SetDefault("scorer.value_weight", 25)
	v.SetDefault("scorer.competition_weight", 15)
	v.SetDefault("scorer.keywords", []string{"cloud", "software", "cybersecurity", "data", "modernization", "it services"})
	v.SetDefault("scorer.target_naics", []string{"5415", "5416", "5417"})
	v.SetDefault("scorer.value_cap_usd", 10_000_000)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("schedule.cycle_spec", "0 */3 * * *")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
