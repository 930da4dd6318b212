package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Platform   PlatformConfig   `yaml:"platform" mapstructure:"platform"`
	Listing    ListingConfig    `yaml:"listing" mapstructure:"listing"`
	Racer      RacerConfig      `yaml:"racer" mapstructure:"racer"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Transcribe TranscribeConfig `yaml:"transcribe" mapstructure:"transcribe"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory, sqlite, postgres, mongo
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Database    string `yaml:"database" mapstructure:"database"` // mongo database name
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	JobRetentionMins int      `yaml:"job_retention_mins" mapstructure:"job_retention_mins"`
	MaxFinishedJobs  int      `yaml:"max_finished_jobs" mapstructure:"max_finished_jobs"`
}

// PlatformConfig configures requests against the video platform.
type PlatformConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit      float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second per host
	Stealth        bool    `yaml:"stealth" mapstructure:"stealth"`
	ProxyAPIKey    string  `yaml:"proxy_api_key" mapstructure:"proxy_api_key"`
	PreferLanguage string  `yaml:"prefer_language" mapstructure:"prefer_language"`
}

// ListingConfig configures the metadata listing provider.
type ListingConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"` // data_api or feed
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	FeedBaseURL string `yaml:"feed_base_url" mapstructure:"feed_base_url"`
	MaxItems    int    `yaml:"max_items" mapstructure:"max_items"`
	Retries     int    `yaml:"retries" mapstructure:"retries"`
}

// RacerConfig configures the strategy racer.
type RacerConfig struct {
	Strategies         []string `yaml:"strategies" mapstructure:"strategies"` // priority order
	PriorityFile       string   `yaml:"priority_file" mapstructure:"priority_file"`
	CacheSize          int      `yaml:"cache_size" mapstructure:"cache_size"`
	AttemptTimeoutSecs int      `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	JitterBaseMs       int      `yaml:"jitter_base_ms" mapstructure:"jitter_base_ms"`
	JitterFraction     float64  `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	BreakerThreshold   int      `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int      `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// IngestConfig configures the batch ingestion coordinator.
type IngestConfig struct {
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMs    int     `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	SampleSize      int     `yaml:"sample_size" mapstructure:"sample_size"`
	MinSuccessRate  float64 `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	RefreshCaptions bool    `yaml:"refresh_captions" mapstructure:"refresh_captions"`
}

// EscalationConfig configures on-demand Tier-3 promotion.
type EscalationConfig struct {
	ProcessingTimeoutMins int `yaml:"processing_timeout_mins" mapstructure:"processing_timeout_mins"`
}

// EnrichConfig configures the background enrichment queue.
type EnrichConfig struct {
	MaxItems          int     `yaml:"max_items" mapstructure:"max_items"`
	MaxBudgetUSD      float64 `yaml:"max_budget_usd" mapstructure:"max_budget_usd"`
	Strategy          string  `yaml:"strategy" mapstructure:"strategy"`
	ItemDelayMs       int     `yaml:"item_delay_ms" mapstructure:"item_delay_ms"`
	RecencyWindowDays int     `yaml:"recency_window_days" mapstructure:"recency_window_days"`
	RetryCooldownMins int     `yaml:"retry_cooldown_mins" mapstructure:"retry_cooldown_mins"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	LockDir           string  `yaml:"lock_dir" mapstructure:"lock_dir"`
}

// TranscribeConfig configures the high-fidelity transcription provider.
type TranscribeConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	Model       string `yaml:"model" mapstructure:"model"`
	Language    string `yaml:"language" mapstructure:"language"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	YtDlpPath   string `yaml:"ytdlp_path" mapstructure:"ytdlp_path"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
	Retries     int    `yaml:"retries" mapstructure:"retries"`
}

// PricingConfig holds transcription pricing.
type PricingConfig struct {
	TranscriptionPerMinute float64 `yaml:"transcription_per_minute" mapstructure:"transcription_per_minute"`
	UnknownDurationMinutes int     `yaml:"unknown_duration_minutes" mapstructure:"unknown_duration_minutes"`
}

// MonitoringConfig configures strategy health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StrategySuccessFloor float64 `yaml:"strategy_success_floor" mapstructure:"strategy_success_floor"`
	MinAttempts          int     `yaml:"min_attempts" mapstructure:"min_attempts"`
	SpendAlertUSD        float64 `yaml:"spend_alert_usd" mapstructure:"spend_alert_usd"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRANSCRIPTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "transcripts.db")
	v.SetDefault("store.database", "transcripts")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.job_retention_mins", 60)
	v.SetDefault("server.max_finished_jobs", 500)

	v.SetDefault("platform.base_url", "https://www.youtube.com")
	v.SetDefault("platform.timeout_secs", 20)
	v.SetDefault("platform.rate_limit", 2.0)
	v.SetDefault("platform.stealth", true)
	v.SetDefault("platform.prefer_language", "en")

	v.SetDefault("listing.provider", "data_api")
	v.SetDefault("listing.base_url", "https://www.googleapis.com/youtube/v3")
	v.SetDefault("listing.feed_base_url", "https://www.youtube.com/feeds/videos.xml")
	v.SetDefault("listing.max_items", 500)
	v.SetDefault("listing.retries", 3)

	v.SetDefault("racer.strategies", []string{"android_player", "embed_player", "engagement_panel", "watch_page", "timedtext_api"})
	v.SetDefault("racer.cache_size", 1000)
	v.SetDefault("racer.attempt_timeout_secs", 15)
	v.SetDefault("racer.jitter_base_ms", 2000)
	v.SetDefault("racer.jitter_fraction", 0.5)
	v.SetDefault("racer.breaker_threshold", 5)
	v.SetDefault("racer.breaker_reset_secs", 300)

	v.SetDefault("ingest.batch_size", 10)
	v.SetDefault("ingest.batch_delay_ms", 1000)
	v.SetDefault("ingest.sample_size", 10)
	v.SetDefault("ingest.min_success_rate", 0.2)

	v.SetDefault("escalation.processing_timeout_mins", 30)

	v.SetDefault("enrich.max_items", 10)
	v.SetDefault("enrich.max_budget_usd", 5.0)
	v.SetDefault("enrich.strategy", "smart")
	v.SetDefault("enrich.item_delay_ms", 2000)
	v.SetDefault("enrich.recency_window_days", 30)
	v.SetDefault("enrich.retry_cooldown_mins", 60)
	v.SetDefault("enrich.max_retries", 3)
	v.SetDefault("enrich.lock_dir", "/tmp/transcript-engine")

	v.SetDefault("transcribe.base_url", "https://api.openai.com/v1")
	v.SetDefault("transcribe.model", "whisper-1")
	v.SetDefault("transcribe.timeout_secs", 600)
	v.SetDefault("transcribe.ytdlp_path", "yt-dlp")
	v.SetDefault("transcribe.temp_dir", "/tmp/transcript-engine/audio")
	v.SetDefault("transcribe.retries", 2)

	v.SetDefault("pricing.transcription_per_minute", 0.006)
	v.SetDefault("pricing.unknown_duration_minutes", 30)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.strategy_success_floor", 0.1)
	v.SetDefault("monitoring.min_attempts", 20)
	v.SetDefault("monitoring.spend_alert_usd", 50.0)
}

// Validate checks the keys required by the given command mode. All
// problems are reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres", "mongo":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Sprintf("store.database_url is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "ingest":
		if c.Listing.Provider == "data_api" && c.Listing.APIKey == "" {
			errs = append(errs, "listing.api_key is required for the data_api provider")
		}
	case "escalate", "enrich":
		if c.Transcribe.APIKey == "" {
			errs = append(errs, "transcribe.api_key is required")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
	}

	if c.Ingest.MinSuccessRate < 0 || c.Ingest.MinSuccessRate > 1 {
		errs = append(errs, fmt.Sprintf("ingest.min_success_rate must be within [0,1], got %v", c.Ingest.MinSuccessRate))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
