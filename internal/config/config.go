// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Health    HealthConfig    `mapstructure:"health"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Solver    SolverConfig    `mapstructure:"solver"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Queries   QueriesConfig   `mapstructure:"queries"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Search    SearchConfig    `mapstructure:"search"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig configures the chromedp-backed browsing session.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	ExecPath      string `mapstructure:"exec_path"`
	UserAgent     string `mapstructure:"user_agent"`
	WindowWidth   int    `mapstructure:"window_width"`
	WindowHeight  int    `mapstructure:"window_height"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// HealthConfig configures the session health monitor.
type HealthConfig struct {
	StuckTimeoutSec int `mapstructure:"stuck_timeout_seconds"`
	ProbeTimeoutSec int `mapstructure:"probe_timeout_seconds"`
}

// RecoveryConfig configures the remedy ladder and the restart cap.
type RecoveryConfig struct {
	SettleMillis int `mapstructure:"settle_millis"`
	MaxRestarts  int `mapstructure:"max_restarts"`
}

// ChallengeConfig configures detection and the manual fallback.
type ChallengeConfig struct {
	ManualTimeoutSec      int      `mapstructure:"manual_timeout_seconds"`
	ManualExtraRounds     int      `mapstructure:"manual_extra_rounds"`
	SolveTimeoutSec       int      `mapstructure:"solve_timeout_seconds"`
	GraceSeconds          int      `mapstructure:"grace_seconds"`
	UnsupportedURLPattern []string `mapstructure:"unsupported_url_patterns"`
	Phrases               []string `mapstructure:"phrases"`
	StdinSignal           bool     `mapstructure:"stdin_signal"`
	Screenshots           bool     `mapstructure:"screenshots"`
}

// SolverConfig holds the CAPTCHA-solving service credential.
type SolverConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	PollIntervalSec int     `mapstructure:"poll_interval_seconds"`
	V3Action        string  `mapstructure:"v3_action"`
	V3MinScore      float64 `mapstructure:"v3_min_score"`
}

// IdentityConfig defines the identity set and the rotation triggers.
type IdentityConfig struct {
	Identities        []string          `mapstructure:"identities"`
	Initial           string            `mapstructure:"initial"`
	EmptyThreshold    int               `mapstructure:"empty_threshold"`
	CycleProbability  float64           `mapstructure:"cycle_probability"`
	Proxies           map[string]string `mapstructure:"proxies"`
	Locales           map[string]string `mapstructure:"locales"`
	AcceptLanguageTag map[string]string `mapstructure:"accept_language"`
}

// QueriesConfig points at the query list and the per-cycle sample size.
type QueriesConfig struct {
	File        string `mapstructure:"file"`
	MinPerCycle int    `mapstructure:"min_per_cycle"`
	MaxPerCycle int    `mapstructure:"max_per_cycle"`
}

// PacingConfig spaces work units and cycles.
type PacingConfig struct {
	MinDelayMs            int     `mapstructure:"min_delay_ms"`
	MaxDelayMs            int     `mapstructure:"max_delay_ms"`
	UnitsPerMinute        float64 `mapstructure:"units_per_minute"`
	CyclePauseSeconds     int     `mapstructure:"cycle_pause_seconds"`
	RestartBackoffSeconds int     `mapstructure:"restart_backoff_seconds"`
}

// SearchConfig controls the result-surface driver and extraction selectors.
type SearchConfig struct {
	HomeURL           string   `mapstructure:"home_url"`
	SearchURL         string   `mapstructure:"search_url"`
	ConsentText       string   `mapstructure:"consent_text"`
	RegionSelector    string   `mapstructure:"region_selector"`
	ContainerSelector string   `mapstructure:"container_selector"`
	LinkSelector      string   `mapstructure:"link_selector"`
	MerchantSelectors []string `mapstructure:"merchant_selectors"`
	// ComparisonSelectors locate the "By <service>" label inside a container.
	ComparisonSelectors []string `mapstructure:"comparison_selectors"`
	FallbackPrefix      string   `mapstructure:"fallback_prefix"`
}

// IngestConfig points at the lead ingestion service.
type IngestConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Status         string `mapstructure:"status"`
	NotePrefix     string `mapstructure:"note_prefix"`
}

// EnrichConfig toggles contact e-mail enrichment.
type EnrichConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxContactPages int    `mapstructure:"max_contact_pages"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
	RespectRobots   bool   `mapstructure:"respect_robots"`
}

// StorageConfig selects where challenge screenshots are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the lead ledger database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for accepted-lead notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SearchPaths are the directories searched for harvester.{yaml,json,toml}
// when no explicit config file is given.
var SearchPaths = []string{".", "/etc/harvester", "$HOME/.harvester"}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("health.stuck_timeout_seconds", 60)
	v.SetDefault("health.probe_timeout_seconds", 10)
	v.SetDefault("recovery.settle_millis", 1500)
	v.SetDefault("recovery.max_restarts", 5)
	v.SetDefault("challenge.manual_timeout_seconds", 120)
	v.SetDefault("challenge.manual_extra_rounds", 2)
	v.SetDefault("challenge.solve_timeout_seconds", 120)
	v.SetDefault("challenge.grace_seconds", 5)
	v.SetDefault("challenge.unsupported_url_patterns", []string{"/sorry/"})
	v.SetDefault("challenge.stdin_signal", true)
	v.SetDefault("challenge.screenshots", true)
	v.SetDefault("solver.base_url", "https://2captcha.com")
	v.SetDefault("solver.poll_interval_seconds", 5)
	v.SetDefault("solver.v3_action", "verify")
	v.SetDefault("solver.v3_min_score", 0.3)
	v.SetDefault("identity.identities", []string{
		"Slovakia", "Czechia", "Poland", "Hungary", "Austria", "Germany", "France", "Italy",
	})
	v.SetDefault("identity.empty_threshold", 10)
	v.SetDefault("identity.cycle_probability", 0.4)
	v.SetDefault("queries.file", "product-categories.txt")
	v.SetDefault("queries.min_per_cycle", 10)
	v.SetDefault("queries.max_per_cycle", 20)
	v.SetDefault("pacing.min_delay_ms", 2000)
	v.SetDefault("pacing.max_delay_ms", 5000)
	v.SetDefault("pacing.units_per_minute", 12)
	v.SetDefault("pacing.cycle_pause_seconds", 600)
	v.SetDefault("pacing.restart_backoff_seconds", 60)
	v.SetDefault("search.home_url", "https://www.google.com")
	v.SetDefault("search.search_url", "https://www.google.com/search?tbm=shop&q=%s")
	v.SetDefault("search.consent_text", "Accept all")
	v.SetDefault("search.region_selector", ".uU7dJb")
	v.SetDefault("search.container_selector", "div.pla-unit-container")
	v.SetDefault("search.link_selector", "a.plantl")
	v.SetDefault("search.merchant_selectors", []string{".VuuXrf", ".zPEcBd", ".KbpByd", ".aULzUe"})
	v.SetDefault("search.comparison_selectors", []string{".nNuQVc a", ".OkcyVb", ".pla-extensions-container"})
	v.SetDefault("search.fallback_prefix", "buy")
	v.SetDefault("ingest.timeout_seconds", 10)
	v.SetDefault("ingest.status", "New")
	v.SetDefault("ingest.note_prefix", "Found on Google on")
	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.max_contact_pages", 3)
	v.SetDefault("enrich.timeout_seconds", 20)
	v.SetDefault("enrich.respect_robots", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "challenges")
	v.SetDefault("db.table", "lead_attempts")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Health.StuckTimeoutSec <= 0 {
		return fmt.Errorf("health.stuck_timeout_seconds must be > 0")
	}
	if c.Health.ProbeTimeoutSec <= 0 {
		return fmt.Errorf("health.probe_timeout_seconds must be > 0")
	}
	if c.Recovery.MaxRestarts < 0 {
		return fmt.Errorf("recovery.max_restarts must be >= 0")
	}
	if c.Challenge.ManualTimeoutSec <= 0 {
		return fmt.Errorf("challenge.manual_timeout_seconds must be > 0")
	}
	if c.Challenge.ManualExtraRounds < 0 {
		return fmt.Errorf("challenge.manual_extra_rounds must be >= 0")
	}
	if c.Identity.CycleProbability < 0 || c.Identity.CycleProbability > 1 {
		return fmt.Errorf("identity.cycle_probability must be within [0,1]")
	}
	if c.Identity.EmptyThreshold <= 0 {
		return fmt.Errorf("identity.empty_threshold must be > 0")
	}
	if c.Queries.MinPerCycle <= 0 || c.Queries.MaxPerCycle < c.Queries.MinPerCycle {
		return fmt.Errorf("queries.min_per_cycle must be > 0 and <= queries.max_per_cycle")
	}
	if c.Pacing.MaxDelayMs < c.Pacing.MinDelayMs {
		return fmt.Errorf("pacing.max_delay_ms must be >= pacing.min_delay_ms")
	}
	if !strings.Contains(c.Search.SearchURL, "%s") {
		return fmt.Errorf("search.search_url must contain a %%s placeholder for the query")
	}
	switch c.Storage.Backend {
	case "memory", "":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.APIKey) == "" {
		return fmt.Errorf("server.api_key must be set when the admin server is enabled")
	}
	return nil
}

// NavTimeout returns the browser navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}

// StuckTimeout returns the no-progress window after which a session is stuck.
func (c Config) StuckTimeout() time.Duration {
	return time.Duration(c.Health.StuckTimeoutSec) * time.Second
}

// ProbeTimeout bounds a single responsiveness probe.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutSec) * time.Second
}

// ManualTimeout returns the bound on a single manual-wait round.
func (c Config) ManualTimeout() time.Duration {
	return time.Duration(c.Challenge.ManualTimeoutSec) * time.Second
}

// SolveTimeout bounds a single call to the solving service.
func (c Config) SolveTimeout() time.Duration {
	return time.Duration(c.Challenge.SolveTimeoutSec) * time.Second
}

// CyclePause returns the pause between full cycles.
func (c Config) CyclePause() time.Duration {
	return time.Duration(c.Pacing.CyclePauseSeconds) * time.Second
}

// RestartBackoff returns the supervisor backoff after a systemic failure.
func (c Config) RestartBackoff() time.Duration {
	return time.Duration(c.Pacing.RestartBackoffSeconds) * time.Second
}
