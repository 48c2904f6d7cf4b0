// Package config loads and validates card crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfiguration marks a missing credential or similar startup error.
var ErrConfiguration = errors.New("configuration error")

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// Confirmation modes.
const (
	ConfirmConsole = "console"
	ConfirmAPI     = "api"
	ConfirmApprove = "approve"
	ConfirmReject  = "reject"
)

var tablePrefixPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Confirm ConfirmConfig `mapstructure:"confirm"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig holds the API key for the command interface.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// CrawlerConfig governs the listing URL and crawl pacing.
type CrawlerConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	SearchPath    string `mapstructure:"search_path"`
	OperationMode string `mapstructure:"operation_mode"`
	Locale        string `mapstructure:"locale"`
	PageSize      int    `mapstructure:"page_size"`
	DelaySeconds  int    `mapstructure:"delay_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
	IgnoreRobots  bool   `mapstructure:"ignore_robots"`
}

// HTTPConfig configures the upstream HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the staging/main store backend.
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	TablePrefix     string `mapstructure:"table_prefix"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	PostgresDSN     string `mapstructure:"postgres_dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
}

// ArchiveConfig controls raw page archiving.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// NotifyConfig lists shoutrrr service URLs, e.g. pushbullet://<token>.
type NotifyConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	URLs           []string `mapstructure:"urls"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// ConfirmConfig selects how drift confirmations are answered.
type ConfirmConfig struct {
	Mode string `mapstructure:"mode"`
}

// PubSubConfig holds the destination for commit events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use the
// CARDCRAWLER_ prefix, e.g. CARDCRAWLER_AUTH_API_KEY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARDCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	// AutomaticEnv only sees keys viper already knows about.
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.base_url", "https://www.db.yugioh-card.com")
	v.SetDefault("crawler.search_path", "/yugiohdb/card_search.action")
	v.SetDefault("crawler.operation_mode", "1")
	v.SetDefault("crawler.locale", "ja")
	v.SetDefault("crawler.page_size", 100)
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("crawler.user_agent", "cardcrawler/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.table_prefix", "cards")
	v.SetDefault("storage.sqlite_path", "data/cards.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.cache_ttl_seconds", 0)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.dir", "data/pages")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.urls", []string{})
	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("confirm.mode", ConfirmConsole)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces structural requirements. Credentials are checked
// separately by ValidateCredentials.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.PageSize <= 0 {
		return fmt.Errorf("crawler.page_size must be > 0")
	}
	if c.Crawler.DelaySeconds < 0 {
		return fmt.Errorf("crawler.delay_seconds must be >= 0")
	}
	if c.Crawler.BaseURL == "" {
		return fmt.Errorf("crawler.base_url is required")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if !tablePrefixPattern.MatchString(c.Storage.TablePrefix) {
		return fmt.Errorf("storage.table_prefix %q is not a valid identifier", c.Storage.TablePrefix)
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.Confirm.Mode {
	case ConfirmConsole, ConfirmAPI, ConfirmApprove, ConfirmReject:
	default:
		return fmt.Errorf("confirm.mode %q is not supported", c.Confirm.Mode)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

// ValidateCredentials reports missing secrets the service cannot run without.
// Errors wrap ErrConfiguration.
func (c Config) ValidateCredentials() error {
	if strings.TrimSpace(c.Auth.APIKey) == "" {
		return fmt.Errorf("%w: auth.api_key must be set", ErrConfiguration)
	}
	if c.Notify.Enabled && len(c.Notify.URLs) == 0 {
		return fmt.Errorf("%w: notify.urls must list at least one service when notifications are enabled", ErrConfiguration)
	}
	return nil
}

// Delay returns the pause after every crawled page.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds) * time.Second
}

// FetchTimeout returns the upstream request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// CacheTTL returns the main store read cache lifetime; zero disables it.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Storage.CacheTTLSeconds) * time.Second
}

// StagingTable names the per-cycle collection.
func (c Config) StagingTable() string { return c.Storage.TablePrefix + "_staging" }

// MainTable names the committed collection.
func (c Config) MainTable() string { return c.Storage.TablePrefix + "_main" }
