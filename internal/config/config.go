package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ticket-price-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	State     StateConfig     `mapstructure:"state"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Ticketing TicketingConfig `mapstructure:"ticketing"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    []EventConfig   `mapstructure:"events"`
	// Sections holds flat "eventId=Section A, Section B" entries.
	Sections []string `mapstructure:"sections"`
	// SectionThresholds holds flat "eventId.Section=price" entries.
	SectionThresholds []string       `mapstructure:"section_thresholds"`
	Alerting          AlertingConfig `mapstructure:"alerting"`
	Export            ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StateConfig selects where rate-limit records and cache entries live.
type StateConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// CacheConfig tunes the API response cache.
type CacheConfig struct {
	Backend        string        `mapstructure:"backend"`
	TTL            time.Duration `mapstructure:"ttl"`
	SearchTTL      time.Duration `mapstructure:"search_ttl"`
	MaxEntries     int           `mapstructure:"max_entries"`
	EvictionBuffer int           `mapstructure:"eviction_buffer"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds the optional redis cache backend settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// TicketingConfig covers the Discovery API client.
type TicketingConfig struct {
	APIKey    string          `mapstructure:"api_key"`
	BaseURL   string          `mapstructure:"base_url"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	UserAgent string          `mapstructure:"user_agent"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

// RateLimitConfig bounds outbound API calls within a sliding window.
type RateLimitConfig struct {
	Service     string        `mapstructure:"service"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// RetryConfig drives backoff around retryable API failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Factor      float64       `mapstructure:"factor"`
}

// ScraperConfig governs the browser fallback.
type ScraperConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Engine            string        `mapstructure:"engine"`
	Headless          bool          `mapstructure:"headless"`
	BrowserPath       string        `mapstructure:"browser_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleMin         time.Duration `mapstructure:"settle_min"`
	SettleMax         time.Duration `mapstructure:"settle_max"`
	PopupTimeout      time.Duration `mapstructure:"popup_timeout"`
	MapTimeout        time.Duration `mapstructure:"map_timeout"`
	TooltipTimeout    time.Duration `mapstructure:"tooltip_timeout"`
	HoverPause        time.Duration `mapstructure:"hover_pause"`
	HoverAttempts     int           `mapstructure:"hover_attempts"`
	CheapestSections  int           `mapstructure:"cheapest_sections"`
	MaxDiscover       int           `mapstructure:"max_discover"`
	MinPageInterval   time.Duration `mapstructure:"min_page_interval"`
}

// MonitorConfig holds change-detection parameters.
type MonitorConfig struct {
	MinDropPercent       float64       `mapstructure:"min_drop_percent"`
	DefaultThreshold     float64       `mapstructure:"default_threshold"`
	HistoryRetentionDays int           `mapstructure:"history_retention_days"`
	AlertRetentionDays   int           `mapstructure:"alert_retention_days"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	ScrapeOnAPIError     bool          `mapstructure:"scrape_on_api_error"`
	CrossSourceDrops     bool          `mapstructure:"cross_source_drops"`
}

// SchedulerConfig governs check cadence and daily jobs.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	SummaryEnabled  bool          `mapstructure:"summary_enabled"`
	SummaryTime     string        `mapstructure:"summary_time"`
	MaintenanceTime string        `mapstructure:"maintenance_time"`
}

// EventConfig declares a tracked event.
type EventConfig struct {
	ID                string                   `mapstructure:"id"`
	Name              string                   `mapstructure:"name"`
	Venue             string                   `mapstructure:"venue"`
	Date              string                   `mapstructure:"date"`
	Threshold         float64                  `mapstructure:"threshold"`
	URL               string                   `mapstructure:"url"`
	Sections          []string                 `mapstructure:"sections"`
	SectionThresholds []SectionThresholdConfig `mapstructure:"section_thresholds"`
}

// SectionThresholdConfig overrides the event threshold for one section.
type SectionThresholdConfig struct {
	Section   string  `mapstructure:"section"`
	Threshold float64 `mapstructure:"threshold"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// EmailConfig describes the SMTP channel.
type EmailConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	SMTPHost  string   `mapstructure:"smtp_host"`
	SMTPPort  int      `mapstructure:"smtp_port"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	From      string   `mapstructure:"from"`
	To        []string `mapstructure:"to"`
	ChartDays int      `mapstructure:"chart_days"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	Days          int `mapstructure:"days"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := v.BindEnv("ticketing.api_key", "TIXWATCH_TICKETING_API_KEY", "TICKETMASTER_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tixwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("state.driver", "postgres")
	v.SetDefault("state.sqlite_path", "data/tixwatch-state.db")

	v.SetDefault("cache.backend", "postgres")
	v.SetDefault("cache.ttl", "30m")
	v.SetDefault("cache.search_ttl", "15m")
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.eviction_buffer", 100)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "tixwatch:cache:")

	v.SetDefault("ticketing.api_key", "")
	v.SetDefault("ticketing.base_url", "https://app.ticketmaster.com/discovery/v2")
	v.SetDefault("ticketing.timeout", "30s")
	v.SetDefault("ticketing.user_agent", "")
	v.SetDefault("ticketing.rate_limit.service", "ticketmaster")
	v.SetDefault("ticketing.rate_limit.max_requests", 5000)
	v.SetDefault("ticketing.rate_limit.window", "24h")
	v.SetDefault("ticketing.rate_limit.max_wait", "5m")
	v.SetDefault("ticketing.retry.max_attempts", 3)
	v.SetDefault("ticketing.retry.base_delay", "1s")
	v.SetDefault("ticketing.retry.max_delay", "60s")
	v.SetDefault("ticketing.retry.factor", 2.0)

	v.SetDefault("scraper.enabled", true)
	v.SetDefault("scraper.engine", "playwright")
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.navigation_timeout", "30s")
	v.SetDefault("scraper.settle_min", "3s")
	v.SetDefault("scraper.settle_max", "5s")
	v.SetDefault("scraper.popup_timeout", "3s")
	v.SetDefault("scraper.map_timeout", "10s")
	v.SetDefault("scraper.tooltip_timeout", "5s")
	v.SetDefault("scraper.hover_pause", "1s")
	v.SetDefault("scraper.hover_attempts", 2)
	v.SetDefault("scraper.cheapest_sections", 1)
	v.SetDefault("scraper.max_discover", 25)
	v.SetDefault("scraper.min_page_interval", "10s")

	v.SetDefault("monitor.min_drop_percent", 10.0)
	v.SetDefault("monitor.default_threshold", 0.0)
	v.SetDefault("monitor.history_retention_days", 90)
	v.SetDefault("monitor.alert_retention_days", 180)
	v.SetDefault("monitor.cooldown", "0s")
	v.SetDefault("monitor.scrape_on_api_error", false)
	v.SetDefault("monitor.cross_source_drops", true)

	v.SetDefault("scheduler.interval", "2h")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74697877))
	v.SetDefault("scheduler.summary_enabled", true)
	v.SetDefault("scheduler.summary_time", "09:00")
	v.SetDefault("scheduler.maintenance_time", "03:00")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.channels", []string{"email"})
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.smtp_port", 587)
	v.SetDefault("alerting.email.chart_days", 7)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 5000)
	v.SetDefault("export.days", 30)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if _, err := ParseClock(c.Scheduler.SummaryTime); err != nil {
		return fmt.Errorf("scheduler.summary_time: %w", err)
	}
	if _, err := ParseClock(c.Scheduler.MaintenanceTime); err != nil {
		return fmt.Errorf("scheduler.maintenance_time: %w", err)
	}
	if c.Ticketing.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ticketing.rate_limit.max_requests must be greater than zero")
	}
	if c.Ticketing.RateLimit.Window <= 0 {
		return fmt.Errorf("ticketing.rate_limit.window must be greater than zero")
	}
	if c.Ticketing.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("ticketing.retry.max_attempts must be greater than zero")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be greater than zero")
	}
	if c.Cache.EvictionBuffer < 0 {
		return fmt.Errorf("cache.eviction_buffer cannot be negative")
	}
	switch c.State.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("state.driver must be postgres or sqlite, got %q", c.State.Driver)
	}
	switch c.Cache.Backend {
	case "postgres", "sqlite", "redis":
	default:
		return fmt.Errorf("cache.backend must be postgres, sqlite or redis, got %q", c.Cache.Backend)
	}
	switch c.Scraper.Engine {
	case "playwright", "rod":
	default:
		return fmt.Errorf("scraper.engine must be playwright or rod, got %q", c.Scraper.Engine)
	}
	if c.Scraper.SettleMin > c.Scraper.SettleMax {
		return fmt.Errorf("scraper.settle_min cannot exceed scraper.settle_max")
	}
	if c.Scraper.HoverAttempts <= 0 {
		return fmt.Errorf("scraper.hover_attempts must be greater than zero")
	}
	if c.Scraper.CheapestSections <= 0 {
		return fmt.Errorf("scraper.cheapest_sections must be greater than zero")
	}
	if c.Monitor.MinDropPercent < 0 {
		return fmt.Errorf("monitor.min_drop_percent cannot be negative")
	}
	if c.Monitor.DefaultThreshold < 0 {
		return fmt.Errorf("monitor.default_threshold cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	seen := make(map[string]struct{}, len(c.Events))
	for i, ev := range c.Events {
		if strings.TrimSpace(ev.ID) == "" {
			return fmt.Errorf("events[%d].id is required", i)
		}
		if _, dup := seen[ev.ID]; dup {
			return fmt.Errorf("events[%d].id %q is duplicated", i, ev.ID)
		}
		seen[ev.ID] = struct{}{}
		if ev.Threshold < 0 {
			return fmt.Errorf("events[%d].threshold cannot be negative", i)
		}
		if _, err := ev.ParsedDate(); err != nil {
			return fmt.Errorf("events[%d].date: %w", i, err)
		}
	}
	if _, err := c.SectionMap(); err != nil {
		return err
	}
	if _, err := c.ThresholdMap(); err != nil {
		return err
	}

	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.SMTPHost == "" {
			return fmt.Errorf("alerting.email.smtp_host is required")
		}
		if c.Alerting.Email.From == "" {
			return fmt.Errorf("alerting.email.from is required")
		}
		if len(c.Alerting.Email.To) == 0 {
			return fmt.Errorf("alerting.email.to needs at least one recipient")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ParseClock converts "HH:MM" into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ParsedDate returns the event date, if one is configured.
func (e EventConfig) ParsedDate() (*time.Time, error) {
	raw := strings.TrimSpace(e.Date)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised date %q", raw)
}
