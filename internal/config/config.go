// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
	collyfetcher "github.com/KANgetuL/xiaohongshu/internal/fetcher/colly"
	"github.com/KANgetuL/xiaohongshu/internal/policy/ratelimit"
	"github.com/KANgetuL/xiaohongshu/internal/publisher/pubsub"
	"github.com/KANgetuL/xiaohongshu/internal/session"
	"github.com/KANgetuL/xiaohongshu/internal/storage/gcs"
	"github.com/KANgetuL/xiaohongshu/internal/storage/local"
	"github.com/KANgetuL/xiaohongshu/internal/storage/postgres"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig          `mapstructure:"logging"`
	Site      SiteConfig             `mapstructure:"site"`
	Crawler   CrawlerConfig          `mapstructure:"crawler"`
	Session   SessionConfig          `mapstructure:"session"`
	Chrome    session.ChromeConfig   `mapstructure:"chrome"`
	Detection session.DetectorConfig `mapstructure:"detection"`
	Relevance RelevanceConfig        `mapstructure:"relevance"`
	Download  DownloadConfig         `mapstructure:"download"`
	RateLimit RateLimitConfig        `mapstructure:"ratelimit"`
	Sink      SinkConfig             `mapstructure:"sink"`
	Storage   StorageConfig          `mapstructure:"storage"`
	DB        postgres.Config        `mapstructure:"db"`
	PubSub    pubsub.Config          `mapstructure:"pubsub"`
	Server    ServerConfig           `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SiteConfig points the crawler at the site.
type SiteConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	CookieDomain string `mapstructure:"cookie_domain"`
}

// CrawlerConfig bounds one crawl run.
type CrawlerConfig struct {
	Keywords           []string `mapstructure:"keywords"`
	MaxNotes           int      `mapstructure:"max_notes"`
	MaxNotesPerKeyword int      `mapstructure:"max_notes_per_keyword"`
	MaxAttempts        int      `mapstructure:"max_attempts"`
	MinImages          int      `mapstructure:"min_images"`
	MinContentLength   int      `mapstructure:"min_content_length"`
	ListingMarker      string   `mapstructure:"listing_marker"`
	DetailMarker       string   `mapstructure:"detail_marker"`
}

// SessionConfig tunes the browser session controller.
type SessionConfig struct {
	CookieFile        string        `mapstructure:"cookie_file"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	DefaultPause      time.Duration `mapstructure:"default_pause"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	LoginPollInterval time.Duration `mapstructure:"login_poll_interval"`
	LoginPollTimeout  time.Duration `mapstructure:"login_poll_timeout"`
	CloseSelectors    []string      `mapstructure:"close_selectors"`
}

// RelevanceConfig maps each keyword to its on-theme terms.
type RelevanceConfig struct {
	Synonyms map[string][]string `mapstructure:"synonyms"`
}

// DownloadConfig configures the image downloader.
type DownloadConfig struct {
	UserAgent    string              `mapstructure:"user_agent"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	MaxBodyBytes int                 `mapstructure:"max_body_bytes"`
	ContentType  string              `mapstructure:"content_type"`
	Retry        crawler.RetryConfig `mapstructure:"retry"`
}

// RateLimitConfig paces page navigations and image downloads separately.
type RateLimitConfig struct {
	NavigationRPS    float64       `mapstructure:"navigation_rps"`
	NavigationBurst  int           `mapstructure:"navigation_burst"`
	NavigationJitter time.Duration `mapstructure:"navigation_jitter"`
	DownloadRPS      float64       `mapstructure:"download_rps"`
	DownloadBurst    int           `mapstructure:"download_burst"`
}

// SinkConfig controls what is stored per note.
type SinkConfig struct {
	ImagesPerNote   int    `mapstructure:"images_per_note"`
	AnnotationRunes int    `mapstructure:"annotation_runes"`
	Topic           string `mapstructure:"topic"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// ServerConfig enables the status API when Addr is set.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds a Config from an optional .env file, disk and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	site := crawler.DefaultSite()
	eng := crawler.DefaultEngineConfig()
	sess := session.DefaultConfig()
	sink := crawler.DefaultSinkConfig()
	retry := crawler.DefaultRetryConfig()

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("site.base_url", site.BaseURL)
	v.SetDefault("site.cookie_domain", site.CookieDomain)

	v.SetDefault("crawler.keywords", eng.Keywords)
	v.SetDefault("crawler.max_notes", eng.MaxNotes)
	v.SetDefault("crawler.max_notes_per_keyword", 0)
	v.SetDefault("crawler.max_attempts", eng.MaxAttempts)
	v.SetDefault("crawler.min_images", eng.MinImages)
	v.SetDefault("crawler.min_content_length", eng.MinContentLength)
	v.SetDefault("crawler.listing_marker", eng.ListingMarker)
	v.SetDefault("crawler.detail_marker", eng.DetailMarker)

	v.SetDefault("session.cookie_file", "xhs_cookies.json")
	v.SetDefault("session.wait_timeout", sess.WaitTimeout)
	v.SetDefault("session.default_pause", sess.DefaultPause)
	v.SetDefault("session.retry_delay", sess.RetryDelay)
	v.SetDefault("session.login_poll_interval", sess.LoginPollInterval)
	v.SetDefault("session.login_poll_timeout", sess.LoginPollTimeout)

	v.SetDefault("chrome.headless", false)
	v.SetDefault("chrome.window_width", 1366)
	v.SetDefault("chrome.window_height", 900)
	v.SetDefault("chrome.click_timeout", 2*time.Second)

	v.SetDefault("download.timeout", 20*time.Second)
	v.SetDefault("download.max_body_bytes", 20<<20)
	v.SetDefault("download.content_type", "image/")
	v.SetDefault("download.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("download.retry.base_delay", retry.BaseDelay)
	v.SetDefault("download.retry.max_delay", retry.MaxDelay)

	v.SetDefault("ratelimit.navigation_rps", 0.5)
	v.SetDefault("ratelimit.navigation_burst", 1)
	v.SetDefault("ratelimit.navigation_jitter", 1500*time.Millisecond)
	v.SetDefault("ratelimit.download_rps", 4.0)
	v.SetDefault("ratelimit.download_burst", 2)

	v.SetDefault("sink.images_per_note", sink.ImagesPerNote)
	v.SetDefault("sink.annotation_runes", sink.AnnotationRunes)
	v.SetDefault("sink.topic", "")

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "xhs_comics")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.notes_table", "notes")
	v.SetDefault("db.runs_table", "crawl_runs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("server.addr", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return fmt.Errorf("site.base_url must be set")
	}
	if len(c.Crawler.Keywords) == 0 {
		return fmt.Errorf("crawler.keywords must not be empty")
	}
	if c.Crawler.MaxNotes < 0 || c.Crawler.MaxNotesPerKeyword < 0 {
		return fmt.Errorf("crawler.max_notes and crawler.max_notes_per_keyword must be >= 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.MinImages < 0 || c.Crawler.MinContentLength < 0 {
		return fmt.Errorf("crawler.min_images and crawler.min_content_length must be >= 0")
	}
	if c.Sink.ImagesPerNote <= 0 {
		return fmt.Errorf("sink.images_per_note must be > 0")
	}
	if c.Crawler.MinImages > c.Sink.ImagesPerNote {
		return fmt.Errorf("crawler.min_images (%d) exceeds sink.images_per_note (%d)",
			c.Crawler.MinImages, c.Sink.ImagesPerNote)
	}
	if c.Session.LoginPollInterval <= 0 || c.Session.LoginPollTimeout <= 0 {
		return fmt.Errorf("session.login_poll_interval and session.login_poll_timeout must be > 0")
	}
	if c.Download.Timeout <= 0 {
		return fmt.Errorf("download.timeout must be > 0")
	}
	if c.RateLimit.NavigationRPS < 0 || c.RateLimit.DownloadRPS < 0 {
		return fmt.Errorf("ratelimit rates must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendMemory:
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, memory, gcs", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// SiteLayout returns the site with configured overrides applied.
func (c Config) SiteLayout() crawler.Site {
	site := crawler.DefaultSite()
	if c.Site.BaseURL != "" {
		site.BaseURL = strings.TrimRight(c.Site.BaseURL, "/")
	}
	if c.Site.CookieDomain != "" {
		site.CookieDomain = c.Site.CookieDomain
	}
	return site
}

// EngineConfig converts the crawler section.
func (c Config) EngineConfig() crawler.EngineConfig {
	return crawler.EngineConfig{
		Keywords:           c.Crawler.Keywords,
		MaxNotes:           c.Crawler.MaxNotes,
		MaxNotesPerKeyword: c.Crawler.MaxNotesPerKeyword,
		MaxAttempts:        c.Crawler.MaxAttempts,
		MinImages:          c.Crawler.MinImages,
		MinContentLength:   c.Crawler.MinContentLength,
		ListingMarker:      c.Crawler.ListingMarker,
		DetailMarker:       c.Crawler.DetailMarker,
	}
}

// ControllerConfig converts the session and detection sections.
func (c Config) ControllerConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Site = c.SiteLayout()
	cfg.WaitTimeout = c.Session.WaitTimeout
	cfg.DefaultPause = c.Session.DefaultPause
	cfg.RetryDelay = c.Session.RetryDelay
	cfg.LoginPollInterval = c.Session.LoginPollInterval
	cfg.LoginPollTimeout = c.Session.LoginPollTimeout
	if c.Crawler.DetailMarker != "" {
		cfg.DetailMarker = c.Crawler.DetailMarker
	}
	if len(c.Session.CloseSelectors) > 0 {
		cfg.CloseSelectors = c.Session.CloseSelectors
	}
	cfg.Detection = c.Detection
	return cfg
}

// CollectionConfig converts the sink section. Events go to the Pub/Sub
// topic unless sink.topic names another one.
func (c Config) CollectionConfig() crawler.SinkConfig {
	topic := c.Sink.Topic
	if topic == "" && c.PublishingEnabled() {
		topic = c.PubSub.TopicID
	}
	return crawler.SinkConfig{
		ImagesPerNote:   c.Sink.ImagesPerNote,
		MinImages:       c.Crawler.MinImages,
		AnnotationRunes: c.Sink.AnnotationRunes,
		Topic:           topic,
	}
}

// DownloaderConfig converts the download section.
func (c Config) DownloaderConfig() collyfetcher.Config {
	ua := c.Download.UserAgent
	if ua == "" {
		ua = c.Chrome.UserAgent
	}
	return collyfetcher.Config{
		UserAgent:         ua,
		Referer:           c.SiteLayout().RootURL(),
		Timeout:           c.Download.Timeout,
		MaxBodyBytes:      c.Download.MaxBodyBytes,
		ContentTypePrefix: c.Download.ContentType,
	}
}

// NavigationLimits paces page loads.
func (c Config) NavigationLimits() ratelimit.Config {
	return ratelimit.Config{
		DefaultRPS:   c.RateLimit.NavigationRPS,
		DefaultBurst: c.RateLimit.NavigationBurst,
		Jitter:       c.RateLimit.NavigationJitter,
	}
}

// DownloadLimits paces image requests per CDN host.
func (c Config) DownloadLimits() ratelimit.Config {
	return ratelimit.Config{
		DefaultRPS:   c.RateLimit.DownloadRPS,
		DefaultBurst: c.RateLimit.DownloadBurst,
	}
}

// PublishingEnabled reports whether note events go to Pub/Sub.
func (c Config) PublishingEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicID != ""
}
