// Package extract recovers note records from listing and detail page markup.
//
// The Extractor holds only immutable configuration, so one instance can parse
// pages from several goroutines. It never touches the network or the browser.
package extract

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// Window is an inclusive rune-length range.
type Window struct {
	Min int
	Max int
}

// Contains reports whether n lies within the window.
func (w Window) Contains(n int) bool {
	return n >= w.Min && n <= w.Max
}

// Config tunes extraction heuristics.
type Config struct {
	BaseURL          string
	MinFragmentBytes int
	MaxCandidates    int
	TitleWindow      Window
	ContentWindow    Window
	ContentNodes     int
	MaxTags          int
	MaxInlineTags    int
	MaxDetailTags    int
	MaxImages        int
	MinDetailContent int
	MaxPayloadDepth  int
	NoiseTokens      []string
	DetailNoise      []string
}

// DefaultConfig returns the heuristics tuned for xiaohongshu pages.
func DefaultConfig() Config {
	return Config{
		BaseURL:          crawler.DefaultSite().BaseURL,
		MinFragmentBytes: 100,
		MaxCandidates:    30,
		TitleWindow:      Window{Min: 5, Max: 200},
		ContentWindow:    Window{Min: 10, Max: 200},
		ContentNodes:     3,
		MaxTags:          10,
		MaxInlineTags:    5,
		MaxDetailTags:    10,
		MaxImages:        20,
		MinDetailContent: 10,
		MaxPayloadDepth:  48,
		NoiseTokens:      []string{"icon", "avatar", "logo", "default"},
		DetailNoise:      []string{"icon", "avatar", "logo", "default", "spinner", "loading"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = def.BaseURL
	}
	if c.MinFragmentBytes <= 0 {
		c.MinFragmentBytes = def.MinFragmentBytes
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = def.MaxCandidates
	}
	if c.TitleWindow.Max <= 0 {
		c.TitleWindow = def.TitleWindow
	}
	if c.ContentWindow.Max <= 0 {
		c.ContentWindow = def.ContentWindow
	}
	if c.ContentNodes <= 0 {
		c.ContentNodes = def.ContentNodes
	}
	if c.MaxTags <= 0 {
		c.MaxTags = def.MaxTags
	}
	if c.MaxInlineTags <= 0 {
		c.MaxInlineTags = def.MaxInlineTags
	}
	if c.MaxDetailTags <= 0 {
		c.MaxDetailTags = def.MaxDetailTags
	}
	if c.MaxImages <= 0 {
		c.MaxImages = def.MaxImages
	}
	if c.MinDetailContent <= 0 {
		c.MinDetailContent = def.MinDetailContent
	}
	if c.MaxPayloadDepth <= 0 {
		c.MaxPayloadDepth = def.MaxPayloadDepth
	}
	if len(c.NoiseTokens) == 0 {
		c.NoiseTokens = def.NoiseTokens
	}
	if len(c.DetailNoise) == 0 {
		c.DetailNoise = def.DetailNoise
	}
	return c
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	cfg      Config
	site     crawler.Site
	matchers []Matcher
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds an Extractor. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	site := crawler.DefaultSite()
	site.BaseURL = cfg.BaseURL
	return &Extractor{
		cfg:      cfg,
		site:     site,
		matchers: DefaultMatchers(),
		validate: newValidator(),
		logger:   logger,
	}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}
