package session

import (
	"net/url"
	"strings"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// Reason names the rule that decided a verdict.
type Reason string

// Verdict reasons, in rule order.
const (
	ReasonRedirected    Reason = "redirected"
	ReasonPageMissing   Reason = "page_missing"
	ReasonLoginRequired Reason = "login_required"
	ReasonLoginDialog   Reason = "login_dialog"
	ReasonLoggedIn      Reason = "logged_in"
	ReasonUnknown       Reason = "unknown"
)

// Verdict is the outcome of one blocked-page check.
type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  Reason `json:"reason,omitempty"`
}

// Probe is what the browser reported about the current page.
type Probe struct {
	URL                string
	Text               string
	LoginDialogVisible bool
	AvatarVisible      bool
	SearchVisible      bool
}

// DetectorConfig lists the markers that identify anti-automation pages.
type DetectorConfig struct {
	RedirectKeys         []string `mapstructure:"redirect_keys"`
	LoginHosts           []string `mapstructure:"login_hosts"`
	LoginPaths           []string `mapstructure:"login_paths"`
	MissingPhrases       []string `mapstructure:"missing_phrases"`
	LoginPhrases         []string `mapstructure:"login_phrases"`
	LoginDialogSelectors []string `mapstructure:"login_dialog_selectors"`
	AvatarSelectors      []string `mapstructure:"avatar_selectors"`
	SearchSelectors      []string `mapstructure:"search_selectors"`
}

// DefaultDetectorConfig returns the markers observed on xiaohongshu.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		RedirectKeys: []string{"redirectPath", "error_code", "error_msg"},
		LoginHosts:   []string{"passport.xiaohongshu.com", "login.xiaohongshu.com"},
		LoginPaths:   []string{"/login", "/website-login"},
		MissingPhrases: []string{
			"你访问的页面不见了", "页面不见了", "当前笔记暂时无法浏览",
			"访问异常", "安全限制", "请求太频繁", "内容无法展示",
		},
		LoginPhrases: []string{
			"立即登录", "登录后查看", "登录解锁", "请先登录", "登录小红书", "登录后继续",
		},
		LoginDialogSelectors: []string{".login-container", ".login-modal", `[class*="login-container"]`, ".qrcode-img"},
		AvatarSelectors:      []string{".side-bar .user .avatar", "li.user.side-bar-component", ".user-avatar", `.side-bar [class*="avatar"]`},
		SearchSelectors:      []string{"#search-input", ".search-input", `input[placeholder*="搜索"]`},
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	def := DefaultDetectorConfig()
	fill := func(dst *[]string, src []string) {
		if len(*dst) == 0 {
			*dst = src
		}
	}
	fill(&c.RedirectKeys, def.RedirectKeys)
	fill(&c.LoginHosts, def.LoginHosts)
	fill(&c.LoginPaths, def.LoginPaths)
	fill(&c.MissingPhrases, def.MissingPhrases)
	fill(&c.LoginPhrases, def.LoginPhrases)
	fill(&c.LoginDialogSelectors, def.LoginDialogSelectors)
	fill(&c.AvatarSelectors, def.AvatarSelectors)
	fill(&c.SearchSelectors, def.SearchSelectors)
	return c
}

// Detector classifies probes. It holds no state.
type Detector struct {
	cfg  DetectorConfig
	site crawler.Site
}

// NewDetector builds a Detector; empty lists fall back to the defaults.
func NewDetector(cfg DetectorConfig, site crawler.Site) *Detector {
	return &Detector{cfg: cfg.withDefaults(), site: site}
}

// Config returns the effective markers.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Evaluate applies the rules in order. Negative evidence (rules 1-4) always
// beats positive evidence, and a page with no evidence either way is blocked.
func (d *Detector) Evaluate(p Probe, target string) Verdict {
	if d.redirected(p.URL, target) {
		return Verdict{Blocked: true, Reason: ReasonRedirected}
	}
	if containsAny(p.Text, d.cfg.MissingPhrases) {
		return Verdict{Blocked: true, Reason: ReasonPageMissing}
	}
	if containsAny(p.Text, d.cfg.LoginPhrases) {
		return Verdict{Blocked: true, Reason: ReasonLoginRequired}
	}
	if p.LoginDialogVisible {
		return Verdict{Blocked: true, Reason: ReasonLoginDialog}
	}
	if p.AvatarVisible || p.SearchVisible {
		return Verdict{Blocked: false, Reason: ReasonLoggedIn}
	}
	return Verdict{Blocked: true, Reason: ReasonUnknown}
}

func (d *Detector) redirected(current, target string) bool {
	if current == "" {
		return false
	}
	if d.site.IsRoot(current) && !d.site.IsRoot(target) {
		return true
	}
	u, err := url.Parse(current)
	if err != nil {
		return false
	}
	q := u.Query()
	for _, k := range d.cfg.RedirectKeys {
		if q.Has(k) {
			return true
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range d.cfg.LoginHosts {
		if host == strings.ToLower(h) {
			return true
		}
	}
	for _, p := range d.cfg.LoginPaths {
		if strings.HasPrefix(u.Path, p) {
			return true
		}
	}
	return false
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}
