package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// ChromeConfig controls the browser process.
type ChromeConfig struct {
	Headless     bool          `mapstructure:"headless"`
	UserAgent    string        `mapstructure:"user_agent"`
	WindowWidth  int           `mapstructure:"window_width"`
	WindowHeight int           `mapstructure:"window_height"`
	UserDataDir  string        `mapstructure:"user_data_dir"`
	ExecPath     string        `mapstructure:"exec_path"`
	ClickTimeout time.Duration `mapstructure:"click_timeout"`
}

// ChromeBrowser implements Browser with chromedp on a single tab.
type ChromeBrowser struct {
	cfg         ChromeConfig
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromeBrowser starts Chrome, opens the tab and installs the stealth script.
func NewChromeBrowser(cfg ChromeConfig, logger *zap.Logger) (*ChromeBrowser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1366, 900
	}
	if cfg.ClickTimeout <= 0 {
		cfg.ClickTimeout = 2 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	opts = append(opts, stealthFlags()...)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	sugar := logger.Sugar()
	tabCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)
	// The first Run must use the tab context itself; a derived timeout would
	// tear the browser down when it fires.
	if err := chromedp.Run(tabCtx, network.Enable(), chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	})); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("%w: %w", crawler.ErrBrowserStart, err)
	}
	logger.Info("Browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("width", cfg.WindowWidth),
		zap.Int("height", cfg.WindowHeight))

	return &ChromeBrowser{
		cfg:         cfg,
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the tab and the browser process down.
func (b *ChromeBrowser) Close() error {
	if b == nil {
		return nil
	}
	b.cancel()
	b.allocCancel()
	return nil
}

// run executes actions on the tab, bounded by the caller's context.
func (b *ChromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrSessionTerminated, err)
	}
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case b.ctx.Err() != nil:
		return fmt.Errorf("%w: %w", crawler.ErrSessionTerminated, err)
	case ctx.Err() != nil:
		return fmt.Errorf("browser action canceled: %w", ctx.Err())
	default:
		return fmt.Errorf("browser action: %w", err)
	}
}

// forwardCancel cancels the tab-derived context when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Navigate loads url in the tab.
func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

// WaitVisible waits up to timeout for selector to become visible.
func (b *ChromeBrowser) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Reload reloads the current page.
func (b *ChromeBrowser) Reload(ctx context.Context) error {
	return b.run(ctx, chromedp.Reload())
}

// Location returns the current URL.
func (b *ChromeBrowser) Location(ctx context.Context) (string, error) {
	var loc string
	if err := b.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// HTML returns the serialized document.
func (b *ChromeBrowser) HTML(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// BodyText returns the rendered text of the body.
func (b *ChromeBrowser) BodyText(ctx context.Context) (string, error) {
	var text string
	if err := b.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text)); err != nil {
		return "", err
	}
	return text, nil
}

const firstVisibleJS = `((sels) => {
  for (const s of sels) {
    let el = null;
    try { el = document.querySelector(s); } catch (e) { continue; }
    if (!el) continue;
    const r = el.getBoundingClientRect();
    const st = window.getComputedStyle(el);
    if (r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none') return s;
  }
  return "";
})(%s)`

// FirstVisible returns the first selector whose element is rendered and visible.
func (b *ChromeBrowser) FirstVisible(ctx context.Context, selectors []string) (string, bool, error) {
	if len(selectors) == 0 {
		return "", false, nil
	}
	arg, err := json.Marshal(selectors)
	if err != nil {
		return "", false, fmt.Errorf("encode selectors: %w", err)
	}
	var found string
	if err := b.run(ctx, chromedp.Evaluate(fmt.Sprintf(firstVisibleJS, arg), &found)); err != nil {
		return "", false, err
	}
	return found, found != "", nil
}

// Click performs a native click on a visible element.
func (b *ChromeBrowser) Click(ctx context.Context, selector string) error {
	clickCtx, cancel := context.WithTimeout(ctx, b.cfg.ClickTimeout)
	defer cancel()
	return b.run(clickCtx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// JSClick dispatches a click from script, for elements covered by overlays.
func (b *ChromeBrowser) JSClick(ctx context.Context, selector string) error {
	arg, err := json.Marshal(selector)
	if err != nil {
		return fmt.Errorf("encode selector: %w", err)
	}
	var clicked bool
	expr := fmt.Sprintf(`((s) => { const el = document.querySelector(s); if (!el) return false; el.click(); return true; })(%s)`, arg)
	if err := b.run(ctx, chromedp.Evaluate(expr, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("js click %q: element not found", selector)
	}
	return nil
}

// PressEscape sends an Escape key press to the page.
func (b *ChromeBrowser) PressEscape(ctx context.Context) error {
	return b.run(ctx, chromedp.KeyEvent(kb.Escape))
}

// Cookies returns every cookie the browser holds.
func (b *ChromeBrowser) Cookies(ctx context.Context) ([]crawler.Cookie, error) {
	var raw []*network.Cookie
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]crawler.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

// SetCookies installs cookies into the browser.
func (b *ChromeBrowser) SetCookies(ctx context.Context, cookies []crawler.Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCookieParam(c))
	}
	return b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
}

// ClearCookies removes every browser cookie.
func (b *ChromeBrowser) ClearCookies(ctx context.Context) error {
	return b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.ClearBrowserCookies().Do(ctx)
	}))
}

func fromNetworkCookie(c *network.Cookie) crawler.Cookie {
	return crawler.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expiry:   c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite.String(),
		Session:  c.Session,
	}
}

func toCookieParam(c crawler.Cookie) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if p.Path == "" {
		p.Path = "/"
	}
	switch network.CookieSameSite(c.SameSite) {
	case network.CookieSameSiteStrict, network.CookieSameSiteLax, network.CookieSameSiteNone:
		p.SameSite = network.CookieSameSite(c.SameSite)
	}
	if !c.Session && c.Expiry > 0 {
		sec, frac := math.Modf(c.Expiry)
		expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		p.Expires = &expires
	}
	return p
}
