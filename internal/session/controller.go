// Package session drives the single browser tab used for a crawl: paced
// navigation, anti-automation detection, recovery and login persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/clock/system"
	"github.com/KANgetuL/xiaohongshu/internal/crawler"
	"github.com/KANgetuL/xiaohongshu/internal/metrics"
)

// Config tunes navigation timing and recovery.
type Config struct {
	Site              crawler.Site
	WaitTimeout       time.Duration
	DefaultPause      time.Duration
	RetryDelay        time.Duration
	LoginPollInterval time.Duration
	LoginPollTimeout  time.Duration
	DetailMarker      string
	CloseSelectors    []string
	Detection         DetectorConfig
}

// DefaultConfig returns timings that stay well under the site's throttles.
func DefaultConfig() Config {
	return Config{
		Site:              crawler.DefaultSite(),
		WaitTimeout:       10 * time.Second,
		DefaultPause:      2 * time.Second,
		RetryDelay:        3 * time.Second,
		LoginPollInterval: 2 * time.Second,
		LoginPollTimeout:  30 * time.Second,
		DetailMarker:      ".note-container",
		CloseSelectors: []string{
			".close-circle", ".close-button", ".login-container .close",
			`[class*="close-icon"]`, `.icon-btn-wrapper.close`,
		},
		Detection: DefaultDetectorConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Site.BaseURL == "" {
		c.Site = def.Site
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	if c.DefaultPause < 0 {
		c.DefaultPause = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.LoginPollInterval <= 0 {
		c.LoginPollInterval = def.LoginPollInterval
	}
	if c.LoginPollTimeout <= 0 {
		c.LoginPollTimeout = def.LoginPollTimeout
	}
	if c.DetailMarker == "" {
		c.DetailMarker = def.DetailMarker
	}
	if len(c.CloseSelectors) == 0 {
		c.CloseSelectors = def.CloseSelectors
	}
	return c
}

// Pacer spaces out navigations.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Clock supplies time and interruptible sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPacer sets the navigation rate limiter.
func WithPacer(p Pacer) Option {
	return func(c *Controller) {
		if p != nil {
			c.pacer = p
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Controller owns the browser session. Navigation is sequential; the mutex
// only guards the state snapshot for concurrent readers.
type Controller struct {
	cfg      Config
	browser  Browser
	cookies  *CookieStore
	detector *Detector
	pacer    Pacer
	clock    Clock
	logger   *zap.Logger

	mu    sync.RWMutex
	state State
}

// New builds a Controller in the UNINITIALIZED state. cookies may be nil.
func New(cfg Config, browser Browser, cookies *CookieStore, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		browser:  browser,
		cookies:  cookies,
		detector: NewDetector(cfg.Detection, cfg.Site),
		clock:    system.New(),
		logger:   zap.NewNop(),
		state:    State{Status: StatusUninitialized},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start marks the session usable.
func (c *Controller) Start(_ context.Context) error {
	if c.browser == nil {
		return fmt.Errorf("%w: no browser", crawler.ErrBrowserStart)
	}
	c.setStatus(StatusActive)
	c.logger.Info("Session started")
	return nil
}

// Close terminates the session and the browser.
func (c *Controller) Close() error {
	c.setStatus(StatusTerminated)
	if c.browser == nil {
		return nil
	}
	if err := c.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the current lifecycle status as a string.
func (c *Controller) Status() string {
	return string(c.State().Status)
}

func (c *Controller) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	status := c.state.Status
	c.mu.Unlock()
	metrics.SetSessionActive(status == StatusActive)
}

func (c *Controller) setStatus(s Status) {
	c.update(func(st *State) {
		if st.Status == StatusTerminated {
			return
		}
		st.Status = s
	})
}

func (c *Controller) terminated() bool {
	return c.State().Status == StatusTerminated
}

// fatal converts errors that end the session. It returns nil for errors a
// retry may survive.
func (c *Controller) fatal(ctx context.Context, err error) error {
	if errors.Is(err, crawler.ErrSessionTerminated) {
		c.setStatus(StatusTerminated)
		c.logger.Error("Browser session terminated", zap.Error(err))
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", crawler.ErrSessionTerminated, ctxErr)
	}
	return nil
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if err := c.clock.Sleep(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrSessionTerminated, err)
	}
	return nil
}

// Navigate loads url, waits for waitMarker and returns the rendered page.
// Blocked pages go through Recover before the attempt counts as failed.
func (c *Controller) Navigate(ctx context.Context, url string, waitMarker string, maxAttempts int) (crawler.Page, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if c.terminated() {
		return crawler.Page{}, fmt.Errorf("navigate %s: %w", url, crawler.ErrSessionTerminated)
	}
	start := c.clock.Now()
	page, err := c.navigate(ctx, url, waitMarker, maxAttempts)
	outcome := "success"
	switch {
	case errors.Is(err, crawler.ErrSessionTerminated):
		outcome = "terminated"
	case errors.Is(err, crawler.ErrAntiAutomation):
		outcome = "blocked"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveNavigation(outcome, c.clock.Now().Sub(start))
	return page, err
}

func (c *Controller) navigate(ctx context.Context, url string, waitMarker string, maxAttempts int) (crawler.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				return crawler.Page{}, err
			}
		}
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx, url); err != nil {
				return crawler.Page{}, fmt.Errorf("%w: %w", crawler.ErrSessionTerminated, err)
			}
		}

		if err := c.load(ctx, url, waitMarker); err != nil {
			if ferr := c.fatal(ctx, err); ferr != nil {
				return crawler.Page{}, ferr
			}
			lastErr = fmt.Errorf("%w: load %s: %w", crawler.ErrNavigation, url, err)
			c.logger.Warn("Navigation attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		verdict, err := c.IsBlocked(ctx, url)
		if err != nil {
			if ferr := c.fatal(ctx, err); ferr != nil {
				return crawler.Page{}, ferr
			}
			lastErr = fmt.Errorf("%w: probe %s: %w", crawler.ErrNavigation, url, err)
			continue
		}
		if verdict.Blocked {
			c.logger.Warn("Blocked page detected",
				zap.String("url", url),
				zap.String("reason", string(verdict.Reason)),
				zap.Int("attempt", attempt))
			if !c.Recover(ctx, url) {
				if c.terminated() {
					return crawler.Page{}, fmt.Errorf("navigate %s: %w", url, crawler.ErrSessionTerminated)
				}
				if err := ctx.Err(); err != nil {
					return crawler.Page{}, fmt.Errorf("%w: %w", crawler.ErrSessionTerminated, err)
				}
				lastErr = fmt.Errorf("%w: %s (%s)", crawler.ErrAntiAutomation, url, verdict.Reason)
				continue
			}
		}

		c.dismissOverlay(ctx)
		page, err := c.capture(ctx, url)
		if err != nil {
			if ferr := c.fatal(ctx, err); ferr != nil {
				return crawler.Page{}, ferr
			}
			lastErr = fmt.Errorf("%w: capture %s: %w", crawler.ErrNavigation, url, err)
			continue
		}
		return page, nil
	}
	return crawler.Page{}, fmt.Errorf("navigate %s after %d attempts: %w", url, maxAttempts, lastErr)
}

// load navigates and waits for the marker. A marker timeout is only logged;
// the blocked check that follows decides what the page is.
func (c *Controller) load(ctx context.Context, url string, waitMarker string) error {
	if err := c.browser.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if waitMarker == "" {
		return c.sleep(ctx, c.cfg.DefaultPause)
	}
	if err := c.browser.WaitVisible(ctx, waitMarker, c.cfg.WaitTimeout); err != nil {
		if ferr := c.fatal(ctx, err); ferr != nil {
			return ferr
		}
		c.logger.Warn("Wait marker not visible",
			zap.String("url", url),
			zap.String("marker", waitMarker),
			zap.Duration("timeout", c.cfg.WaitTimeout),
			zap.Error(err))
	}
	return nil
}

func (c *Controller) capture(ctx context.Context, url string) (crawler.Page, error) {
	loc, err := c.browser.Location(ctx)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("location: %w", err)
	}
	html, err := c.browser.HTML(ctx)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("html: %w", err)
	}
	c.update(func(st *State) { st.CurrentURL = loc })
	return crawler.Page{URL: url, FinalURL: loc, HTML: html, FetchedAt: c.clock.Now()}, nil
}

// dismissOverlay closes the first visible pop-up: native click, then a
// script click, and Escape when nothing matches.
func (c *Controller) dismissOverlay(ctx context.Context) {
	sel, ok, err := c.browser.FirstVisible(ctx, c.cfg.CloseSelectors)
	if err != nil {
		c.logger.Debug("Overlay probe failed", zap.Error(err))
		return
	}
	if !ok {
		if err := c.browser.PressEscape(ctx); err != nil {
			c.logger.Debug("Escape failed", zap.Error(err))
		}
		return
	}
	if err := c.browser.Click(ctx, sel); err == nil {
		return
	}
	if err := c.browser.JSClick(ctx, sel); err != nil {
		c.logger.Debug("Overlay close failed", zap.String("selector", sel), zap.Error(err))
	}
}

// IsBlocked probes the current page and evaluates it against target.
func (c *Controller) IsBlocked(ctx context.Context, target string) (Verdict, error) {
	probe, err := c.probe(ctx)
	if err != nil {
		return Verdict{}, err
	}
	v := c.detector.Evaluate(probe, target)
	c.update(func(st *State) {
		st.LastVerdict = v
		st.CurrentURL = probe.URL
		if st.Status != StatusTerminated && st.Status != StatusUninitialized {
			st.Status = statusFor(v)
		}
	})
	if v.Blocked {
		metrics.ObserveBlock(string(v.Reason))
	}
	return v, nil
}

func (c *Controller) probe(ctx context.Context) (Probe, error) {
	loc, err := c.browser.Location(ctx)
	if err != nil {
		return Probe{}, fmt.Errorf("probe location: %w", err)
	}
	text, err := c.browser.BodyText(ctx)
	if err != nil {
		return Probe{}, fmt.Errorf("probe text: %w", err)
	}
	det := c.detector.Config()
	visible := func(selectors []string) (bool, error) {
		_, ok, err := c.browser.FirstVisible(ctx, selectors)
		return ok, err
	}
	p := Probe{URL: loc, Text: text}
	if p.LoginDialogVisible, err = visible(det.LoginDialogSelectors); err != nil {
		return Probe{}, fmt.Errorf("probe login dialog: %w", err)
	}
	if p.AvatarVisible, err = visible(det.AvatarSelectors); err != nil {
		return Probe{}, fmt.Errorf("probe avatar: %w", err)
	}
	if p.SearchVisible, err = visible(det.SearchSelectors); err != nil {
		return Probe{}, fmt.Errorf("probe search: %w", err)
	}
	return p, nil
}

// Recover tries to clear a block on url: reload first, then a fresh login
// from the site root followed by a direct reload of url.
func (c *Controller) Recover(ctx context.Context, url string) bool {
	ok := c.recover(ctx, url)
	metrics.ObserveRecovery(ok)
	return ok
}

func (c *Controller) recover(ctx context.Context, url string) bool {
	c.update(func(st *State) { st.RedirectRetries++ })

	if err := c.browser.Reload(ctx); err != nil {
		if c.fatal(ctx, err) != nil {
			return false
		}
		c.logger.Debug("Reload failed", zap.Error(err))
	} else {
		if err := c.sleep(ctx, c.cfg.DefaultPause); err != nil {
			return false
		}
		if v, err := c.IsBlocked(ctx, url); err == nil && !v.Blocked {
			c.logger.Info("Block cleared by reload", zap.String("url", url))
			return true
		} else if err != nil && c.fatal(ctx, err) != nil {
			return false
		}
	}

	c.saveCookies(ctx)
	if err := c.browser.ClearCookies(ctx); err != nil {
		if c.fatal(ctx, err) != nil {
			return false
		}
		c.logger.Warn("Clear cookies failed", zap.Error(err))
	}
	if err := c.load(ctx, c.cfg.Site.RootURL(), ""); err != nil {
		if c.fatal(ctx, err) == nil {
			c.logger.Warn("Root reload failed", zap.Error(err))
		}
		return false
	}
	if !c.Login(ctx) {
		return false
	}
	if err := c.load(ctx, url, c.cfg.DetailMarker); err != nil {
		return false
	}
	v, err := c.IsBlocked(ctx, url)
	if err != nil || v.Blocked {
		c.logger.Warn("Recovery failed", zap.String("url", url), zap.String("reason", string(v.Reason)))
		return false
	}
	c.logger.Info("Block cleared after login", zap.String("url", url))
	return true
}

// Login restores a session from stored cookies or waits for the operator to
// log in through the visible browser. A timeout is not an error.
func (c *Controller) Login(ctx context.Context) bool {
	root := c.cfg.Site.RootURL()
	if ok, tried := c.loginWithCookies(ctx, root); tried {
		metrics.ObserveLogin("cookies", ok)
		if ok {
			return true
		}
	}
	if c.terminated() || ctx.Err() != nil {
		return false
	}
	ok := c.loginInteractive(ctx, root)
	metrics.ObserveLogin("interactive", ok)
	return ok
}

func (c *Controller) loginWithCookies(ctx context.Context, root string) (ok bool, tried bool) {
	if c.cookies == nil || !c.cookies.Exists() {
		return false, false
	}
	stored, err := c.cookies.Load()
	if err != nil {
		c.logger.Warn("Stored cookies unreadable", zap.String("path", c.cookies.Path()), zap.Error(err))
		return false, false
	}
	if len(stored) == 0 {
		return false, false
	}
	if err := c.browser.Navigate(ctx, root); err != nil {
		c.logger.Warn("Root load failed", zap.Error(err))
		return false, true
	}
	if err := c.browser.SetCookies(ctx, stored); err != nil {
		c.logger.Warn("Cookie restore failed", zap.Error(err))
		return false, true
	}
	if err := c.browser.Reload(ctx); err != nil {
		c.logger.Warn("Reload after cookie restore failed", zap.Error(err))
		return false, true
	}
	if err := c.sleep(ctx, c.cfg.DefaultPause); err != nil {
		return false, true
	}
	v, err := c.IsBlocked(ctx, root)
	if err != nil || v.Blocked {
		c.logger.Info("Stored cookies did not restore the session",
			zap.Int("cookies", len(stored)),
			zap.String("reason", string(v.Reason)))
		return false, true
	}
	c.update(func(st *State) {
		st.LoggedIn = true
		st.CookieCount = len(stored)
		st.Status = StatusActive
	})
	c.logger.Info("Session restored from cookies", zap.Int("cookies", len(stored)))
	return true, true
}

func (c *Controller) loginInteractive(ctx context.Context, root string) bool {
	if err := c.browser.Navigate(ctx, root); err != nil {
		c.logger.Warn("Root load failed", zap.Error(err))
		return false
	}
	polls := int(c.cfg.LoginPollTimeout / c.cfg.LoginPollInterval)
	if polls < 1 {
		polls = 1
	}
	c.logger.Info("Waiting for manual login: scan the QR code or sign in in the browser window",
		zap.Duration("timeout", c.cfg.LoginPollTimeout),
		zap.Duration("poll_interval", c.cfg.LoginPollInterval))

	for i := 0; i < polls; i++ {
		if err := c.sleep(ctx, c.cfg.LoginPollInterval); err != nil {
			return false
		}
		v, err := c.IsBlocked(ctx, root)
		if err != nil {
			if c.fatal(ctx, err) != nil {
				return false
			}
			continue
		}
		if v.Blocked {
			continue
		}
		count := c.saveCookies(ctx)
		c.update(func(st *State) {
			st.LoggedIn = true
			st.CookieCount = count
			st.Status = StatusActive
		})
		c.logger.Info("Manual login detected", zap.Int("cookies", count))
		return true
	}
	c.logger.Warn("Login not completed; continuing without a session",
		zap.Duration("timeout", c.cfg.LoginPollTimeout))
	return false
}

// saveCookies persists the browser's cookies and returns how many were written.
func (c *Controller) saveCookies(ctx context.Context) int {
	if c.cookies == nil {
		return 0
	}
	cookies, err := c.browser.Cookies(ctx)
	if err != nil {
		c.logger.Warn("Read browser cookies failed", zap.Error(err))
		return 0
	}
	if len(cookies) == 0 {
		// Keep the previous file rather than replacing it with nothing.
		return 0
	}
	if err := c.cookies.Save(cookies); err != nil {
		c.logger.Warn("Save cookies failed", zap.String("path", c.cookies.Path()), zap.Error(err))
		return 0
	}
	c.logger.Debug("Cookies saved", zap.Int("count", len(cookies)), zap.String("path", c.cookies.Path()))
	return len(cookies)
}
