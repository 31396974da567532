package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

const testRoot = "https://www.xiaohongshu.com/"

// view is what the fake browser renders for a URL.
type view struct {
	url         string
	text        string
	html        string
	avatar      bool
	loginDialog bool
	waitFails   bool
}

type fakeBrowser struct {
	mu sync.Mutex

	render  func(f *fakeBrowser, url string, loads int) view
	current string
	loads   map[string]int
	cookies []crawler.Cookie
	navErr  map[string]error

	closeVisible bool
	dead         bool

	navigations []string
	reloads     int
	escapes     int
	clicks      int
	cleared     int
}

func newFakeBrowser(render func(f *fakeBrowser, url string, loads int) view) *fakeBrowser {
	return &fakeBrowser{render: render, loads: make(map[string]int), navErr: make(map[string]error)}
}

func (f *fakeBrowser) loggedIn() bool {
	for _, c := range f.cookies {
		if c.Name == "web_session" && c.Value == "valid" {
			return true
		}
	}
	return false
}

func (f *fakeBrowser) view() view {
	v := f.render(f, f.current, f.loads[f.current])
	if v.url == "" {
		v.url = f.current
	}
	return v
}

func (f *fakeBrowser) gone() error {
	if f.dead {
		return fmt.Errorf("%w: target closed", crawler.ErrSessionTerminated)
	}
	return nil
}

func (f *fakeBrowser) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return err
	}
	f.navigations = append(f.navigations, url)
	if err := f.navErr[url]; err != nil {
		return err
	}
	f.current = url
	f.loads[url]++
	return nil
}

func (f *fakeBrowser) WaitVisible(_ context.Context, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return err
	}
	if f.view().waitFails {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeBrowser) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return err
	}
	f.reloads++
	f.loads[f.current]++
	return nil
}

func (f *fakeBrowser) Location(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return "", err
	}
	return f.view().url, nil
}

func (f *fakeBrowser) HTML(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return "", err
	}
	return f.view().html, nil
}

func (f *fakeBrowser) BodyText(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return "", err
	}
	return f.view().text, nil
}

func (f *fakeBrowser) FirstVisible(_ context.Context, selectors []string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gone(); err != nil {
		return "", false, err
	}
	if len(selectors) == 0 {
		return "", false, nil
	}
	det := DefaultDetectorConfig()
	v := f.view()
	switch selectors[0] {
	case det.AvatarSelectors[0]:
		return selectors[0], v.avatar, nil
	case det.LoginDialogSelectors[0]:
		return selectors[0], v.loginDialog, nil
	case det.SearchSelectors[0]:
		return "", false, nil
	case DefaultConfig().CloseSelectors[0]:
		if f.closeVisible {
			return selectors[1], true, nil
		}
	}
	return "", false, nil
}

func (f *fakeBrowser) Click(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks++
	return errors.New("element not interactable")
}

func (f *fakeBrowser) JSClick(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks++
	f.closeVisible = false
	return nil
}

func (f *fakeBrowser) PressEscape(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escapes++
	return nil
}

func (f *fakeBrowser) Cookies(context.Context) ([]crawler.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Cookie(nil), f.cookies...), nil
}

func (f *fakeBrowser) SetCookies(_ context.Context, cookies []crawler.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookies...)
	return nil
}

func (f *fakeBrowser) ClearCookies(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.cookies = nil
	return nil
}

func (f *fakeBrowser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
	return nil
}

// fakeClock never blocks; onSleep lets a test change the world between polls.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	sleeps  int
	onSleep func(n int)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps++
	c.slept += d
	c.now = c.now.Add(d)
	n, hook := c.sleeps, c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}
