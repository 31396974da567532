package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KANgetuL/xiaohongshu/internal/clock/system"
	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

const testDetail = "https://www.xiaohongshu.com/explore/65a1b2c3d4e5f6a7b8c9d0e1"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoginPollInterval = time.Second
	cfg.LoginPollTimeout = 3 * time.Second
	return cfg
}

func newTestController(t *testing.T, b *fakeBrowser, store *CookieStore, clock *fakeClock) (*Controller, *countingPacer) {
	t.Helper()
	pacer := &countingPacer{}
	c := New(testConfig(), b, store,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(clock),
		WithPacer(pacer),
	)
	require.Equal(t, StatusUninitialized, c.State().Status)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StatusActive, c.State().Status)
	return c, pacer
}

func TestNavigateCleanPage(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, url string, _ int) view {
		return view{url: url + "?xsec_source=pc_search", html: "<html>ok</html>", avatar: true}
	})
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	c, pacer := newTestController(t, b, nil, clock)

	page, err := c.Navigate(context.Background(), testDetail, ".note-container", 3)
	require.NoError(t, err)
	require.Equal(t, testDetail, page.URL)
	require.Equal(t, testDetail+"?xsec_source=pc_search", page.FinalURL)
	require.Equal(t, "<html>ok</html>", page.HTML)
	require.Equal(t, clock.Now(), page.FetchedAt)

	st := c.State()
	require.Equal(t, StatusActive, st.Status)
	require.Equal(t, ReasonLoggedIn, st.LastVerdict.Reason)
	require.Equal(t, 1, pacer.waits)
	require.Equal(t, 1, b.escapes, "no close button means Escape")
	require.Equal(t, 0, b.reloads)
}

func TestNavigateDismissesOverlay(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view {
		return view{avatar: true, html: "<html></html>"}
	})
	b.closeVisible = true
	c, _ := newTestController(t, b, nil, &fakeClock{})

	_, err := c.Navigate(context.Background(), testDetail, "", 1)
	require.NoError(t, err)
	require.Equal(t, 2, b.clicks, "native click fails, script click follows")
	require.Equal(t, 0, b.escapes)
}

func TestNavigateRecoversByReload(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, url string, loads int) view {
		if url == testDetail && loads == 1 {
			return view{text: "请求太频繁，请稍后再试", avatar: true}
		}
		return view{avatar: true, html: "<html>note</html>"}
	})
	c, _ := newTestController(t, b, nil, &fakeClock{})

	page, err := c.Navigate(context.Background(), testDetail, ".note-container", 3)
	require.NoError(t, err)
	require.Equal(t, "<html>note</html>", page.HTML)
	require.Equal(t, 1, b.reloads)
	require.Equal(t, 0, b.cleared, "reload cleared the block, no login needed")

	st := c.State()
	require.Equal(t, 1, st.RedirectRetries)
	require.Equal(t, StatusActive, st.Status)
}

func TestNavigateExhaustedByWall(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, url string, _ int) view {
		if url == testRoot {
			return view{text: "登录后查看更多内容"}
		}
		return view{text: "当前笔记暂时无法浏览", avatar: true}
	})
	clock := &fakeClock{}
	c, pacer := newTestController(t, b, nil, clock)

	_, err := c.Navigate(context.Background(), testDetail, ".note-container", 2)
	require.ErrorIs(t, err, crawler.ErrAntiAutomation)
	require.NotErrorIs(t, err, crawler.ErrSessionTerminated)

	st := c.State()
	require.Equal(t, StatusWallBlocked, st.Status)
	require.Equal(t, 2, st.RedirectRetries)
	require.Equal(t, 2, pacer.waits)
	require.False(t, st.LoggedIn)
}

func TestNavigateLoadErrors(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view { return view{avatar: true} })
	b.navErr[testDetail] = errors.New("net::ERR_CONNECTION_RESET")
	clock := &fakeClock{}
	c, _ := newTestController(t, b, nil, clock)

	_, err := c.Navigate(context.Background(), testDetail, ".note-container", 3)
	require.ErrorIs(t, err, crawler.ErrNavigation)
	require.Len(t, b.navigations, 3)
	require.Equal(t, 2*testConfig().RetryDelay, clock.slept, "retry delay between attempts only")
}

func TestNavigateWaitTimeoutIsNotFatal(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view {
		return view{avatar: true, waitFails: true, html: "<html>slow</html>"}
	})
	c, _ := newTestController(t, b, nil, &fakeClock{})

	page, err := c.Navigate(context.Background(), testDetail, ".never-there", 1)
	require.NoError(t, err)
	require.Equal(t, "<html>slow</html>", page.HTML)
}

func TestNavigateTerminatedBrowser(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view { return view{avatar: true} })
	b.dead = true
	c, _ := newTestController(t, b, nil, &fakeClock{})

	_, err := c.Navigate(context.Background(), testDetail, "", 3)
	require.ErrorIs(t, err, crawler.ErrSessionTerminated)
	require.Equal(t, StatusTerminated, c.State().Status)
	require.Equal(t, "TERMINATED", c.Status())

	_, err = c.Navigate(context.Background(), testDetail, "", 3)
	require.ErrorIs(t, err, crawler.ErrSessionTerminated)
}

func TestNavigateCanceledContext(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view { return view{avatar: true} })
	c, _ := newTestController(t, b, nil, &fakeClock{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Navigate(ctx, testDetail, "", 3)
	require.ErrorIs(t, err, crawler.ErrSessionTerminated)
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsBlockedMarksRedirect(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view {
		return view{url: testRoot, avatar: true}
	})
	c, _ := newTestController(t, b, nil, &fakeClock{})
	require.NoError(t, b.Navigate(context.Background(), testDetail))

	v, err := c.IsBlocked(context.Background(), testDetail)
	require.NoError(t, err)
	require.Equal(t, Verdict{Blocked: true, Reason: ReasonRedirected}, v)
	require.Equal(t, StatusRedirected, c.State().Status)
}

func validCookies() []crawler.Cookie {
	return []crawler.Cookie{{Name: "web_session", Value: "valid", Domain: "example.com", Path: "/"}}
}

func loggedInRender(f *fakeBrowser, _ string, _ int) view {
	if f.loggedIn() {
		return view{avatar: true, html: "<html>in</html>"}
	}
	return view{loginDialog: true, text: "登录小红书"}
}

func TestLoginFromStoredCookies(t *testing.T) {
	t.Parallel()

	store := NewCookieStore(filepath.Join(t.TempDir(), "cookies.json"), ".xiaohongshu.com")
	require.NoError(t, store.Save(validCookies()))

	b := newFakeBrowser(loggedInRender)
	c, _ := newTestController(t, b, store, &fakeClock{})

	require.True(t, c.Login(context.Background()))
	st := c.State()
	require.True(t, st.LoggedIn)
	require.Equal(t, 1, st.CookieCount)
	require.Equal(t, StatusActive, st.Status)
	require.Equal(t, ".xiaohongshu.com", b.cookies[0].Domain, "domain normalized on load")
	require.Equal(t, []string{testRoot}, b.navigations)
}

func TestLoginInteractive(t *testing.T) {
	t.Parallel()

	store := NewCookieStore(filepath.Join(t.TempDir(), "cookies.json"), ".xiaohongshu.com")
	b := newFakeBrowser(loggedInRender)
	clock := &fakeClock{}
	clock.onSleep = func(n int) {
		if n == 2 {
			b.mu.Lock()
			b.cookies = validCookies()
			b.mu.Unlock()
		}
	}
	c, _ := newTestController(t, b, store, clock)

	require.True(t, c.Login(context.Background()))
	require.True(t, store.Exists())
	saved, err := store.Load()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, 1, c.State().CookieCount)
}

func TestLoginTimesOut(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(loggedInRender)
	clock := &fakeClock{}
	c, _ := newTestController(t, b, nil, clock)

	require.False(t, c.Login(context.Background()))
	require.Equal(t, 3, clock.sleeps, "poll count is timeout / interval")
	require.False(t, c.State().LoggedIn)
}

func TestRecoverThroughLogin(t *testing.T) {
	t.Parallel()

	store := NewCookieStore(filepath.Join(t.TempDir(), "cookies.json"), ".xiaohongshu.com")
	require.NoError(t, store.Save(validCookies()))

	b := newFakeBrowser(loggedInRender)
	c, _ := newTestController(t, b, store, &fakeClock{})
	require.NoError(t, b.Navigate(context.Background(), testDetail))

	require.True(t, c.Recover(context.Background(), testDetail))
	require.Equal(t, 1, b.cleared)
	require.Equal(t, testDetail, b.navigations[len(b.navigations)-1])

	saved, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "valid", saved[0].Value, "an empty jar must not overwrite stored cookies")
}

func TestCloseTerminates(t *testing.T) {
	t.Parallel()

	b := newFakeBrowser(func(_ *fakeBrowser, _ string, _ int) view { return view{avatar: true} })
	c, _ := newTestController(t, b, nil, &fakeClock{})
	require.NoError(t, c.Close())
	require.Equal(t, StatusTerminated, c.State().Status)
	require.True(t, b.dead)
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StatusTerminated, c.State().Status, "a closed session stays closed")
}

func TestStartWithoutBrowser(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil, nil)
	require.ErrorIs(t, c.Start(context.Background()), crawler.ErrBrowserStart)
}

func TestNewDefaultsToSystemClock(t *testing.T) {
	t.Parallel()

	c := New(testConfig(), &fakeBrowser{}, nil)
	require.IsType(t, &system.Clock{}, c.clock)

	fake := &fakeClock{}
	require.Same(t, fake, New(testConfig(), &fakeBrowser{}, nil, WithClock(fake)).clock)
}
