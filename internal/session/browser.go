package session

import (
	"context"
	"time"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// Browser is the slice of browser automation the controller needs. Methods
// return an error wrapping crawler.ErrSessionTerminated once the browser is gone.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Reload(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	// FirstVisible returns the first selector with a rendered, visible match.
	FirstVisible(ctx context.Context, selectors []string) (string, bool, error)
	Click(ctx context.Context, selector string) error
	JSClick(ctx context.Context, selector string) error
	PressEscape(ctx context.Context) error
	Cookies(ctx context.Context) ([]crawler.Cookie, error)
	SetCookies(ctx context.Context, cookies []crawler.Cookie) error
	ClearCookies(ctx context.Context) error
	Close() error
}
