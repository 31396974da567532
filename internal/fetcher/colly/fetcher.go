// Package collyfetcher downloads note images over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
	"github.com/KANgetuL/xiaohongshu/internal/metrics"
)

// ErrPermanent marks failures that a retry cannot fix, such as a 404 or a
// response that is not an image.
var ErrPermanent = errors.New("permanent download failure")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Referer      string
	Timeout      time.Duration
	MaxBodyBytes int
	// ContentTypePrefix rejects responses of another type; empty accepts all.
	ContentTypePrefix string
}

// Pacer spaces out requests per host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Downloader implements crawler.Downloader using the Colly collector.
type Downloader struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	retry         crawler.RetryPolicy
	pacer         Pacer
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Downloader. retry, pacer and logger may be nil.
func New(cfg Config, retry crawler.RetryPolicy, pacer Pacer, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 20 << 20
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = cfg.MaxBodyBytes

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Downloader{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		retry:         retry,
		pacer:         pacer,
		logger:        logger,
	}
}

// Download fetches url, retrying transient failures per the retry policy.
func (d *Downloader) Download(ctx context.Context, url string) (crawler.Download, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx, url); err != nil {
				return crawler.Download{}, fmt.Errorf("download pacing: %w", err)
			}
		}
		dl, err := d.fetchOnce(ctx, url)
		if err == nil {
			metrics.ObserveDownload(url, dl.StatusCode, len(dl.Body))
			return dl, nil
		}
		lastErr = err
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			metrics.ObserveDownload(url, statusErr.Code, 0)
		}
		if errors.Is(err, ErrPermanent) || !d.retry.ShouldRetry(err, attempt) {
			break
		}
		wait := d.retry.Backoff(attempt)
		d.logger.Debug("Retrying download",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := sleep(ctx, wait); err != nil {
			return crawler.Download{}, fmt.Errorf("download backoff: %w", err)
		}
	}
	return crawler.Download{}, fmt.Errorf("download %s: %w", url, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, url string) (crawler.Download, error) {
	var (
		result   crawler.Download
		fetchErr error
	)
	collector := d.buildCollector(time.Now(), &result, &fetchErr)
	if err := d.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.Download{}, err
	}
	if p := d.cfg.ContentTypePrefix; p != "" && !strings.HasPrefix(strings.ToLower(result.ContentType), p) {
		return crawler.Download{}, fmt.Errorf("%w: content type %q", ErrPermanent, result.ContentType)
	}
	return result, nil
}

func (d *Downloader) buildCollector(start time.Time, result *crawler.Download, fetchErr *error) *colly.Collector {
	collector := d.baseCollector.Clone()
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.SetRequestTimeout(d.cfg.Timeout)
	collector.WithTransport(d.transport)
	d.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (d *Downloader) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.Download,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
		if d.cfg.Referer != "" {
			r.Headers.Set("Referer", d.cfg.Referer)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		// colly truncates at MaxBodySize without an error.
		if limit := d.cfg.MaxBodyBytes; limit > 0 && len(r.Body) >= limit {
			*fetchErr = fmt.Errorf("%w: body reached the %d byte limit", ErrPermanent, limit)
			return
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = crawler.Download{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			statusErr := &StatusError{Code: r.StatusCode}
			if r.StatusCode < 500 && r.StatusCode != http.StatusTooManyRequests {
				*fetchErr = fmt.Errorf("%w: %w", ErrPermanent, statusErr)
				return
			}
			*fetchErr = statusErr
			return
		}
		*fetchErr = err
	})
}

func (d *Downloader) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
