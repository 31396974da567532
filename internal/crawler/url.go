package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Site describes the URL shapes of the crawled site.
type Site struct {
	BaseURL      string
	SearchPath   string
	SearchSource string
	DetailPath   string
	CookieDomain string
}

// DefaultSite returns the production xiaohongshu layout.
func DefaultSite() Site {
	return Site{
		BaseURL:      "https://www.xiaohongshu.com",
		SearchPath:   "/search_result",
		SearchSource: "web_explore_feed",
		DetailPath:   "/explore/",
		CookieDomain: ".xiaohongshu.com",
	}
}

// RootURL returns the bare site root with a trailing slash.
func (s Site) RootURL() string {
	return strings.TrimRight(s.BaseURL, "/") + "/"
}

// SearchURL builds the listing URL for a keyword.
func (s Site) SearchURL(keyword string) string {
	q := url.Values{}
	q.Set("keyword", keyword)
	if s.SearchSource != "" {
		q.Set("source", s.SearchSource)
	}
	return strings.TrimRight(s.BaseURL, "/") + s.SearchPath + "?" + q.Encode()
}

// DetailURL builds the detail page URL for a note id.
func (s Site) DetailURL(id string) string {
	return strings.TrimRight(s.BaseURL, "/") + s.DetailPath + id
}

// IsRoot reports whether raw points at the bare site root, ignoring the query.
func (s Site) IsRoot(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Hostname(), base.Hostname()) {
		return false
	}
	p := strings.TrimRight(u.Path, "/")
	return p == "" || p == "/explore"
}

// AbsoluteURL resolves protocol-relative and root-relative references against base.
// It returns "" for references that do not end up as http(s).
func AbsoluteURL(base string, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "javascript:") {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return ""
		}
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(ref).String()
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// LastPathSegment returns the final non-empty path segment of raw.
func LastPathSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}
