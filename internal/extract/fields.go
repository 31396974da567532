package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	inlineTagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)(?:\[话题\])?`)
)

var textBearingTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true,
	"p": true, "a": true, "span": true, "div": true,
}

var fullTextTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "p": true,
}

func collapseSpace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func ownText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
			b.WriteByte(' ')
		}
	})
	return b.String()
}

// nodeText is the text an element contributes: headers and paragraphs give
// their whole text, containers only their direct text.
func nodeText(s *goquery.Selection) string {
	if fullTextTags[goquery.NodeName(s)] || s.Children().Length() == 0 {
		return collapseSpace(s.Text())
	}
	return collapseSpace(ownText(s))
}

// textNodes lists distinct texts of text-bearing descendants in document order.
func textNodes(root *goquery.Selection) []string {
	seen := make(map[string]struct{})
	var out []string
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		if !textBearingTags[goquery.NodeName(s)] {
			return
		}
		t := nodeText(s)
		if t == "" {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	})
	return out
}

func pickTitle(texts []string, w Window) string {
	best, bestLen := "", -1
	for _, t := range texts {
		n := runeLen(t)
		if w.Contains(n) && n > bestLen {
			best, bestLen = t, n
		}
	}
	return best
}

func pickContent(texts []string, w Window, limit int) string {
	parts := make([]string, 0, limit)
	for _, t := range texts {
		if len(parts) == limit {
			break
		}
		if w.Contains(runeLen(t)) {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func hasNoise(u string, tokens []string) bool {
	lower := strings.ToLower(u)
	for _, tok := range tokens {
		if tok != "" && strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

var imageSourceAttrs = []string{"src", "data-src", "data-original", "data-lazy-src"}

func (e *Extractor) imageFrom(s *goquery.Selection, noise []string) (crawler.ImageRef, bool) {
	for _, attr := range imageSourceAttrs {
		raw, ok := s.Attr(attr)
		if !ok {
			continue
		}
		abs := crawler.AbsoluteURL(e.cfg.BaseURL, raw)
		if abs == "" || hasNoise(abs, noise) {
			continue
		}
		return crawler.ImageRef{
			URL:     abs,
			Width:   intAttr(s, "width"),
			Height:  intAttr(s, "height"),
			Caption: collapseSpace(s.AttrOr("alt", "")),
		}, true
	}
	return crawler.ImageRef{}, false
}

func intAttr(s *goquery.Selection, name string) int {
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s.AttrOr(name, "")), "px"))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (e *Extractor) coverImage(root *goquery.Selection) []crawler.ImageRef {
	var out []crawler.ImageRef
	root.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if ref, ok := e.imageFrom(s, e.cfg.NoiseTokens); ok {
			out = append(out, ref)
			return false
		}
		return true
	})
	return out
}

func (e *Extractor) pageImages(root *goquery.Selection) []crawler.ImageRef {
	var out []crawler.ImageRef
	root.Find("img").Each(func(_ int, s *goquery.Selection) {
		if ref, ok := e.imageFrom(s, e.cfg.DetailNoise); ok {
			out = append(out, ref)
		}
	})
	return dedupeImages(out, e.cfg.MaxImages)
}

func dedupeImages(images []crawler.ImageRef, limit int) []crawler.ImageRef {
	seen := make(map[string]struct{}, len(images))
	out := make([]crawler.ImageRef, 0, len(images))
	for _, img := range images {
		if img.URL == "" {
			continue
		}
		if _, dup := seen[img.URL]; dup {
			continue
		}
		seen[img.URL] = struct{}{}
		out = append(out, img)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func cleanTag(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, "#")
	t = strings.TrimSuffix(t, "[话题]")
	t = strings.TrimSpace(strings.Trim(t, "#"))
	if n := runeLen(t); n == 0 || n > 30 {
		return ""
	}
	return t
}

func dedupeTags(tags []string, limit int) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		t := cleanTag(raw)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func inlineTags(text string, limit int) []string {
	var out []string
	for _, m := range inlineTagPattern.FindAllStringSubmatch(text, -1) {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m[1])
	}
	return out
}

func isHashtagElement(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "a", "span":
		return true
	}
	cls := strings.ToLower(s.AttrOr("class", ""))
	return strings.Contains(cls, "tag") || strings.Contains(cls, "topic") || strings.Contains(cls, "label")
}

// tags unions hashtag-styled elements with inline "#token" matches.
func (e *Extractor) tags(root *goquery.Selection, inlineLimit int) []string {
	var raw []string
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		if !isHashtagElement(s) {
			return
		}
		if t := collapseSpace(s.Text()); strings.HasPrefix(t, "#") {
			raw = append(raw, strings.Fields(t)[0])
		}
	})
	raw = append(raw, inlineTags(visibleText(root), inlineLimit)...)
	return dedupeTags(raw, e.cfg.MaxTags)
}

// visibleText is the collapsed text of root without script, style and
// template contents.
func visibleText(root *goquery.Selection) string {
	visible := root.Clone()
	visible.Find("script, style, noscript, template").Remove()
	return collapseSpace(visible.Text())
}

func classContainsAny(s *goquery.Selection, needles ...string) bool {
	cls := strings.ToLower(s.AttrOr("class", ""))
	if cls == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(cls, n) {
			return true
		}
	}
	return false
}

func username(root *goquery.Selection) string {
	var name string
	root.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 || !classContainsAny(s, "author", "user", "name", "nickname") {
			return true
		}
		t := collapseSpace(s.Text())
		if n := runeLen(t); n >= 2 && n <= 20 {
			name = t
			return false
		}
		return true
	})
	return name
}

func likes(root *goquery.Selection) int {
	var count int
	root.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 || !classContainsAny(s, "like", "count") {
			return true
		}
		if n, ok := ParseCount(collapseSpace(s.Text())); ok {
			count = n
			return false
		}
		return true
	})
	return count
}

// ParseCount parses engagement counters such as "45", "1.2万", "3.4w" or "2k".
func ParseCount(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "+")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "亿"):
		mult, s = 1e8, strings.TrimSuffix(s, "亿")
	case strings.HasSuffix(s, "万"):
		mult, s = 1e4, strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "w"), strings.HasSuffix(s, "W"):
		mult, s = 1e4, s[:len(s)-1]
	case strings.HasSuffix(s, "千"):
		mult, s = 1e3, strings.TrimSuffix(s, "千")
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult, s = 1e3, s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return int(f*mult + 0.5), true
}
