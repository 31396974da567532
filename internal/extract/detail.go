package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

var (
	detailTitleSelectors   = []string{"#detail-title", ".note-content .title", "h1", ".title", `[class*="title"]`, "h2"}
	detailContentSelectors = []string{"#detail-desc", ".desc", ".note-content .content", ".content", `[class*="desc"]`}
	detailUserSelectors    = []string{".author-wrapper .username", ".username", ".author-wrapper .name", ".user-name", ".nickname", `[class*="author"] [class*="name"]`}
	canonicalSelectors     = []struct{ sel, attr string }{
		{`link[rel="canonical"]`, "href"},
		{`meta[property="og:url"]`, "content"},
	}
)

const maxDetailTitleRunes = 100

// ParseDetail merges a structured pass over inline script payloads with a DOM
// heuristic pass. Structured values win; heuristic values fill the gaps.
func (e *Extractor) ParseDetail(markup string, pageURL string) crawler.Note {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		e.logger.Warn("Detail markup unreadable", zap.String("url", pageURL), zap.Error(err))
		return e.cleanup(crawler.Note{ID: crawler.LastPathSegment(pageURL)}, pageURL)
	}

	structured, ok := e.structuredNote(inlineScripts(doc))
	if !ok {
		e.logger.Debug("No structured payload on detail page",
			zap.String("url", pageURL),
			zap.Error(crawler.ErrExtraction))
	}
	heuristic := e.heuristicDetail(doc)

	merged := structured.Backfill(heuristic)
	if !IsNoteID(merged.ID) {
		merged.ID = ""
		if IsNoteID(heuristic.ID) {
			merged.ID = heuristic.ID
		}
	}
	if merged.ID == "" {
		merged.ID = crawler.LastPathSegment(pageURL)
	}
	return e.cleanup(merged, pageURL)
}

func inlineScripts(doc *goquery.Document) []string {
	var out []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		if body := s.Text(); strings.TrimSpace(body) != "" {
			out = append(out, body)
		}
	})
	return out
}

func firstText(doc *goquery.Document, selectors []string, accept func(string) bool) string {
	for _, sel := range selectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			t := collapseSpace(s.Text())
			if t != "" && accept(t) {
				found = t
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func (e *Extractor) heuristicDetail(doc *goquery.Document) crawler.Note {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	texts := textNodes(body)

	title := firstText(doc, detailTitleSelectors, func(string) bool { return true })
	title = truncateRunes(title, maxDetailTitleRunes)
	if title == "" {
		title = pickTitle(texts, e.cfg.TitleWindow)
	}
	content := firstText(doc, detailContentSelectors, func(t string) bool {
		return runeLen(t) >= e.cfg.MinDetailContent
	})
	if content == "" {
		content = pickContent(texts, e.cfg.ContentWindow, e.cfg.ContentNodes)
	}
	user := firstText(doc, detailUserSelectors, func(t string) bool {
		n := runeLen(t)
		return n >= 2 && n <= 20
	})
	if user == "" {
		user = username(body)
	}

	return crawler.Note{
		ID:       e.detailID(doc),
		Title:    title,
		Content:  content,
		Images:   e.pageImages(body),
		Tags:     e.tags(body, e.cfg.MaxDetailTags),
		Username: user,
		Likes:    likes(body),
	}
}

func (e *Extractor) detailID(doc *goquery.Document) string {
	for _, c := range canonicalSelectors {
		raw, ok := doc.Find(c.sel).First().Attr(c.attr)
		if !ok {
			continue
		}
		if m := detailLinkPattern.FindStringSubmatch(raw); m != nil {
			return m[2]
		}
	}
	if v, ok := doc.Find("[data-note-id]").First().Attr("data-note-id"); ok && IsNoteID(strings.TrimSpace(v)) {
		return strings.TrimSpace(v)
	}
	return ""
}

// cleanup normalizes a merged note: whitespace, tags, image URLs and source URL.
func (e *Extractor) cleanup(n crawler.Note, pageURL string) crawler.Note {
	n.ID = strings.TrimSpace(n.ID)
	n.Title = collapseSpace(n.Title)
	n.Content = collapseSpace(n.Content)
	n.Username = collapseSpace(n.Username)
	n.Tags = dedupeTags(n.Tags, e.cfg.MaxTags)
	if n.Tags == nil {
		n.Tags = []string{}
	}
	images := make([]crawler.ImageRef, 0, len(n.Images))
	for _, img := range n.Images {
		img.URL = crawler.AbsoluteURL(e.cfg.BaseURL, img.URL)
		img.Caption = collapseSpace(img.Caption)
		images = append(images, img)
	}
	n.Images = dedupeImages(images, e.cfg.MaxImages)
	n.SourceURL = pageURL
	return n
}

func truncateRunes(s string, n int) string {
	if runeLen(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
