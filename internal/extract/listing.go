package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

var (
	detailLinkPattern = regexp.MustCompile(`/(explore|discovery/item|search_result)/([0-9a-f]{24})`)
	rawIDPatterns     = []*regexp.Regexp{
		regexp.MustCompile(`/(?:explore|discovery/item|search_result)/([0-9a-f]{24})`),
		regexp.MustCompile(`note_?[iI]d(?:["']|&#34;|&quot;)?\s*[:=]\s*(?:["']|&#34;|&quot;)?([0-9a-f]{24})`),
		regexp.MustCompile(`data-note-?id=["']?([0-9a-f]{24})`),
	}
	rootIDAttributes = []string{"data-note-id", "data-noteid", "data-id"}
)

type idCandidate struct {
	id        string
	sourceURL string
}

type idStrategy struct {
	name string
	find func(e *Extractor, f Fragment) (idCandidate, bool)
}

// idStrategies run in priority order; the first one whose record validates wins.
var idStrategies = []idStrategy{
	{name: "root-attribute", find: (*Extractor).idFromRootAttribute},
	{name: "detail-anchor", find: (*Extractor).idFromAnchor},
	{name: "markup-scan", find: (*Extractor).idFromMarkup},
}

func (e *Extractor) idFromRootAttribute(f Fragment) (idCandidate, bool) {
	for _, attr := range rootIDAttributes {
		if v, ok := f.Selection.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return idCandidate{id: strings.TrimSpace(v)}, true
		}
	}
	return idCandidate{}, false
}

func (e *Extractor) idFromAnchor(f Fragment) (idCandidate, bool) {
	anchors := f.Selection.Find("a[href]")
	if goquery.NodeName(f.Selection) == "a" {
		anchors = f.Selection.AddSelection(anchors)
	}
	var found idCandidate
	anchors.EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := a.AttrOr("href", "")
		m := detailLinkPattern.FindStringSubmatch(href)
		if m == nil {
			return true
		}
		found.id = m[2]
		if m[1] == "search_result" {
			found.sourceURL = e.site.DetailURL(m[2])
		} else {
			found.sourceURL = crawler.AbsoluteURL(e.cfg.BaseURL, href)
		}
		return false
	})
	return found, found.id != ""
}

func (e *Extractor) idFromMarkup(f Fragment) (idCandidate, bool) {
	for _, p := range rawIDPatterns {
		if m := p.FindStringSubmatch(f.HTML); m != nil {
			return idCandidate{id: m[1]}, true
		}
	}
	return idCandidate{}, false
}

// listingFields extracts everything but the id from a fragment.
func (e *Extractor) listingFields(root *goquery.Selection) crawler.Note {
	texts := textNodes(root)
	return crawler.Note{
		Title:    pickTitle(texts, e.cfg.TitleWindow),
		Content:  pickContent(texts, e.cfg.ContentWindow, e.cfg.ContentNodes),
		Images:   e.coverImage(root),
		Tags:     e.tags(root, e.cfg.MaxInlineTags),
		Username: username(root),
		Likes:    likes(root),
	}
}

// ExtractNote turns one candidate fragment into a validated note.
func (e *Extractor) ExtractNote(f Fragment) (crawler.Note, bool) {
	if f.Selection == nil {
		return crawler.Note{}, false
	}
	fields := e.listingFields(f.Selection)
	for _, s := range idStrategies {
		c, ok := s.find(e, f)
		if !ok {
			continue
		}
		note := fields
		note.ID = c.id
		note.SourceURL = c.sourceURL
		if note.SourceURL == "" && IsNoteID(c.id) {
			note.SourceURL = e.site.DetailURL(c.id)
		}
		if err := e.Validate(note); err != nil {
			e.logger.Debug("Candidate rejected",
				zap.String("strategy", s.name),
				zap.String("matcher", f.Matcher),
				zap.Error(err))
			continue
		}
		return note, true
	}
	return crawler.Note{}, false
}

// ExtractListing harvests a search result page and returns its notes, one
// per id, stamped with the search keyword.
func (e *Extractor) ExtractListing(markup string, keyword string) []crawler.Note {
	frags, err := e.HarvestCandidates(markup)
	if err != nil {
		e.logger.Warn("Listing extraction failed", zap.String("keyword", keyword), zap.Error(err))
		return nil
	}
	if len(frags) == 0 {
		e.logger.Info("No listing candidates found",
			zap.String("keyword", keyword),
			zap.Error(crawler.ErrExtraction))
		return nil
	}
	if len(frags) > e.cfg.MaxCandidates {
		frags = frags[:e.cfg.MaxCandidates]
	}

	index := make(map[string]int)
	var notes []crawler.Note
	for _, f := range frags {
		note, ok := e.ExtractNote(f)
		if !ok {
			continue
		}
		note.SearchKeyword = keyword
		if i, dup := index[note.ID]; dup {
			notes[i] = mergeRicher(notes[i], note)
			continue
		}
		index[note.ID] = len(notes)
		notes = append(notes, note)
	}
	e.logger.Debug("Listing extracted",
		zap.String("keyword", keyword),
		zap.Int("fragments", len(frags)),
		zap.Int("notes", len(notes)))
	return notes
}

func richness(n crawler.Note) int {
	return runeLen(n.Title) + runeLen(n.Content) + 50*len(n.Images) + 10*len(n.Tags)
}

func mergeRicher(a, b crawler.Note) crawler.Note {
	if richness(b) > richness(a) {
		return b.Backfill(a)
	}
	return a.Backfill(b)
}
