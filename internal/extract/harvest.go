package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// Fragment is a markup sub-tree that may hold one note.
type Fragment struct {
	Matcher   string
	Selection *goquery.Selection
	HTML      string
}

// Matcher finds candidate sub-trees in a listing document.
type Matcher struct {
	Name  string
	Match func(doc *goquery.Document) []*goquery.Selection
}

func selectorMatcher(name string, selectors ...string) Matcher {
	return Matcher{
		Name: name,
		Match: func(doc *goquery.Document) []*goquery.Selection {
			var out []*goquery.Selection
			for _, sel := range selectors {
				doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
					out = append(out, s)
				})
			}
			return out
		},
	}
}

// DefaultMatchers returns the listing matchers in priority order. No matcher is
// authoritative; later ones catch what earlier ones miss.
func DefaultMatchers() []Matcher {
	return []Matcher{
		selectorMatcher("id-attribute", "[data-note-id]", "[data-noteid]", "[data-id]"),
		selectorMatcher("detail-link",
			`a[href*="/explore/"]`,
			`a[href*="/discovery/item/"]`,
			`a[href*="/search_result/"]`,
		),
		selectorMatcher("card-class",
			"section.note-item",
			"div.note-item",
			`[class*="note-item"]`,
			`[class*="feeds-page"] section`,
			`div[class*="card"]`,
			`div[class*="note"]`,
		),
		selectorMatcher("semantic", "article", "section"),
	}
}

// HarvestCandidates runs every matcher over the markup, unions the matches,
// drops duplicates by normalized markup and discards fragments smaller than
// the configured size threshold.
func (e *Extractor) HarvestCandidates(markup string) ([]Fragment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("%w: parse listing markup: %w", crawler.ErrExtraction, err)
	}
	return e.harvest(doc), nil
}

func (e *Extractor) harvest(doc *goquery.Document) []Fragment {
	seen := make(map[string]struct{})
	var out []Fragment
	for _, m := range e.matchers {
		for _, sel := range m.Match(doc) {
			raw, err := goquery.OuterHtml(sel)
			if err != nil || len(raw) < e.cfg.MinFragmentBytes {
				continue
			}
			key := collapseSpace(raw)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Fragment{Matcher: m.Name, Selection: sel, HTML: raw})
		}
	}
	return out
}
