package extract

import (
	"strings"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// DefaultSynonyms relates each search keyword to the terms that mark a note
// as on-theme.
func DefaultSynonyms() map[string][]string {
	return map[string][]string{
		"外卖翻车": {"外卖", "翻车", "送餐", "骑手", "饿了么", "美团", "点餐"},
		"点餐翻车": {"点餐", "翻车", "外卖", "下单", "吃啥", "踩雷"},
		"外卖漫画": {"外卖", "漫画", "条漫", "四格", "送餐", "美团", "饿了么"},
		"点餐漫画": {"点餐", "漫画", "条漫", "四格", "吃啥"},
	}
}

// Relevance filters notes by keyword synonyms. Keywords missing from the
// table only match themselves.
type Relevance struct {
	table map[string][]string
}

// NewRelevance copies the table, lowercasing every term. A nil table uses DefaultSynonyms.
func NewRelevance(table map[string][]string) *Relevance {
	if table == nil {
		table = DefaultSynonyms()
	}
	r := &Relevance{table: make(map[string][]string, len(table))}
	for kw, terms := range table {
		key := strings.ToLower(strings.TrimSpace(kw))
		for _, t := range terms {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				r.table[key] = append(r.table[key], t)
			}
		}
	}
	return r
}

// Terms returns the lowercase terms a keyword expands to.
func (r *Relevance) Terms(keyword string) []string {
	key := strings.ToLower(strings.TrimSpace(keyword))
	if terms, ok := r.table[key]; ok && len(terms) > 0 {
		return terms
	}
	if key == "" {
		return nil
	}
	return []string{key}
}

// IsRelevant reports whether any term of keyword occurs in the title, the
// content or a tag. An empty keyword accepts everything.
func (r *Relevance) IsRelevant(note crawler.Note, keyword string) bool {
	terms := r.Terms(keyword)
	if len(terms) == 0 {
		return true
	}
	fields := make([]string, 0, 2+len(note.Tags))
	fields = append(fields, strings.ToLower(note.Title), strings.ToLower(note.Content))
	for _, tag := range note.Tags {
		fields = append(fields, strings.ToLower(tag))
	}
	for _, term := range terms {
		for _, f := range fields {
			if strings.Contains(f, term) {
				return true
			}
		}
	}
	return false
}
