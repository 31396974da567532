package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// payloadMarkers identify inline script payloads that embed note state.
var payloadMarkers = []string{"window.__INITIAL_STATE__", `"noteDetailMap"`, `"note"`}

// fieldSynonyms maps an output field to the payload keys that may carry it,
// in preference order.
var fieldSynonyms = struct {
	ID, Title, Content, Username, Likes []string
}{
	ID:       []string{"id", "noteId", "note_id"},
	Title:    []string{"title", "noteTitle", "displayTitle"},
	Content:  []string{"desc", "content", "description", "noteDesc"},
	Username: []string{"nickname", "nickName", "userNickname", "username"},
	Likes:    []string{"likedCount", "likes", "likeCount", "favCount"},
}

var imageURLKeys = []string{"urlDefault", "url"}

// findObjectLiteral returns the balanced {...} that follows marker, allowing
// only whitespace, ':' or '=' between the marker and the opening brace.
func findObjectLiteral(script string, marker string) (string, bool) {
	from := 0
	for {
		idx := strings.Index(script[from:], marker)
		if idx < 0 {
			return "", false
		}
		start := from + idx + len(marker)
		i := start
		for i < len(script) && strings.ContainsRune(" \t\r\n:=", rune(script[i])) {
			i++
		}
		if i < len(script) && script[i] == '{' {
			if end, ok := matchBrace(script, i); ok {
				return script[i : end+1], true
			}
			return "", false
		}
		from = start
	}
}

// matchBrace finds the closing brace for the one at open, skipping string literals.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// replaceUndefined rewrites bare undefined tokens outside of strings to null.
func replaceUndefined(s string) string {
	const token = "undefined"
	if !strings.Contains(s, token) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			b.WriteByte(c)
			continue
		}
		if strings.HasPrefix(s[i:], token) && !isIdentByte(prevByte(s, i)) && !isIdentByte(byteAt(s, i+len(token))) {
			b.WriteString("null")
			i += len(token) - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func prevByte(s string, i int) byte {
	if i == 0 {
		return 0
	}
	return s[i-1]
}

func byteAt(s string, i int) byte {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// decodePayload parses an object literal as JSON, falling back to JSON5 for
// single quotes, unquoted keys and trailing commas.
func decodePayload(literal string) (map[string]any, error) {
	literal = replaceUndefined(literal)
	var out map[string]any
	jsonErr := json.Unmarshal([]byte(literal), &out)
	if jsonErr == nil {
		return out, nil
	}
	out = nil
	if err := json5.Unmarshal([]byte(literal), &out); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v (json5: %v)", crawler.ErrExtraction, jsonErr, err)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scalarString renders strings and numbers; everything else is empty.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func numberOf(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, _ := ParseCount(t)
		return n
	default:
		return 0
	}
}

// payloadVisitor walks a decoded payload with a bounded depth.
type payloadVisitor struct {
	maxDepth int
}

// noteRoot returns the first object, keys visited in sorted order, that holds
// an id synonym with a well-formed note id.
func (p payloadVisitor) noteRoot(v any, depth int) (map[string]any, bool) {
	if depth > p.maxDepth {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range fieldSynonyms.ID {
			if IsNoteID(scalarString(t[k])) {
				return t, true
			}
		}
		for _, k := range sortedKeys(t) {
			if m, ok := p.noteRoot(t[k], depth+1); ok {
				return m, true
			}
		}
	case []any:
		for _, item := range t {
			if m, ok := p.noteRoot(item, depth+1); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// lookup checks an object's own keys in synonym order before descending.
func (p payloadVisitor) lookup(v any, keys []string, depth int) (any, bool) {
	if depth > p.maxDepth {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range keys {
			if val, ok := t[k]; ok && scalarString(val) != "" {
				return val, true
			}
		}
		for _, k := range sortedKeys(t) {
			if val, ok := p.lookup(t[k], keys, depth+1); ok {
				return val, true
			}
		}
	case []any:
		for _, item := range t {
			if val, ok := p.lookup(item, keys, depth+1); ok {
				return val, true
			}
		}
	}
	return nil, false
}

func isVideoURL(u string) bool {
	lower := strings.ToLower(strings.Split(u, "?")[0])
	return strings.HasSuffix(lower, ".mp4") || strings.HasSuffix(lower, ".m3u8") || strings.HasSuffix(lower, ".mov")
}

// images collects objects carrying an absolute url key; such objects are not
// descended further.
func (p payloadVisitor) images(v any, depth int, base string, out *[]crawler.ImageRef) {
	if depth > p.maxDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range imageURLKeys {
			raw, ok := t[k].(string)
			if !ok || !(strings.HasPrefix(raw, "http") || strings.HasPrefix(raw, "//")) {
				continue
			}
			abs := crawler.AbsoluteURL(base, raw)
			if abs == "" || isVideoURL(abs) {
				continue
			}
			caption := scalarString(t["desc"])
			if caption == "" {
				caption = scalarString(t["title"])
			}
			*out = append(*out, crawler.ImageRef{
				URL:     abs,
				Width:   numberOf(t["width"]),
				Height:  numberOf(t["height"]),
				Caption: caption,
			})
			return
		}
		for _, k := range sortedKeys(t) {
			p.images(t[k], depth+1, base, out)
		}
	case []any:
		for _, item := range t {
			p.images(item, depth+1, base, out)
		}
	}
}

func isTagKey(k string) bool {
	lower := strings.ToLower(k)
	return strings.Contains(lower, "tag") || strings.Contains(lower, "topic")
}

// tags collects '#'-prefixed strings anywhere and name keys of objects reached
// through a tag-like key.
func (p payloadVisitor) tags(v any, depth int, inTag bool, out *[]string) {
	if depth > p.maxDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		if inTag {
			if name := scalarString(t["name"]); name != "" {
				*out = append(*out, name)
			}
		}
		for _, k := range sortedKeys(t) {
			p.tags(t[k], depth+1, inTag || isTagKey(k), out)
		}
	case []any:
		for _, item := range t {
			p.tags(item, depth+1, inTag, out)
		}
	case string:
		if s := strings.TrimSpace(t); strings.HasPrefix(s, "#") && !strings.ContainsAny(s, " \n\t") {
			*out = append(*out, s)
		}
	}
}

// structuredNote runs the structured pass over every inline script.
func (e *Extractor) structuredNote(scripts []string) (crawler.Note, bool) {
	for _, script := range scripts {
		for _, marker := range payloadMarkers {
			literal, ok := findObjectLiteral(script, marker)
			if !ok {
				continue
			}
			payload, err := decodePayload(literal)
			if err != nil {
				e.logger.Debug("Structured payload skipped", zap.String("marker", marker), zap.Error(err))
				continue
			}
			note := e.noteFromPayload(payload)
			if note.ID == "" && note.Title == "" && note.Content == "" {
				continue
			}
			return note, true
		}
	}
	return crawler.Note{}, false
}

func (e *Extractor) noteFromPayload(payload map[string]any) crawler.Note {
	p := payloadVisitor{maxDepth: e.cfg.MaxPayloadDepth}
	var root any = payload
	if m, ok := p.noteRoot(payload, 0); ok {
		root = m
	}
	str := func(keys []string) string {
		v, ok := p.lookup(root, keys, 0)
		if !ok {
			return ""
		}
		return scalarString(v)
	}
	var note crawler.Note
	if id := str(fieldSynonyms.ID); IsNoteID(id) {
		note.ID = id
	}
	note.Title = str(fieldSynonyms.Title)
	note.Content = str(fieldSynonyms.Content)
	note.Username = str(fieldSynonyms.Username)
	if v, ok := p.lookup(root, fieldSynonyms.Likes, 0); ok {
		note.Likes = numberOf(v)
	}
	var images []crawler.ImageRef
	p.images(root, 0, e.cfg.BaseURL, &images)
	note.Images = dedupeImages(images, e.cfg.MaxImages)
	var tags []string
	p.tags(root, 0, false, &tags)
	note.Tags = dedupeTags(tags, e.cfg.MaxDetailTags)
	return note
}
