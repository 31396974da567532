package crawler

import (
	"mime"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// imageExtension picks a file extension from the content type, then the URL path.
func imageExtension(contentType string, rawURL string) string {
	if ct := strings.TrimSpace(strings.Split(contentType, ";")[0]); ct != "" {
		switch ct {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/webp":
			return ".webp"
		case "image/gif":
			return ".gif"
		}
		if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	ext := strings.ToLower(path.Ext(strings.Split(rawURL, "?")[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return ext
	}
	return ".jpg"
}

func safeSegment(s string) string {
	s = invalidFilenameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
