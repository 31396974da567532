// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// Note is one extracted content record.
type Note struct {
	ID            string     `json:"id" validate:"noteid"`
	Title         string     `json:"title" validate:"required_without=Content"`
	Content       string     `json:"content"`
	Images        []ImageRef `json:"images"`
	Tags          []string   `json:"tags"`
	Username      string     `json:"username,omitempty"`
	Likes         int        `json:"likes,omitempty"`
	SourceURL     string     `json:"source_url,omitempty"`
	SearchKeyword string     `json:"search_keyword,omitempty"`
}

// ImageRef points at one image of a note. URL is always absolute.
type ImageRef struct {
	URL     string `json:"url"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Backfill copies fields from other into n where n has no value.
func (n Note) Backfill(other Note) Note {
	if n.ID == "" {
		n.ID = other.ID
	}
	if n.Title == "" {
		n.Title = other.Title
	}
	if n.Content == "" {
		n.Content = other.Content
	}
	if len(n.Images) == 0 && len(other.Images) > 0 {
		n.Images = append([]ImageRef(nil), other.Images...)
	}
	if len(n.Tags) == 0 && len(other.Tags) > 0 {
		n.Tags = append([]string(nil), other.Tags...)
	}
	if n.Username == "" {
		n.Username = other.Username
	}
	if n.Likes == 0 {
		n.Likes = other.Likes
	}
	if n.SourceURL == "" {
		n.SourceURL = other.SourceURL
	}
	if n.SearchKeyword == "" {
		n.SearchKeyword = other.SearchKeyword
	}
	return n
}

// Page is the rendered markup captured after a successful navigation.
type Page struct {
	URL       string
	FinalURL  string
	HTML      string
	FetchedAt time.Time
}

// Cookie is one browser cookie in its persisted form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expiry   float64 `json:"expiry,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
	Session  bool    `json:"session,omitempty"`
}

// Download is the body of a fetched image.
type Download struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// StoredNote is what the sink persisted for one accepted note.
type StoredNote struct {
	Note        Note      `json:"note"`
	RunID       string    `json:"run_id"`
	CollectedAt time.Time `json:"collected_at"`
	ImageURIs   []string  `json:"image_uris"`
	MetaURI     string    `json:"meta_uri,omitempty"`
}

// KeywordStats counts outcomes for one search keyword.
type KeywordStats struct {
	Keyword    string         `json:"keyword"`
	Candidates int            `json:"candidates"`
	Collected  int            `json:"collected"`
	Rejected   map[string]int `json:"rejected,omitempty"`
	ListingErr string         `json:"listing_error,omitempty"`
}

// Report summarizes one crawl run. It is written even when the run stops early.
type Report struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	LoggedIn      bool           `json:"logged_in"`
	SessionStatus string         `json:"session_status"`
	Keywords      []KeywordStats `json:"keywords"`
	Collected     []string       `json:"collected"`
	StopReason    string         `json:"stop_reason,omitempty"`
}

// TotalCollected returns the number of notes persisted during the run.
func (r Report) TotalCollected() int {
	return len(r.Collected)
}

// ImageAnnotation labels one stored image for downstream training sets.
type ImageAnnotation struct {
	Index   int    `json:"index"`
	File    string `json:"file"`
	URI     string `json:"uri"`
	Caption string `json:"caption,omitempty"`
	Text    string `json:"text"`
}

// NoteAnnotations groups the image annotations of one note.
type NoteAnnotations struct {
	NoteID  string            `json:"note_id"`
	Title   string            `json:"title"`
	Keyword string            `json:"keyword"`
	Images  []ImageAnnotation `json:"images"`
}
