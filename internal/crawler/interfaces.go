package crawler

import (
	"context"
	"io"
	"time"
)

// Navigator loads pages through the browser session.
type Navigator interface {
	Login(ctx context.Context) bool
	Navigate(ctx context.Context, url string, waitMarker string, maxAttempts int) (Page, error)
	Status() string
}

// Extractor turns page markup into notes.
type Extractor interface {
	ExtractListing(markup string, keyword string) []Note
	ParseDetail(markup string, url string) Note
	Validate(note Note) error
}

// RelevanceFilter decides whether a note belongs to a keyword's theme.
type RelevanceFilter interface {
	IsRelevant(note Note, keyword string) bool
}

// Downloader fetches a plain HTTP resource such as an image.
type Downloader interface {
	Download(ctx context.Context, url string) (Download, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoteStore indexes collected notes.
type NoteStore interface {
	UpsertNote(ctx context.Context, stored StoredNote) error
}

// RunRecorder is implemented by note indexes that also keep crawl reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report Report) error
}

// Publisher pushes collection events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Sink persists accepted notes and run artifacts.
type Sink interface {
	Save(ctx context.Context, runID string, note Note) (StoredNote, error)
	Finish(ctx context.Context, report Report) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when a failed download is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
