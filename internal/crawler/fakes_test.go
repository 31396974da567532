package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockNavigator is a mock implementation of the Navigator interface.
type MockNavigator struct {
	mock.Mock
}

func (m *MockNavigator) Login(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockNavigator) Navigate(ctx context.Context, url string, waitMarker string, maxAttempts int) (Page, error) {
	args := m.Called(ctx, url, waitMarker, maxAttempts)
	return args.Get(0).(Page), args.Error(1)
}

func (m *MockNavigator) Status() string {
	args := m.Called()
	return args.String(0)
}

// stubExtractor serves canned listings keyed by keyword and details keyed by URL.
type stubExtractor struct {
	listings map[string][]Note
	details  map[string]Note
}

func (s *stubExtractor) ExtractListing(_ string, keyword string) []Note {
	out := make([]Note, 0, len(s.listings[keyword]))
	for _, n := range s.listings[keyword] {
		n.SearchKeyword = keyword
		out = append(out, n)
	}
	return out
}

func (s *stubExtractor) ParseDetail(_ string, url string) Note {
	n := s.details[url]
	n.SourceURL = url
	return n
}

func (s *stubExtractor) Validate(note Note) error {
	if len(note.ID) != 24 {
		return &ValidationError{Field: "ID", Reason: "malformed"}
	}
	if note.Title == "" && note.Content == "" {
		return &ValidationError{Field: "Title", Reason: "missing"}
	}
	return nil
}

type relevanceFunc func(note Note, keyword string) bool

func (f relevanceFunc) IsRelevant(note Note, keyword string) bool { return f(note, keyword) }

type fakeSink struct {
	mu       sync.Mutex
	saved    []Note
	failures map[string]error
	reports  []Report
}

func (s *fakeSink) Save(_ context.Context, runID string, note Note) (StoredNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[note.ID]; err != nil {
		return StoredNote{}, err
	}
	s.saved = append(s.saved, note)
	return StoredNote{Note: note, RunID: runID, ImageURIs: []string{"mem://" + note.ID}}, nil
}

func (s *fakeSink) Finish(_ context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeIDGen struct {
	id  string
	err error
}

func (g fakeIDGen) NewID() (string, error) { return g.id, g.err }

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failOn  string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if b.failOn != "" && path == b.failOn {
		return "", errors.New("disk full")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = body
	b.types[path] = contentType
	return "mem://" + path, nil
}

func (b *fakeBlobStore) get(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[path]
	return body, ok
}

type fakeDownloader struct {
	mu    sync.Mutex
	files map[string]Download
	calls []string
}

func (d *fakeDownloader) Download(_ context.Context, url string) (Download, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, url)
	dl, ok := d.files[url]
	if !ok {
		return Download{}, fmt.Errorf("GET %s: 404", url)
	}
	dl.URL = url
	return dl, nil
}

// identityHasher makes duplicate bodies easy to reason about.
type identityHasher struct{}

func (identityHasher) Hash(data []byte) (string, error) { return string(data), nil }

type fakeNoteStore struct {
	mu     sync.Mutex
	stored []StoredNote
	runs   []Report
	err    error
}

func (s *fakeNoteStore) UpsertNote(_ context.Context, stored StoredNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, stored)
	return s.err
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []any
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg-%d", len(p.topics)), nil
}

func (s *fakeNoteStore) RecordRun(_ context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, report)
	return nil
}
