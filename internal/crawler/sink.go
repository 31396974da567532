package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SinkConfig controls how many images a note needs and where events go.
type SinkConfig struct {
	ImagesPerNote int
	MinImages     int
	// AnnotationRunes caps the note text copied into each image annotation.
	AnnotationRunes int
	// Topic enables note.collected events when set and a Publisher is wired.
	Topic string
}

// DefaultSinkConfig keeps six images per note and needs at least three.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{ImagesPerNote: 6, MinImages: 3, AnnotationRunes: 200}
}

// CollectionSink downloads note images and writes notes, annotations and
// run reports through a BlobStore. The NoteStore and Publisher are optional.
type CollectionSink struct {
	cfg        SinkConfig
	blobs      BlobStore
	downloader Downloader
	hasher     Hasher
	notes      NoteStore
	publisher  Publisher
	clock      Clock
	logger     *zap.Logger

	mu          sync.Mutex
	hashes      map[string]string
	annotations []NoteAnnotations
}

// NewCollectionSink wires a sink. notes and publisher may be nil.
func NewCollectionSink(
	cfg SinkConfig,
	blobs BlobStore,
	downloader Downloader,
	hasher Hasher,
	notes NoteStore,
	publisher Publisher,
	clock Clock,
	logger *zap.Logger,
) *CollectionSink {
	def := DefaultSinkConfig()
	if cfg.ImagesPerNote <= 0 {
		cfg.ImagesPerNote = def.ImagesPerNote
	}
	if cfg.MinImages < 0 {
		cfg.MinImages = 0
	}
	if cfg.MinImages > cfg.ImagesPerNote {
		cfg.MinImages = cfg.ImagesPerNote
	}
	if cfg.AnnotationRunes <= 0 {
		cfg.AnnotationRunes = def.AnnotationRunes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionSink{
		cfg:        cfg,
		blobs:      blobs,
		downloader: downloader,
		hasher:     hasher,
		notes:      notes,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
		hashes:     make(map[string]string),
	}
}

// NoteDir is the blob prefix holding everything stored for one note.
func NoteDir(id string) string {
	return path.Join("notes", safeSegment(id))
}

// AnnotationsPath is the run-wide annotations index.
const AnnotationsPath = "annotations.json"

// ReportPath is where the report of a run is written.
func ReportPath(runID string) string {
	return path.Join("reports", safeSegment(runID)+".json")
}

type storedImage struct {
	file string
	uri  string
	hash string
	ref  ImageRef
}

// Save downloads the note's images and persists its metadata. It fails with
// ErrTooFewImages when fewer than MinImages distinct images could be stored.
func (s *CollectionSink) Save(ctx context.Context, runID string, note Note) (StoredNote, error) {
	dir := NoteDir(note.ID)
	images, err := s.storeImages(ctx, dir, note)
	if err != nil {
		return StoredNote{}, err
	}
	if len(images) < s.cfg.MinImages {
		return StoredNote{}, fmt.Errorf("%w: note %s stored %d of %d",
			ErrTooFewImages, note.ID, len(images), s.cfg.MinImages)
	}

	stored := StoredNote{
		Note:        note,
		RunID:       runID,
		CollectedAt: s.clock.Now(),
		ImageURIs:   make([]string, 0, len(images)),
	}
	for _, img := range images {
		stored.ImageURIs = append(stored.ImageURIs, img.uri)
	}

	metaURI, err := s.putJSON(ctx, path.Join(dir, "meta.json"), stored)
	if err != nil {
		return StoredNote{}, err
	}
	stored.MetaURI = metaURI

	ann := s.annotate(note, images)
	if _, err := s.putJSON(ctx, path.Join(dir, "annotations.json"), ann.Images); err != nil {
		return StoredNote{}, err
	}

	s.mu.Lock()
	for _, img := range images {
		s.hashes[img.hash] = note.ID
	}
	s.annotations = append(s.annotations, ann)
	s.mu.Unlock()

	s.index(ctx, stored)
	s.publish(ctx, stored)
	return stored, nil
}

func (s *CollectionSink) storeImages(ctx context.Context, dir string, note Note) ([]storedImage, error) {
	var images []storedImage
	local := make(map[string]bool)
	for _, ref := range note.Images {
		if len(images) >= s.cfg.ImagesPerNote {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("store images: %w", err)
		}
		dl, err := s.downloader.Download(ctx, ref.URL)
		if err != nil {
			s.logger.Warn("Image download failed",
				zap.String("note_id", note.ID),
				zap.String("url", ref.URL),
				zap.Error(err))
			continue
		}
		if len(dl.Body) == 0 {
			continue
		}
		sum, err := s.hasher.Hash(dl.Body)
		if err != nil {
			return nil, fmt.Errorf("hash image: %w", err)
		}
		if local[sum] || s.seen(sum) {
			s.logger.Debug("Skipping duplicate image",
				zap.String("note_id", note.ID),
				zap.String("url", ref.URL))
			continue
		}
		local[sum] = true

		file := fmt.Sprintf("images/image_%02d%s", len(images)+1, imageExtension(dl.ContentType, ref.URL))
		contentType := dl.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		uri, err := s.blobs.PutObject(ctx, path.Join(dir, file), contentType, bytes.NewReader(dl.Body))
		if err != nil {
			return nil, fmt.Errorf("put image: %w", err)
		}
		images = append(images, storedImage{file: file, uri: uri, hash: sum, ref: ref})
	}
	return images, nil
}

func (s *CollectionSink) seen(sum string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[sum]
	return ok
}

func (s *CollectionSink) annotate(note Note, images []storedImage) NoteAnnotations {
	text := truncateRunes(strings.TrimSpace(note.Content), s.cfg.AnnotationRunes)
	ann := NoteAnnotations{
		NoteID:  note.ID,
		Title:   note.Title,
		Keyword: note.SearchKeyword,
		Images:  make([]ImageAnnotation, 0, len(images)),
	}
	for i, img := range images {
		caption := img.ref.Caption
		if caption == "" {
			caption = note.Title
		}
		ann.Images = append(ann.Images, ImageAnnotation{
			Index:   i + 1,
			File:    img.file,
			URI:     img.uri,
			Caption: caption,
			Text:    text,
		})
	}
	return ann
}

func (s *CollectionSink) index(ctx context.Context, stored StoredNote) {
	if s.notes == nil {
		return
	}
	if err := s.notes.UpsertNote(ctx, stored); err != nil {
		s.logger.Warn("Note index upsert failed", zap.String("note_id", stored.Note.ID), zap.Error(err))
	}
}

func (s *CollectionSink) publish(ctx context.Context, stored StoredNote) {
	if s.cfg.Topic == "" || s.publisher == nil {
		return
	}
	payload := map[string]any{
		"event":      "note.collected",
		"run_id":     stored.RunID,
		"note_id":    stored.Note.ID,
		"keyword":    stored.Note.SearchKeyword,
		"meta_uri":   stored.MetaURI,
		"images":     len(stored.ImageURIs),
		"timestamp":  stored.CollectedAt.Format(time.RFC3339),
		"source_url": stored.Note.SourceURL,
	}
	msgID, err := s.publisher.Publish(ctx, s.cfg.Topic, payload)
	if err != nil {
		s.logger.Warn("Publish note event failed", zap.String("note_id", stored.Note.ID), zap.Error(err))
		return
	}
	s.logger.Debug("Note event published", zap.String("note_id", stored.Note.ID), zap.String("message_id", msgID))
}

// Annotations returns a copy of the annotations collected so far.
func (s *CollectionSink) Annotations() []NoteAnnotations {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]NoteAnnotations(nil), s.annotations...)
}

// Finish writes the run-wide annotations index and the crawl report. Both
// are attempted even when the first write fails.
func (s *CollectionSink) Finish(ctx context.Context, report Report) error {
	annotations := s.Annotations()
	if annotations == nil {
		annotations = []NoteAnnotations{}
	}
	_, annErr := s.putJSON(ctx, AnnotationsPath, annotations)
	_, reportErr := s.putJSON(ctx, ReportPath(report.RunID), report)
	if recorder, ok := s.notes.(RunRecorder); ok {
		if err := recorder.RecordRun(ctx, report); err != nil {
			s.logger.Warn("Run index write failed", zap.String("run_id", report.RunID), zap.Error(err))
		}
	}
	return errors.Join(annErr, reportErr)
}

func (s *CollectionSink) putJSON(ctx context.Context, name string, v any) (string, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	uri, err := s.blobs.PutObject(ctx, name, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return uri, nil
}
