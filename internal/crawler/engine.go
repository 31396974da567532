package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/metrics"
)

// Candidate outcomes recorded in the report and the notes metric.
const (
	OutcomeCollected     = "collected"
	OutcomeDuplicate     = "duplicate"
	OutcomeNavigation    = "navigation"
	OutcomeBlocked       = "blocked"
	OutcomeInvalid       = "invalid"
	OutcomeIrrelevant    = "irrelevant"
	OutcomeTooFewImages  = "too_few_images"
	OutcomeShortContent  = "short_content"
	OutcomeImageDownload = "image_download"
	OutcomePersist       = "persist"
)

// EngineConfig bounds one crawl run.
type EngineConfig struct {
	Keywords []string
	// MaxNotes stops the run once this many notes are stored; 0 means no limit.
	MaxNotes int
	// MaxNotesPerKeyword caps stored notes per keyword; 0 means no limit.
	MaxNotesPerKeyword int
	MaxAttempts        int
	MinImages          int
	MinContentLength   int
	ListingMarker      string
	DetailMarker       string
}

// DefaultEngineConfig returns the thresholds used for the food-delivery themes.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Keywords:         []string{"外卖翻车", "点餐翻车", "外卖漫画", "点餐漫画"},
		MaxNotes:         50,
		MaxAttempts:      3,
		MinImages:        3,
		MinContentLength: 10,
		ListingMarker:    ".feeds-container",
		DetailMarker:     ".note-container",
	}
}

// Engine runs the sequential keyword → listing → detail → sink pipeline.
type Engine struct {
	cfg       EngineConfig
	site      Site
	navigator Navigator
	extractor Extractor
	relevance RelevanceFilter
	sink      Sink
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger

	mu        sync.RWMutex
	collected []StoredNote
	last      *Report
}

// NewEngine constructs an Engine.
func NewEngine(
	cfg EngineConfig,
	site Site,
	navigator Navigator,
	extractor Extractor,
	relevance RelevanceFilter,
	sink Sink,
	clock Clock,
	ids IDGenerator,
	logger *zap.Logger,
) *Engine {
	def := DefaultEngineConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ListingMarker == "" {
		cfg.ListingMarker = def.ListingMarker
	}
	if cfg.DetailMarker == "" {
		cfg.DetailMarker = def.DetailMarker
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		site:      site,
		navigator: navigator,
		extractor: extractor,
		relevance: relevance,
		sink:      sink,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

type runState struct {
	report Report
	seen   map[string]bool
}

// Run executes one crawl. The report is returned, and written through the
// sink, even when the session dies or ctx is canceled part way. The error is
// non-nil only when no run id could be generated or the report write failed.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	runID, err := e.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("run id: %w", err)
	}
	st := &runState{
		report: Report{RunID: runID, StartedAt: e.clock.Now(), Collected: []string{}},
		seen:   make(map[string]bool),
	}
	logger := e.logger.With(zap.String("run_id", runID))
	logger.Info("Crawl started", zap.Strings("keywords", e.cfg.Keywords))

	st.report.LoggedIn = e.navigator.Login(ctx)
	if !st.report.LoggedIn {
		logger.Warn("Continuing without a logged-in session")
	}

	for _, keyword := range e.cfg.Keywords {
		if reason := e.stopReason(ctx, st); reason != "" {
			st.report.StopReason = reason
			break
		}
		stats, stop := e.crawlKeyword(ctx, logger, st, keyword)
		st.report.Keywords = append(st.report.Keywords, stats)
		if stop != "" {
			st.report.StopReason = stop
			break
		}
	}

	st.report.SessionStatus = e.navigator.Status()
	st.report.FinishedAt = e.clock.Now()
	e.mu.Lock()
	finished := st.report
	e.last = &finished
	e.mu.Unlock()

	logger.Info("Crawl finished",
		zap.Int("collected", st.report.TotalCollected()),
		zap.String("stop_reason", st.report.StopReason),
		zap.String("session_status", st.report.SessionStatus),
		zap.Duration("duration", st.report.FinishedAt.Sub(st.report.StartedAt)))

	if err := e.sink.Finish(context.WithoutCancel(ctx), st.report); err != nil {
		return st.report, fmt.Errorf("finish run: %w", err)
	}
	return st.report, nil
}

func (e *Engine) stopReason(ctx context.Context, st *runState) string {
	if ctx.Err() != nil {
		return "canceled"
	}
	if e.cfg.MaxNotes > 0 && st.report.TotalCollected() >= e.cfg.MaxNotes {
		return "max_notes"
	}
	return ""
}

func (e *Engine) crawlKeyword(ctx context.Context, logger *zap.Logger, st *runState, keyword string) (KeywordStats, string) {
	stats := KeywordStats{Keyword: keyword, Rejected: map[string]int{}}
	logger = logger.With(zap.String("keyword", keyword))

	page, err := e.navigator.Navigate(ctx, e.site.SearchURL(keyword), e.cfg.ListingMarker, e.cfg.MaxAttempts)
	if err != nil {
		stats.ListingErr = err.Error()
		logger.Warn("Listing navigation failed", zap.Error(err))
		if errors.Is(err, ErrSessionTerminated) {
			return stats, "session_terminated"
		}
		return stats, ""
	}

	candidates := e.extractor.ExtractListing(page.HTML, keyword)
	stats.Candidates = len(candidates)
	logger.Info("Listing parsed", zap.Int("candidates", len(candidates)))

	for _, candidate := range candidates {
		if reason := e.stopReason(ctx, st); reason != "" {
			return stats, reason
		}
		if e.cfg.MaxNotesPerKeyword > 0 && stats.Collected >= e.cfg.MaxNotesPerKeyword {
			break
		}
		if st.seen[candidate.ID] {
			e.reject(&stats, keyword, OutcomeDuplicate)
			continue
		}
		st.seen[candidate.ID] = true

		note, outcome, err := e.collectDetail(ctx, candidate, keyword)
		if err != nil {
			logger.Debug("Candidate skipped",
				zap.String("note_id", candidate.ID),
				zap.String("outcome", outcome),
				zap.Error(err))
			if errors.Is(err, ErrSessionTerminated) {
				e.reject(&stats, keyword, outcome)
				return stats, "session_terminated"
			}
			e.reject(&stats, keyword, outcome)
			continue
		}

		stored, err := e.sink.Save(ctx, st.report.RunID, note)
		if err != nil {
			outcome := OutcomePersist
			if errors.Is(err, ErrTooFewImages) {
				outcome = OutcomeImageDownload
			}
			logger.Warn("Note not stored", zap.String("note_id", note.ID), zap.Error(err))
			e.reject(&stats, keyword, outcome)
			continue
		}

		stats.Collected++
		st.report.Collected = append(st.report.Collected, note.ID)
		metrics.ObserveNote(keyword, OutcomeCollected)
		e.mu.Lock()
		e.collected = append(e.collected, stored)
		e.mu.Unlock()
		logger.Info("Note collected",
			zap.String("note_id", note.ID),
			zap.String("title", note.Title),
			zap.Int("images", len(stored.ImageURIs)))
	}
	return stats, ""
}

func (e *Engine) reject(stats *KeywordStats, keyword string, outcome string) {
	stats.Rejected[outcome]++
	metrics.ObserveNote(keyword, outcome)
}

// detailURL prefers the normalized listing href, which may carry an access
// token the bare detail URL lacks.
func (e *Engine) detailURL(candidate Note) string {
	if candidate.SourceURL != "" {
		if href, err := NormalizeURL(candidate.SourceURL); err == nil && strings.Contains(href, candidate.ID) {
			return href
		}
	}
	return e.site.DetailURL(candidate.ID)
}

func (e *Engine) collectDetail(ctx context.Context, candidate Note, keyword string) (Note, string, error) {
	url := e.detailURL(candidate)
	page, err := e.navigator.Navigate(ctx, url, e.cfg.DetailMarker, e.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, ErrAntiAutomation) {
			return Note{}, OutcomeBlocked, err
		}
		return Note{}, OutcomeNavigation, err
	}

	note := e.extractor.ParseDetail(page.HTML, url)
	note.ID = candidate.ID
	note = note.Backfill(candidate)
	note.SearchKeyword = keyword

	if err := e.extractor.Validate(note); err != nil {
		return Note{}, OutcomeInvalid, err
	}
	if e.relevance != nil && !e.relevance.IsRelevant(note, keyword) {
		return Note{}, OutcomeIrrelevant, fmt.Errorf("note %s not relevant to %q", note.ID, keyword)
	}
	if len(note.Images) < e.cfg.MinImages {
		return Note{}, OutcomeTooFewImages, fmt.Errorf("note %s has %d images", note.ID, len(note.Images))
	}
	if utf8.RuneCountInString(strings.TrimSpace(note.Content)) < e.cfg.MinContentLength {
		return Note{}, OutcomeShortContent, fmt.Errorf("note %s content too short", note.ID)
	}
	return note, OutcomeCollected, nil
}

// Collected returns the notes stored so far across runs.
func (e *Engine) Collected() []StoredNote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]StoredNote(nil), e.collected...)
}

// LastReport returns the report of the most recent finished run.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}
