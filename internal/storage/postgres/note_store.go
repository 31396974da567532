// Package postgres indexes collected notes and crawl runs in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	NotesTable      string        `mapstructure:"notes_table"`
	RunsTable       string        `mapstructure:"runs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// NoteStore upserts notes keyed by note id and records one row per run.
type NoteStore struct {
	pool  execCloser
	notes string
	runs  string
}

func tableNames(cfg Config) (string, string, error) {
	notes, runs := cfg.NotesTable, cfg.RunsTable
	if notes == "" {
		notes = "notes"
	}
	if runs == "" {
		runs = "crawl_runs"
	}
	for _, t := range []string{notes, runs} {
		if !validTableName.MatchString(t) {
			return "", "", fmt.Errorf("invalid table name %q", t)
		}
	}
	return notes, runs, nil
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*NoteStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	notes, runs, err := tableNames(cfg)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &NoteStore{pool: pool, notes: notes, runs: runs}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, cfg Config) (*NoteStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	notes, runs, err := tableNames(cfg)
	if err != nil {
		return nil, err
	}
	return &NoteStore{pool: pool, notes: notes, runs: runs}, nil
}

// Close releases the underlying pool resources.
func (s *NoteStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (s *NoteStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	keyword TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	likes INTEGER NOT NULL DEFAULT 0,
	tags JSONB NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	image_uris JSONB NOT NULL,
	meta_uri TEXT NOT NULL DEFAULT '',
	collected_at TIMESTAMPTZ NOT NULL
)`, s.notes),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	logged_in BOOLEAN NOT NULL,
	session_status TEXT NOT NULL,
	collected INTEGER NOT NULL,
	stop_reason TEXT NOT NULL DEFAULT '',
	report JSONB NOT NULL
)`, s.runs),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertNote inserts the note or refreshes it when it was collected before.
func (s *NoteStore) UpsertNote(ctx context.Context, stored crawler.StoredNote) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("note store is not configured")
	}
	n := stored.Note
	if n.ID == "" {
		return fmt.Errorf("note id is required")
	}
	tags, err := json.Marshal(nonNil(n.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	uris, err := json.Marshal(nonNil(stored.ImageURIs))
	if err != nil {
		return fmt.Errorf("marshal image uris: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	keyword,
	title,
	content,
	username,
	likes,
	tags,
	source_url,
	image_uris,
	meta_uri,
	collected_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	keyword = EXCLUDED.keyword,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	username = EXCLUDED.username,
	likes = EXCLUDED.likes,
	tags = EXCLUDED.tags,
	source_url = EXCLUDED.source_url,
	image_uris = EXCLUDED.image_uris,
	meta_uri = EXCLUDED.meta_uri,
	collected_at = EXCLUDED.collected_at`, s.notes)

	args := []any{
		n.ID,
		stored.RunID,
		n.SearchKeyword,
		n.Title,
		n.Content,
		n.Username,
		n.Likes,
		tags,
		n.SourceURL,
		uris,
		stored.MetaURI,
		stored.CollectedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// RecordRun stores the crawl report of a finished run.
func (s *NoteStore) RecordRun(ctx context.Context, report crawler.Report) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("note store is not configured")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	started_at,
	finished_at,
	logged_in,
	session_status,
	collected,
	stop_reason,
	report
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	session_status = EXCLUDED.session_status,
	collected = EXCLUDED.collected,
	stop_reason = EXCLUDED.stop_reason,
	report = EXCLUDED.report`, s.runs)

	if _, err := s.pool.Exec(ctx, query,
		report.RunID,
		report.StartedAt,
		report.FinishedAt,
		report.LoggedIn,
		report.SessionStatus,
		report.TotalCollected(),
		report.StopReason,
		payload,
	); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
