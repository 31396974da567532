package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

func TestUpsertNote(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, Config{})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	stored := crawler.StoredNote{
		Note: crawler.Note{
			ID:            "65a1b2c3d4e5f6a7b8c9d0e1",
			Title:         "外卖又翻车了",
			Content:       "骑手把汤洒了一路",
			Tags:          []string{"外卖", "翻车"},
			Username:      "小王",
			Likes:         12000,
			SourceURL:     "https://www.xiaohongshu.com/explore/65a1b2c3d4e5f6a7b8c9d0e1",
			SearchKeyword: "外卖翻车",
		},
		RunID:       "run-1",
		CollectedAt: now,
		ImageURIs:   []string{"file:///out/notes/x/images/image_01.jpg"},
		MetaURI:     "file:///out/notes/x/meta.json",
	}

	mock.ExpectExec("INSERT INTO notes").
		WithArgs(
			stored.Note.ID,
			"run-1",
			"外卖翻车",
			stored.Note.Title,
			stored.Note.Content,
			"小王",
			12000,
			[]byte(`["外卖","翻车"]`),
			stored.Note.SourceURL,
			[]byte(`["file:///out/notes/x/images/image_01.jpg"]`),
			stored.MetaURI,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertNote(context.Background(), stored))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNoteNilSlices(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, Config{NotesTable: "xhs_notes"})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO xhs_notes").
		WithArgs(
			"65a1b2c3d4e5f6a7b8c9d0e1", "", "", "", "content here", "", 0,
			[]byte(`[]`), "", []byte(`[]`), "", time.Time{},
		).
		WillReturnError(errors.New("connection reset"))

	err = store.UpsertNote(context.Background(), crawler.StoredNote{
		Note: crawler.Note{ID: "65a1b2c3d4e5f6a7b8c9d0e1", Content: "content here"},
	})
	require.ErrorContains(t, err, "upsert note")
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.UpsertNote(context.Background(), crawler.StoredNote{}))
}

func TestRecordRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, Config{})
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	report := crawler.Report{
		RunID:         "run-1",
		StartedAt:     start,
		FinishedAt:    start.Add(time.Minute),
		LoggedIn:      true,
		SessionStatus: "ACTIVE",
		Collected:     []string{"a", "b"},
	}
	payload, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("run-1", start, start.Add(time.Minute), true, "ACTIVE", 2, "", payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), report))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, Config{})
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS notes").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, Config{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, Config{NotesTable: "notes; DROP TABLE x"})
	require.ErrorContains(t, err, "invalid table name")

	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn")
}
