package crawler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sinkNote(id string, urls ...string) Note {
	n := Note{
		ID:            id,
		Title:         "外卖漫画第三话",
		Content:       "骑手小哥今天又送错了地址，顾客在楼下等了半小时",
		SearchKeyword: "外卖漫画",
	}
	for _, u := range urls {
		n.Images = append(n.Images, ImageRef{URL: u})
	}
	return n
}

func newTestSink(t *testing.T, cfg SinkConfig, files map[string]Download) (*CollectionSink, *fakeBlobStore, *fakeNoteStore, *fakePublisher) {
	t.Helper()
	blobs := newFakeBlobStore()
	notes := &fakeNoteStore{}
	pub := &fakePublisher{}
	sink := NewCollectionSink(cfg, blobs, &fakeDownloader{files: files}, identityHasher{}, notes, pub,
		&fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}, zaptest.NewLogger(t))
	return sink, blobs, notes, pub
}

func TestCollectionSinkSave(t *testing.T) {
	t.Parallel()

	files := map[string]Download{
		"https://img.example.com/1":       {ContentType: "image/jpeg", Body: []byte("one")},
		"https://img.example.com/2.png":   {Body: []byte("two")},
		"https://img.example.com/dup":     {ContentType: "image/jpeg", Body: []byte("one")},
		"https://img.example.com/3?x=1":   {ContentType: "image/webp; q=1", Body: []byte("three")},
		"https://img.example.com/4":       {ContentType: "image/jpeg", Body: []byte("four")},
		"https://img.example.com/ignored": {ContentType: "image/jpeg", Body: []byte("five")},
	}
	cfg := DefaultSinkConfig()
	cfg.ImagesPerNote = 4
	cfg.Topic = "notes"
	sink, blobs, notes, pub := newTestSink(t, cfg, files)

	note := sinkNote(noteA,
		"https://img.example.com/1",
		"https://img.example.com/missing",
		"https://img.example.com/2.png",
		"https://img.example.com/dup",
		"https://img.example.com/3?x=1",
		"https://img.example.com/4",
		"https://img.example.com/ignored",
	)
	stored, err := sink.Save(context.Background(), "run-1", note)
	require.NoError(t, err)

	require.Equal(t, []string{
		"mem://notes/" + noteA + "/images/image_01.jpg",
		"mem://notes/" + noteA + "/images/image_02.png",
		"mem://notes/" + noteA + "/images/image_03.webp",
		"mem://notes/" + noteA + "/images/image_04.jpg",
	}, stored.ImageURIs)
	require.Equal(t, "mem://notes/"+noteA+"/meta.json", stored.MetaURI)
	require.Equal(t, "run-1", stored.RunID)

	body, ok := blobs.get("notes/" + noteA + "/images/image_02.png")
	require.True(t, ok)
	require.Equal(t, "two", string(body))
	require.Equal(t, "application/octet-stream", blobs.types["notes/"+noteA+"/images/image_02.png"])
	_, ok = blobs.get("notes/" + noteA + "/images/image_05.jpg")
	require.False(t, ok, "images beyond the per-note cap are not stored")

	raw, ok := blobs.get("notes/" + noteA + "/meta.json")
	require.True(t, ok)
	var meta StoredNote
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, noteA, meta.Note.ID)
	require.Equal(t, "外卖漫画", meta.Note.SearchKeyword)
	require.Len(t, meta.ImageURIs, 4)

	raw, ok = blobs.get("notes/" + noteA + "/annotations.json")
	require.True(t, ok)
	var anns []ImageAnnotation
	require.NoError(t, json.Unmarshal(raw, &anns))
	require.Len(t, anns, 4)
	require.Equal(t, 1, anns[0].Index)
	require.Equal(t, "images/image_01.jpg", anns[0].File)
	require.Equal(t, note.Title, anns[0].Caption)
	require.Equal(t, note.Content, anns[3].Text)

	require.Len(t, notes.stored, 1)
	require.Equal(t, []string{"notes"}, pub.topics)
	payload := pub.payloads[0].(map[string]any)
	require.Equal(t, "note.collected", payload["event"])
	require.Equal(t, noteA, payload["note_id"])
}

func TestCollectionSinkTooFewImages(t *testing.T) {
	t.Parallel()

	files := map[string]Download{
		"https://img.example.com/1": {ContentType: "image/jpeg", Body: []byte("one")},
		"https://img.example.com/2": {ContentType: "image/jpeg", Body: []byte("one")},
		"https://img.example.com/3": {ContentType: "image/jpeg", Body: []byte("three")},
	}
	sink, blobs, notes, pub := newTestSink(t, DefaultSinkConfig(), files)

	_, err := sink.Save(context.Background(), "run-1", sinkNote(noteB,
		"https://img.example.com/1", "https://img.example.com/2", "https://img.example.com/3"))
	require.ErrorIs(t, err, ErrTooFewImages)
	_, ok := blobs.get("notes/" + noteB + "/meta.json")
	require.False(t, ok)
	require.Empty(t, notes.stored)
	require.Empty(t, pub.topics)
	require.Empty(t, sink.Annotations())

	// Hashes of a rejected note do not block later notes.
	files["https://img.example.com/4"] = Download{ContentType: "image/jpeg", Body: []byte("four")}
	_, err = sink.Save(context.Background(), "run-1", sinkNote(noteC,
		"https://img.example.com/1", "https://img.example.com/3", "https://img.example.com/4"))
	require.NoError(t, err)
}

func TestCollectionSinkDedupesAcrossNotes(t *testing.T) {
	t.Parallel()

	files := map[string]Download{
		"https://img.example.com/a": {ContentType: "image/jpeg", Body: []byte("a")},
		"https://img.example.com/b": {ContentType: "image/jpeg", Body: []byte("b")},
		"https://img.example.com/c": {ContentType: "image/jpeg", Body: []byte("c")},
	}
	cfg := DefaultSinkConfig()
	cfg.MinImages = 1
	sink, _, _, _ := newTestSink(t, cfg, files)

	first, err := sink.Save(context.Background(), "run-1", sinkNote(noteA, "https://img.example.com/a", "https://img.example.com/b"))
	require.NoError(t, err)
	require.Len(t, first.ImageURIs, 2)

	second, err := sink.Save(context.Background(), "run-1", sinkNote(noteB,
		"https://img.example.com/a", "https://img.example.com/c"))
	require.NoError(t, err)
	require.Equal(t, []string{"mem://notes/" + noteB + "/images/image_01.jpg"}, second.ImageURIs)
}

func TestCollectionSinkFinish(t *testing.T) {
	t.Parallel()

	files := map[string]Download{
		"https://img.example.com/a": {ContentType: "image/jpeg", Body: []byte("a")},
	}
	cfg := DefaultSinkConfig()
	cfg.MinImages = 1
	sink, blobs, notes, _ := newTestSink(t, cfg, files)
	_, err := sink.Save(context.Background(), "run-7", sinkNote(noteA, "https://img.example.com/a"))
	require.NoError(t, err)

	report := Report{RunID: "run-7", Collected: []string{noteA}, SessionStatus: "ACTIVE"}
	require.NoError(t, sink.Finish(context.Background(), report))

	raw, ok := blobs.get(AnnotationsPath)
	require.True(t, ok)
	var all []NoteAnnotations
	require.NoError(t, json.Unmarshal(raw, &all))
	require.Len(t, all, 1)
	require.Equal(t, noteA, all[0].NoteID)
	require.Equal(t, "外卖漫画", all[0].Keyword)

	raw, ok = blobs.get("reports/run-7.json")
	require.True(t, ok)
	var got Report
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, []string{noteA}, got.Collected)
	require.Len(t, notes.runs, 1)
	require.Equal(t, "run-7", notes.runs[0].RunID)
}

func TestCollectionSinkFinishReportsBothFailures(t *testing.T) {
	t.Parallel()

	sink, blobs, _, _ := newTestSink(t, DefaultSinkConfig(), nil)
	blobs.failOn = AnnotationsPath
	err := sink.Finish(context.Background(), Report{RunID: "run-8"})
	require.ErrorContains(t, err, "annotations.json")

	_, ok := blobs.get(ReportPath("run-8"))
	require.True(t, ok, "the report is written even when the index fails")
	raw, _ := blobs.get(ReportPath("run-8"))
	require.Contains(t, string(raw), `"run_id": "run-8"`)
}

func TestNoteDirSanitizes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "notes/"+noteA, NoteDir(noteA))
	require.Equal(t, "notes/.._x", NoteDir("../x"))
	require.Equal(t, "reports/run-1.json", ReportPath("run-1"))
}
