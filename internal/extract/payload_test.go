package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

func TestFindObjectLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		marker string
		want   string
		ok     bool
	}{
		{
			name:   "assignment with braces inside strings",
			script: `var x = 1; window.__INITIAL_STATE__ = {"a":"}{","b":{"c":1}}; run();`,
			marker: "window.__INITIAL_STATE__",
			want:   `{"a":"}{","b":{"c":1}}`,
			ok:     true,
		},
		{
			name:   "key followed by colon",
			script: `{"x":1,"noteDetailMap":{"k":{"v":"\"}"}}}`,
			marker: `"noteDetailMap"`,
			want:   `{"k":{"v":"\"}"}}`,
			ok:     true,
		},
		{
			name:   "marker not followed by object",
			script: `log("note"); var n = 3;`,
			marker: `"note"`,
			ok:     false,
		},
		{
			name:   "unbalanced",
			script: `window.__INITIAL_STATE__={"a":{"b":1}`,
			marker: "window.__INITIAL_STATE__",
			ok:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := findObjectLiteral(tt.script, tt.marker)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReplaceUndefined(t *testing.T) {
	t.Parallel()

	in := `{"a":undefined,"b":"undefined","c":undefinedValue,"d":[undefined],'e':'x\'undefined'}`
	want := `{"a":null,"b":"undefined","c":undefinedValue,"d":[null],'e':'x\'undefined'}`
	require.Equal(t, want, replaceUndefined(in))
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	got, err := decodePayload(`{"title":"标题","extra":undefined}`)
	require.NoError(t, err)
	require.Equal(t, "标题", got["title"])
	require.Nil(t, got["extra"])

	got, err = decodePayload(`{title:'单引号标题', list:[1,2,],}`)
	require.NoError(t, err)
	require.Equal(t, "单引号标题", got["title"])
	require.Len(t, got["list"], 2)

	_, err = decodePayload(`{"title": }`)
	require.ErrorIs(t, err, crawler.ErrExtraction)
}

func TestNoteFromPayloadDepthBound(t *testing.T) {
	t.Parallel()

	nested := func(levels int) string {
		return strings.Repeat(`{"a":`, levels) +
			`{"noteId":"65a1b2c3d4e5f6a7b8c9d0e1","desc":"深层嵌套的正文内容"}` +
			strings.Repeat(`}`, levels)
	}

	ex := New(Config{MaxPayloadDepth: 8}, nil)

	shallow, err := decodePayload(nested(3))
	require.NoError(t, err)
	note := ex.noteFromPayload(shallow)
	require.Equal(t, "65a1b2c3d4e5f6a7b8c9d0e1", note.ID)
	require.Equal(t, "深层嵌套的正文内容", note.Content)

	deep, err := decodePayload(nested(200))
	require.NoError(t, err)
	note = ex.noteFromPayload(deep)
	require.Empty(t, note.ID)
	require.Empty(t, note.Content)
}

func TestNoteFromPayloadRejectsMalformedID(t *testing.T) {
	t.Parallel()

	ex := New(Config{}, nil)
	payload, err := decodePayload(`{"note":{"noteId":"12345","title":"外卖翻车","imageList":[{"url":"https://sns-video-qc.xhscdn.com/v.mp4"},{"url":"https://sns-webpic-qc.xhscdn.com/i.jpg","desc":"配图"}]}}`)
	require.NoError(t, err)

	note := ex.noteFromPayload(payload)
	require.Empty(t, note.ID)
	require.Equal(t, "外卖翻车", note.Title)
	require.Equal(t, []crawler.ImageRef{{URL: "https://sns-webpic-qc.xhscdn.com/i.jpg", Caption: "配图"}}, note.Images)
}

func TestStructuredNoteSkipsUndecodableScripts(t *testing.T) {
	t.Parallel()

	ex := New(Config{}, nil)
	scripts := []string{
		`window.__INITIAL_STATE__={"broken": }`,
		`var cfg = {"note":{"id":"65a1b2c3d4e5f6a7b8c9d0e1","displayTitle":"第二段脚本"}}`,
	}
	note, ok := ex.structuredNote(scripts)
	require.True(t, ok)
	require.Equal(t, "65a1b2c3d4e5f6a7b8c9d0e1", note.ID)
	require.Equal(t, "第二段脚本", note.Title)

	_, ok = ex.structuredNote([]string{`console.log("hello")`})
	require.False(t, ok)
}
