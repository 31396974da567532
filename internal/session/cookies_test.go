package session

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

func TestCookieStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "cookies.json")
	store := NewCookieStore(path, ".xiaohongshu.com")
	require.False(t, store.Exists())

	in := []crawler.Cookie{
		{Name: "web_session", Value: "abc", Domain: ".xiaohongshu.com", Path: "/", Expiry: 1893456000.5, HTTPOnly: true, Secure: true, SameSite: "Lax"},
		{Name: "a1", Value: "x", Domain: "www.xiaohongshu.com", Path: "/", Session: true},
		{Name: "stray", Value: "y", Domain: "localhost", Path: "/"},
	}
	require.NoError(t, store.Save(in))
	require.True(t, store.Exists())

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	out, err := store.Load()
	require.NoError(t, err)

	want := append([]crawler.Cookie(nil), in...)
	want[2].Domain = ".xiaohongshu.com"
	require.Equal(t, want, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCookieStoreMissingAndCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := NewCookieStore(filepath.Join(dir, "none.json"), ".xiaohongshu.com")
	cookies, err := missing.Load()
	require.NoError(t, err)
	require.Nil(t, cookies)

	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = NewCookieStore(path, ".xiaohongshu.com").Load()
	require.Error(t, err)
}

func TestCookieStoreSaveNil(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cookies.json")
	store := NewCookieStore(path, ".xiaohongshu.com")
	require.NoError(t, store.Save(nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}
