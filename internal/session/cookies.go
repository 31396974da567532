package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KANgetuL/xiaohongshu/internal/crawler"
)

// CookieStore persists browser cookies as a JSON array on disk.
type CookieStore struct {
	path   string
	domain string
}

// NewCookieStore returns a store writing to path. Loaded cookies whose domain
// does not mention the bare site domain are rewritten to domain.
func NewCookieStore(path string, domain string) *CookieStore {
	return &CookieStore{path: path, domain: domain}
}

// Path returns the cookie file location.
func (s *CookieStore) Path() string {
	return s.path
}

// Exists reports whether a cookie file is present.
func (s *CookieStore) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Save writes cookies atomically with owner-only permissions.
func (s *CookieStore) Save(cookies []crawler.Cookie) error {
	if cookies == nil {
		cookies = []crawler.Cookie{}
	}
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cookies-*.json")
	if err != nil {
		return fmt.Errorf("create temp cookie file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod cookie file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cookie file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	return nil
}

// Load reads the cookie file and normalizes domains.
func (s *CookieStore) Load() ([]crawler.Cookie, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var cookies []crawler.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie file: %w", err)
	}
	for i := range cookies {
		cookies[i].Domain = s.normalizeDomain(cookies[i].Domain)
	}
	return cookies, nil
}

func (s *CookieStore) normalizeDomain(domain string) string {
	bare := strings.TrimPrefix(s.domain, ".")
	if bare == "" || strings.Contains(domain, bare) {
		return domain
	}
	return s.domain
}
