// Package prompts serves system prompts from markdown files on disk. Keys
// map to <dir>/<key>.md; content is cached and re-read when the file changes.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DirStore is a directory-backed prompt store.
type DirStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]cachedPrompt
}

type cachedPrompt struct {
	content string
	modTime time.Time
}

// NewDirStore creates a store over dir. The directory must exist.
func NewDirStore(dir string) (*DirStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompts directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompts path %q is not a directory", dir)
	}
	return &DirStore{dir: dir, cache: make(map[string]cachedPrompt)}, nil
}

// Path returns the file a key resolves to.
func (s *DirStore) Path(key string) string {
	return filepath.Join(s.dir, key+".md")
}

// System returns the prompt for key. A missing or unreadable file is an
// error; callers decide whether that is fatal.
func (s *DirStore) System(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("prompt key is empty")
	}
	if strings.Contains(key, "..") || strings.ContainsRune(key, filepath.Separator) {
		return "", fmt.Errorf("invalid prompt key %q", key)
	}
	path := s.Path(key)

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", key, err)
	}

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.content, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", key, err)
	}
	content := strings.TrimSpace(string(data))

	s.mu.Lock()
	s.cache[key] = cachedPrompt{content: content, modTime: info.ModTime()}
	s.mu.Unlock()
	return content, nil
}
