package prompts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*DirStore, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "router.md"), []byte("You route questions.\n\n"), 0o644))
	store, err := NewDirStore(dir)
	require.NoError(t, err)
	return store, dir
}

func TestDirStore_ReadsAndTrims(t *testing.T) {
	store, _ := newTestStore(t)
	content, err := store.System("router")
	require.NoError(t, err)
	assert.Equal(t, "You route questions.", content)
}

func TestDirStore_MissingPrompt(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.System("nope")
	assert.Error(t, err)
}

func TestDirStore_RejectsTraversalKeys(t *testing.T) {
	store, _ := newTestStore(t)
	for _, key := range []string{"", "../etc/passwd", "sub" + string(filepath.Separator) + "key", "a..b"} {
		_, err := store.System(key)
		assert.Error(t, err, key)
	}
}

func TestDirStore_CacheRefreshesOnChange(t *testing.T) {
	store, dir := newTestStore(t)
	path := filepath.Join(dir, "router.md")

	first, err := store.System("router")
	require.NoError(t, err)
	assert.Equal(t, "You route questions.", first)

	require.NoError(t, os.WriteFile(path, []byte("Updated prompt."), 0o644))
	// Force a distinct mtime; some filesystems have coarse resolution.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	second, err := store.System("router")
	require.NoError(t, err)
	assert.Equal(t, "Updated prompt.", second)
}

func TestNewDirStore_Validation(t *testing.T) {
	_, err := NewDirStore("/no/such/dir")
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.md")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = NewDirStore(file)
	assert.Error(t, err, "not a directory")
}
