package scratch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNew_createsIsolatedDir(t *testing.T) {
	base := t.TempDir()

	a, err := New(base)
	require.NoError(t, err)
	b, err := New(base)
	require.NoError(t, err)

	assert.NotEqual(t, a.Path(), b.Path())
	assert.True(t, strings.HasPrefix(filepath.Base(a.Path()), DirPrefix))
	assert.Equal(t, filepath.Join(a.Path(), "x.tmp"), a.Join("x.tmp"))

	info, err := os.Stat(a.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDir_Remove(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.Join("seg_1.tmp"), []byte("data"), 0o644))

	d.Remove()
	d.Remove()

	_, err = os.Stat(d.Path())
	assert.True(t, os.IsNotExist(err))

	var nilDir *Dir
	nilDir.Remove()
}

func TestCleanupOrphaned(t *testing.T) {
	t.Run("removes old scratch directories", func(t *testing.T) {
		base := t.TempDir()
		old := filepath.Join(base, DirPrefix+"old")
		require.NoError(t, os.Mkdir(old, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(old, "seg_3.tmp"), []byte("x"), 0o644))
		oldTime := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(old, oldTime, oldTime))

		n, err := CleanupOrphaned(newTestLogger(), base, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("keeps recent and foreign directories", func(t *testing.T) {
		base := t.TempDir()
		recent := filepath.Join(base, DirPrefix+"recent")
		foreign := filepath.Join(base, "other-dir")
		require.NoError(t, os.Mkdir(recent, 0o755))
		require.NoError(t, os.Mkdir(foreign, 0o755))
		oldTime := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(foreign, oldTime, oldTime))

		n, err := CleanupOrphaned(newTestLogger(), base, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.DirExists(t, recent)
		assert.DirExists(t, foreign)
	})

	t.Run("missing base is not an error", func(t *testing.T) {
		n, err := CleanupOrphaned(newTestLogger(), filepath.Join(t.TempDir(), "missing"), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
