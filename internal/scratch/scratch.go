// Package scratch manages the per-session scratch directory that holds
// segment bytes between fetch and emit.
package scratch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DirPrefix is the name prefix of every session scratch directory.
const DirPrefix = "livepipe-"

// DefaultOrphanAge is the age after which a leftover scratch directory is
// considered orphaned.
const DefaultOrphanAge = 1 * time.Hour

// Dir is an isolated scratch directory owned by one session.
type Dir struct {
	path string
}

// New creates a fresh scratch directory under base. An empty base uses the
// system temp directory.
func New(base string) (*Dir, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch base %s: %w", base, err)
	}
	path := filepath.Join(base, DirPrefix+strings.ReplaceAll(uuid.New().String(), "-", ""))
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// Join returns name inside the directory.
func (d *Dir) Join(name string) string {
	return filepath.Join(d.path, name)
}

// Remove deletes the directory and everything in it. Errors are swallowed:
// a failed purge never changes how the session ended.
func (d *Dir) Remove() {
	if d == nil || d.path == "" {
		return
	}
	_ = os.RemoveAll(d.path)
}

// CleanupOrphaned removes scratch directories under baseDir older than
// maxAge, left behind by sessions that were killed before they could purge.
// It returns the number of directories removed.
func CleanupOrphaned(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("scratch base does not exist, skipping cleanup", "path", baseDir)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, fmt.Errorf("reading scratch base: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), DirPrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to stat scratch directory", "path", dirPath, "error", err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned scratch directory", "path", dirPath, "error", err)
			continue
		}
		logger.Info("removed orphaned scratch directory",
			"path", dirPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}
	return removed, nil
}
