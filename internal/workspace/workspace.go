// Package workspace clones a project tree into an isolated working copy and
// syncs edited files back. Clones are plain directory copies so workers can
// run a coding CLI against them without touching the canonical tree.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cloner copies a project tree into dst.
type Cloner interface {
	Clone(src, dst string) error
}

// defaultExcludes are directory names skipped during a clone: VCS state, the
// matrix workspace root itself, dependency trees, and tool caches.
var defaultExcludes = []string{
	".git",
	".matrix_workspaces",
	"node_modules",
	"venv*",
	"__pycache__",
	".cache",
	".antigravity",
	".byterover",
}

// DirCloner is a portable walk-and-copy Cloner.
type DirCloner struct {
	Excludes []string
	Logger   *log.Logger
}

// NewDirCloner builds a cloner with the default exclusion set.
func NewDirCloner(logger *log.Logger) *DirCloner {
	if logger == nil {
		logger = log.Default()
	}
	return &DirCloner{Excludes: defaultExcludes, Logger: logger}
}

// Clone copies src into dst, skipping excluded directories. A file that fails
// to copy is retried once; a second failure is logged and skipped so one
// locked file cannot sink the whole clone.
func (c *DirCloner) Clone(src, dst string) error {
	src, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("resolve clone source: %w", err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create clone root: %w", err)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if c.excluded(d.Name()) {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}

		target := filepath.Join(dst, rel)
		if err := copyFile(path, target); err != nil {
			time.Sleep(100 * time.Millisecond)
			if err := copyFile(path, target); err != nil {
				c.Logger.Printf("workspace: skip %s: %v", rel, err)
			}
		}
		return nil
	})
}

func (c *DirCloner) excluded(name string) bool {
	for _, pat := range c.Excludes {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// RemoveWithRetry deletes a directory tree, retrying up to three times with
// two-second gaps so transient handle locks can clear.
func RemoveWithRetry(path string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}
		if err := os.RemoveAll(path); err != nil {
			lastErr = err
			logger.Printf("workspace: remove %s attempt %d: %v", path, attempt+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("remove %s: %w", path, lastErr)
}

// SyncFile copies relPath from a clone back into the canonical tree,
// creating parent directories as needed. A missing source is not an error:
// the worker may have reported a file it never wrote.
func SyncFile(cloneRoot, canonicalRoot, relPath string) error {
	rel := filepath.Clean(relPath)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to sync path %q outside the tree", relPath)
	}

	src := filepath.Join(cloneRoot, rel)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat sync source: %w", err)
	}

	dst := filepath.Join(canonicalRoot, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create sync target dir: %w", err)
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("sync %s: %w", rel, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
