package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkDir is the isolated directory tree handed to one analysis task.
type WorkDir struct {
	Root   string
	Frames string
	Subs   string
}

// Workspace allocates per-task working directories under a shared base path.
type Workspace struct {
	Base string
	Keep bool // leave directories on disk after Release (debugging)
}

// NewWorkspace resolves base to an absolute path and ensures it exists.
// Tools run with their task directory as cwd, so every path handed to
// them must be absolute.
func NewWorkspace(base string, keep bool) (*Workspace, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir %s: %w", base, err)
	}
	return &Workspace{Base: base, Keep: keep}, nil
}

// Acquire creates a uniquely named directory for taskID with empty frames/
// and subs/ subdirectories. Two tasks never receive the same root.
func (w *Workspace) Acquire(taskID string) (WorkDir, error) {
	prefix := sanitize(taskID)
	root, err := os.MkdirTemp(w.Base, prefix+"-*")
	if err != nil {
		return WorkDir{}, fmt.Errorf("create task dir: %w", err)
	}
	wd := WorkDir{Root: root, Frames: filepath.Join(root, "frames"), Subs: filepath.Join(root, "subs")}
	for _, d := range []string{wd.Frames, wd.Subs} {
		if err := os.Mkdir(d, 0o755); err != nil {
			_ = os.RemoveAll(root)
			return WorkDir{}, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return wd, nil
}

// Release removes the task directory unless the workspace keeps them.
func (w *Workspace) Release(wd WorkDir) error {
	if w.Keep || wd.Root == "" {
		return nil
	}
	if err := os.RemoveAll(wd.Root); err != nil {
		return fmt.Errorf("remove task dir %s: %w", wd.Root, err)
	}
	return nil
}

// CleanupStale removes task directories older than maxAge, e.g. left behind by
// a crash. Errors are logged, not returned.
func (w *Workspace) CleanupStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(w.Base)
	if err != nil {
		slog.Warn("failed to read work dir for cleanup", slog.String("dir", w.Base), slog.Any("err", err))
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(w.Base, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to remove stale task dir", slog.String("path", path), slog.Any("err", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleaned up stale task dirs", slog.Int("count", removed))
	}
	return removed
}

func sanitize(id string) string {
	if id == "" {
		return "task"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
