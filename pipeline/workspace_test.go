package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWorkspaceAcquireIsolated(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "work"), false)
	if err != nil {
		t.Fatal(err)
	}
	a, err := ws.Acquire("same-id")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ws.Acquire("same-id")
	if err != nil {
		t.Fatal(err)
	}
	if a.Root == b.Root {
		t.Fatalf("two tasks share %s", a.Root)
	}
	for _, d := range []string{a.Root, a.Frames, a.Subs} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created: %v", d, err)
		}
	}
	if !strings.HasPrefix(filepath.Base(a.Root), "same-id-") {
		t.Errorf("root %s not keyed by task id", a.Root)
	}
}

func TestWorkspaceReleaseRemoves(t *testing.T) {
	ws, _ := NewWorkspace(t.TempDir(), false)
	wd, err := ws.Acquire("t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wd.Frames, "frame_001.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ws.Release(wd); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if _, err := os.Stat(wd.Root); !os.IsNotExist(err) {
		t.Errorf("task dir still present: %v", err)
	}
}

func TestWorkspaceKeep(t *testing.T) {
	ws, _ := NewWorkspace(t.TempDir(), true)
	wd, _ := ws.Acquire("t1")
	if err := ws.Release(wd); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wd.Root); err != nil {
		t.Errorf("kept dir removed: %v", err)
	}
}

func TestWorkspaceSanitizesID(t *testing.T) {
	ws, _ := NewWorkspace(t.TempDir(), false)
	wd, err := ws.Acquire("../../etc")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(wd.Root) != ws.Base {
		t.Errorf("task dir %s escaped base %s", wd.Root, ws.Base)
	}
}

func TestCleanupStale(t *testing.T) {
	ws, _ := NewWorkspace(t.TempDir(), false)
	old, _ := ws.Acquire("old")
	fresh, _ := ws.Acquire("fresh")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old.Root, past, past); err != nil {
		t.Fatal(err)
	}
	if n := ws.CleanupStale(time.Hour); n != 1 {
		t.Errorf("CleanupStale() = %d, want 1", n)
	}
	if _, err := os.Stat(old.Root); !os.IsNotExist(err) {
		t.Error("stale dir not removed")
	}
	if _, err := os.Stat(fresh.Root); err != nil {
		t.Error("fresh dir removed")
	}
}

func TestWorkspaceRelativeBaseIsAbsolute(t *testing.T) {
	t.Chdir(t.TempDir())
	ws, err := NewWorkspace("work", false)
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(ws.Base) {
		t.Fatalf("Base = %q, want absolute", ws.Base)
	}
	wd, err := ws.Acquire("t1")
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{wd.Root, wd.Frames, wd.Subs} {
		if !filepath.IsAbs(d) {
			t.Errorf("%q is relative", d)
		}
	}
}
