package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestFSWorkspaceManagerCreate(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "job-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "job-a")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}
}

func TestFSWorkspaceManagerCreateRemovesResidue(t *testing.T) {
	baseDir := t.TempDir()
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	stale := filepath.Join(baseDir, "job-b")
	if err := os.MkdirAll(filepath.Join(stale, "build"), 0o755); err != nil {
		t.Fatalf("MkdirAll(stale) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(stale, "build", "old.o"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("WriteFile(stale) error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "job-b")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		t.Fatalf("ReadDir(workspace) error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace should be empty after residue removal, got %d entries", len(entries))
	}
}

func TestFSWorkspaceManagerRejectsTraversal(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	for _, id := range []string{"", "..", "a/b", `a\b`, " padded "} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Fatalf("Create(%q) expected error", id)
		}
		if err := mgr.Remove(context.Background(), id); err == nil {
			t.Fatalf("Remove(%q) expected error", id)
		}
	}
}

func TestFSWorkspaceManagerListAndUsage(t *testing.T) {
	baseDir := t.TempDir()
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "job-c")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Dir, "src"), 0o755); err != nil {
		t.Fatalf("MkdirAll(src) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, "src", "main.c"), make([]byte, 40), 0o644); err != nil {
		t.Fatalf("WriteFile(main.c) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, "output.log"), make([]byte, 2), 0o644); err != nil {
		t.Fatalf("WriteFile(output.log) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(baseDir, "stray.txt"), make([]byte, 7), 0o644); err != nil {
		t.Fatalf("WriteFile(stray) error = %v", err)
	}

	entries, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	if entries[0].Name != "job-c" || !entries[0].IsDir || entries[0].Size != 42 {
		t.Fatalf("List()[0] = %+v, want dir job-c of 42 bytes", entries[0])
	}
	if entries[1].Name != "stray.txt" || entries[1].IsDir || entries[1].Size != 7 {
		t.Fatalf("List()[1] = %+v, want file stray.txt of 7 bytes", entries[1])
	}

	usage, err := mgr.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage != 49 {
		t.Fatalf("Usage() = %d, want 49", usage)
	}
}

func TestFSWorkspaceManagerRemove(t *testing.T) {
	baseDir := t.TempDir()
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "job-d")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(ws.Dir, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	file := filepath.Join(baseDir, "loose.bin")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := mgr.Remove(context.Background(), "job-d"); err != nil {
		t.Fatalf("Remove(dir) error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "loose.bin"); err != nil {
		t.Fatalf("Remove(file) error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "already-gone"); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}

	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatalf("plain file should be deleted, err = %v", err)
	}
}

func TestNewFSManagerRejectsEmptyRoot(t *testing.T) {
	if _, err := NewFSManager("  "); err == nil {
		t.Fatal("NewFSManager() expected error for blank root")
	}
}
