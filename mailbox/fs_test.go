package mailbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicPublishWritesFullContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	if err := AtomicPublish(path, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected content %q", data)
	}

	// Overwrite is a single rename; the old content is fully replaced.
	if err := AtomicPublish(path, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("republish: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != `{"v":2}` {
		t.Fatalf("unexpected content after republish %q", data)
	}
}

func TestAtomicPublishLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := AtomicPublish(filepath.Join(dir, "a.json"), []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestAtomicRenameErrors(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := AtomicRename(filepath.Join(dir, "missing"), dst); !errors.Is(err, ErrTransientNotFound) {
		t.Fatalf("expected ErrTransientNotFound, got %v", err)
	}

	if err := os.WriteFile(src, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AtomicRename(src, dst); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := os.Remove(dst); err != nil {
		t.Fatal(err)
	}
	if err := AtomicRename(src, dst); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source still present after rename")
	}
}

func TestListSortedSkipsDotFilesAndDirs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.json", "001_a.json", ".hidden", ".tmp.x.y"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := ListSorted(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "001_a.json" || names[1] != "002_b.json" {
		t.Fatalf("unexpected listing %v", names)
	}
}

func TestListSortedMissingDirReadsEmpty(t *testing.T) {
	names, err := ListSorted(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty listing, got %v", names)
	}
}
