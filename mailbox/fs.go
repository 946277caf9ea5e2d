// Package mailbox implements the filesystem mailbox protocol: the directory
// layout under a lease root and the atomic-rename state machine that moves a
// task through inbox -> claimed -> done. Correctness on shared filesystems
// comes from two rules only: every subtree has a single writer, and the sole
// write primitive is write-to-temp-then-rename within one directory. Files
// are never mutated in place.
package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrTransientNotFound reports a rename whose source vanished, usually a
	// concurrent claimer. Callers retry their scan.
	ErrTransientNotFound = errors.New("transient: source not found")

	// ErrAlreadyExists reports a rename whose destination is occupied.
	// Callers retry their scan.
	ErrAlreadyExists = errors.New("destination already exists")
)

// EnsureDir creates a directory and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// AtomicPublish writes data to path by creating a sibling tempfile, flushing
// it, and renaming it over path. Temp and destination share a directory so
// the rename stays on one filesystem. Readers either see the old content or
// the complete new content, never a partial file.
func AtomicPublish(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp.%s.%s", filepath.Base(path), uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	syncDir(dir)
	return nil
}

// AtomicRename moves a mailbox file between lifecycle directories. Both
// failure modes are non-fatal at the protocol level.
func AtomicRename(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return ErrAlreadyExists
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrTransientNotFound, src)
		}
		return err
	}
	return nil
}

// ListSorted returns the visible (non-dot) files of dir in lexicographic
// order. A missing directory reads as empty: on eventually consistent mounts
// absence is indistinguishable from not-yet-visible.
func ListSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// listSubdirs returns the child directory names of dir, sorted; missing dirs
// read as empty.
func listSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RemoveIfExists deletes path, tolerating its absence.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// syncDir flushes the directory entry after a rename, best effort: some
// network filesystems reject fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
