package snapshot

import (
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// Tail poll cadences: tighter for node-local paths, relaxed for shared
// filesystems where metadata round-trips are expensive.
const (
	TailPollLocal  = 250 * time.Millisecond
	TailPollShared = time.Second
)

// Tailer reads appended bytes from a log file by polling; there is no
// inotify on the filesystems this system targets.
type Tailer struct {
	Path   string
	offset int64
}

// NewTailer starts a tailer at the given byte offset; offset -1 starts at
// the current end of file.
func NewTailer(path string, offset int64) *Tailer {
	return &Tailer{Path: path, offset: offset}
}

// Offset reports the current read position.
func (t *Tailer) Offset() int64 { return t.offset }

// Next returns bytes appended since the last call. A missing file reads as
// empty; a shrunken file restarts from the top (truncation is outside the
// protocol but humans do it anyway). Invalid UTF-8 is replaced rather than
// surfaced as an error.
func (t *Tailer) Next() (string, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := st.Size()
	if t.offset < 0 || t.offset > size {
		if t.offset > size {
			t.offset = 0
		} else {
			t.offset = size
			return "", nil
		}
	}
	if size == t.offset {
		return "", nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	t.offset += int64(len(data))
	return strings.ToValidUTF8(string(data), "�"), nil
}

// Follow streams appended chunks to emit until ctx is canceled. The done
// callback, when non-nil, is consulted after each empty poll so a finished
// task stops the stream once its output is drained.
func (t *Tailer) Follow(ctx context.Context, poll time.Duration, emit func(string), done func() bool) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		chunk, err := t.Next()
		if err != nil {
			return err
		}
		if chunk != "" {
			emit(chunk)
			continue
		}
		if done != nil && done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
