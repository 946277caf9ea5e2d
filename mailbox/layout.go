package mailbox

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Root addresses one lease's mailbox tree on disk.
type Root struct {
	Dir string
}

func NewRoot(dir string) Root { return Root{Dir: dir} }

func (r Root) MetaPath() string { return filepath.Join(r.Dir, "meta", "lease.json") }

func (r Root) InboxDir(node string) string { return filepath.Join(r.Dir, "inbox", node) }

func (r Root) ClaimedDir(node string) string { return filepath.Join(r.Dir, "claimed", node) }

func (r Root) DoneDir(node string) string { return filepath.Join(r.Dir, "done", node) }

func (r Root) AckDir(node string) string { return filepath.Join(r.Dir, "ack", node) }

func (r Root) EventsPath(node string) string {
	return filepath.Join(r.Dir, "events", node+".jsonl")
}

func (r Root) HeartbeatPath(node string) string {
	return filepath.Join(r.Dir, "hb", node+".json")
}

func (r Root) HeartbeatDir() string { return filepath.Join(r.Dir, "hb") }

func (r Root) ControlDir(node string) string { return filepath.Join(r.Dir, "control", node) }

func (r Root) ConsumedDir(node string) string {
	return filepath.Join(r.Dir, "control", node, ".consumed")
}

func (r Root) LogsDir() string { return filepath.Join(r.Dir, "logs") }

func (r Root) StdoutPath(taskID string) string { return filepath.Join(r.Dir, "logs", taskID+".out") }

func (r Root) StderrPath(taskID string) string { return filepath.Join(r.Dir, "logs", taskID+".err") }

func (r Root) ResultPath(node, taskID string) string {
	return filepath.Join(r.DoneDir(node), taskID+".result.json")
}

func (r Root) AckPath(node, taskID string) string {
	return filepath.Join(r.AckDir(node), taskID+".ack.json")
}

// laneDirNames are the per-node lifecycle subtrees created for each lane.
var laneDirNames = []string{"inbox", "claimed", "done", "ack", "control"}

// EnsureLane creates the per-node lane directories plus the lease-wide logs,
// hb, events, and meta directories.
func (r Root) EnsureLane(node string) error {
	for _, d := range laneDirNames {
		if err := EnsureDir(filepath.Join(r.Dir, d, node)); err != nil {
			return err
		}
	}
	if err := EnsureDir(r.ConsumedDir(node)); err != nil {
		return err
	}
	for _, d := range []string{"logs", "hb", "events", "meta"} {
		if err := EnsureDir(filepath.Join(r.Dir, d)); err != nil {
			return err
		}
	}
	return nil
}

// Nodes lists the lanes present under a lifecycle directory ("inbox",
// "claimed", "done").
func (r Root) Nodes(lifecycle string) ([]string, error) {
	return listSubdirs(filepath.Join(r.Dir, lifecycle))
}

// SpecFilename builds the inbox filename for a spec: the zero-padded seq
// prefix makes a lexicographic sort of the lane FIFO in submission order; the
// uuid suffix keeps filenames unique even when two submitters pick one seq.
func SpecFilename(seq uint64, taskID, uid string) string {
	return fmt.Sprintf("%09d_%s_%s.json", seq, taskID, uid)
}

// ParseSpecFilename splits <seq>_<task_id>_<uuid>.json. Files that do not
// match the shape report ok=false and are skipped by scanners.
func ParseSpecFilename(name string) (seq uint64, taskID string, ok bool) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return 0, "", false
	}
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, parts[1], true
}
