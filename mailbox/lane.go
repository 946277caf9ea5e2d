package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/izavyalov-dev/leaseq/protocol"
)

// Liveness thresholds for reader classification and submit-side black-hole
// prevention.
const (
	HeartbeatOKWindow  = 60 * time.Second
	SubmitRefuseWindow = 120 * time.Second
)

// ErrLaneStale reports a submit target whose heartbeat is older than the
// refuse window.
var ErrLaneStale = errors.New("lane heartbeat is stale")

// NextSeq scans the lane's inbox, claimed, and done directories for the
// largest sequence prefix and returns the successor. Sequence numbers order
// the lane; they are advisory, not unique — a concurrent submitter may pick
// the same value and the uuid in the filename keeps the files distinct.
func (r Root) NextSeq(node string) (uint64, error) {
	var max uint64
	for _, dir := range []string{r.InboxDir(node), r.ClaimedDir(node), r.DoneDir(node)} {
		names, err := ListSorted(dir)
		if err != nil {
			return 0, err
		}
		for _, name := range names {
			if seq, _, ok := ParseSpecFilename(name); ok && seq > max {
				max = seq
			}
		}
	}
	return max + 1, nil
}

// Submit assigns the next sequence number and publishes the spec into the
// node's inbox. The spec's Seq field is overwritten with the assigned value.
func (r Root) Submit(spec *protocol.TaskSpec) (string, error) {
	if err := r.EnsureLane(spec.TargetNode); err != nil {
		return "", err
	}
	seq, err := r.NextSeq(spec.TargetNode)
	if err != nil {
		return "", err
	}
	spec.Seq = seq
	data, err := protocol.Encode(spec)
	if err != nil {
		return "", err
	}
	name := SpecFilename(seq, spec.TaskID, spec.UUID)
	path := filepath.Join(r.InboxDir(spec.TargetNode), name)
	if err := AtomicPublish(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// CheckLaneLive verifies the lane's heartbeat is younger than the refuse
// window. A lane with no heartbeat at all is allowed: the runner may simply
// not have started yet.
func (r Root) CheckLaneLive(node string, now time.Time) error {
	hb, err := r.ReadHeartbeat(node)
	if err != nil || hb == nil {
		return nil
	}
	if now.Sub(time.Unix(hb.TS, 0)) > SubmitRefuseWindow {
		return fmt.Errorf("%w: node %s last seen %ds ago", ErrLaneStale, node, int(now.Sub(time.Unix(hb.TS, 0)).Seconds()))
	}
	return nil
}

// ClaimNext renames the lexicographically smallest inbox file into claimed
// and returns the claimed path. An empty lane returns ("", nil); a lost race
// returns ErrTransientNotFound or ErrAlreadyExists.
func (r Root) ClaimNext(node string) (string, error) {
	names, err := ListSorted(r.InboxDir(node))
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return r.ClaimFile(node, names[0])
}

// ClaimFile renames one named inbox file into claimed.
func (r Root) ClaimFile(node, name string) (string, error) {
	src := filepath.Join(r.InboxDir(node), name)
	dst := filepath.Join(r.ClaimedDir(node), name)
	if err := AtomicRename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// PublishAck records that the runner has read a claimed spec. The ack is
// informational; no file moves.
func (r Root) PublishAck(node, taskID string, now time.Time) error {
	data, err := protocol.Encode(map[string]any{
		"task_id":  taskID,
		"node":     node,
		"acked_at": now.Unix(),
	})
	if err != nil {
		return err
	}
	return AtomicPublish(r.AckPath(node, taskID), data)
}

// CommitResult publishes the result record — the commit point of
// exactly-once — and then archives the claimed spec file into done. A failure
// after the result publish leaves a claimed file that recovery will see as
// already-done and move into done, never re-execute.
func (r Root) CommitResult(node, claimedPath string, res *protocol.TaskResult) error {
	data, err := protocol.Encode(res)
	if err != nil {
		return err
	}
	if err := AtomicPublish(r.ResultPath(node, res.TaskID), data); err != nil {
		return err
	}
	if claimedPath != "" {
		dst := filepath.Join(r.DoneDir(node), filepath.Base(claimedPath))
		if err := AtomicRename(claimedPath, dst); err != nil && !errors.Is(err, ErrTransientNotFound) {
			if errors.Is(err, ErrAlreadyExists) {
				return RemoveIfExists(claimedPath)
			}
			return err
		}
	}
	return nil
}

// HasResult reports whether a result record exists for the task.
func (r Root) HasResult(node, taskID string) bool {
	_, err := os.Stat(r.ResultPath(node, taskID))
	return err == nil
}

// AppendEvent appends one line to the node's event log. The runner is the
// lane's single writer, so a plain O_APPEND write is safe; readers tolerate
// duplicate lines.
func (r Root) AppendEvent(node string, ev protocol.Event) error {
	if ev.TS == 0 {
		ev.TS = time.Now().Unix()
	}
	if ev.Node == "" {
		ev.Node = node
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := EnsureDir(filepath.Dir(r.EventsPath(node))); err != nil {
		return err
	}
	f, err := os.OpenFile(r.EventsPath(node), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadEvents parses the node's event log, skipping unparsable lines.
func (r Root) ReadEvents(node string) ([]protocol.Event, error) {
	data, err := os.ReadFile(r.EventsPath(node))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []protocol.Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			ev, err := protocol.DecodeEvent(line)
			if err != nil {
				continue
			}
			events = append(events, *ev)
		}
	}
	return events, nil
}

// WriteHeartbeat rewrites hb/<node>.json atomically.
func (r Root) WriteHeartbeat(hb *protocol.Heartbeat) error {
	data, err := protocol.Encode(hb)
	if err != nil {
		return err
	}
	return AtomicPublish(r.HeartbeatPath(hb.Node), data)
}

// ReadHeartbeat returns the node's heartbeat, or nil if none exists.
func (r Root) ReadHeartbeat(node string) (*protocol.Heartbeat, error) {
	data, err := os.ReadFile(r.HeartbeatPath(node))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return protocol.DecodeHeartbeat(data)
}

// RecoverZombies returns every claimed file without a matching result to the
// inbox and reports the recovered task ids. Run at runner start, before the
// first claim: a file left in claimed by a dead runner must re-enter the
// queue rather than starve.
func (r Root) RecoverZombies(node string) ([]string, error) {
	names, err := ListSorted(r.ClaimedDir(node))
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, name := range names {
		_, taskID, ok := ParseSpecFilename(name)
		if !ok {
			continue
		}
		claimed := filepath.Join(r.ClaimedDir(node), name)
		if r.HasResult(node, taskID) {
			// Result already committed; the claimed file is a leftover
			// archive move. Finish the move instead of re-queueing.
			dst := filepath.Join(r.DoneDir(node), name)
			if err := AtomicRename(claimed, dst); err != nil && errors.Is(err, ErrAlreadyExists) {
				_ = RemoveIfExists(claimed)
			}
			continue
		}
		if err := AtomicRename(claimed, filepath.Join(r.InboxDir(node), name)); err != nil {
			if errors.Is(err, ErrTransientNotFound) || errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return recovered, err
		}
		recovered = append(recovered, taskID)
		_ = r.AppendEvent(node, protocol.Event{Kind: protocol.EventLost, TaskID: taskID})
	}
	return recovered, nil
}

// LoadDoneKeys seeds the idempotency set from the node's committed results.
// Only terminal outcomes consume a key; SKIPPED_DUP results point at a key
// some other result already holds.
func (r Root) LoadDoneKeys(node string) (map[string]struct{}, error) {
	names, err := ListSorted(r.DoneDir(node))
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	for _, name := range names {
		if !isResultName(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.DoneDir(node), name))
		if err != nil {
			continue
		}
		res, err := protocol.DecodeTaskResult(data)
		if err != nil {
			continue
		}
		if res.Outcome.Terminal() {
			keys[res.IdempotencyKey] = struct{}{}
		}
	}
	return keys, nil
}

func isResultName(name string) bool {
	return len(name) > len(".result.json") && name[len(name)-len(".result.json"):] == ".result.json"
}
