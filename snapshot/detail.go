package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// ErrTaskNotFound reports a task id (or prefix) matching nothing in the
// lease's inbox, claimed, or done directories.
var ErrTaskNotFound = errors.New("task not found")

// TaskDetail joins everything known about one task.
type TaskDetail struct {
	TaskID     string
	Node       string
	State      TaskState
	Spec       *protocol.TaskSpec
	Result     *protocol.TaskResult
	StdoutPath string
	StderrPath string
}

// TaskDetail resolves a task id or unique prefix across all lanes. Claimed
// wins over inbox wins over done, matching the lifecycle direction.
func (r *Reader) TaskDetail(target string) (*TaskDetail, error) {
	if d := r.findSpec("claimed", target, StateRunning); d != nil {
		r.attachResult(d)
		return d, nil
	}
	if d := r.findSpec("inbox", target, StatePending); d != nil {
		return d, nil
	}
	if d := r.findDone(target); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, target)
}

func (r *Reader) findSpec(lifecycle, target string, state TaskState) *TaskDetail {
	nodes, err := r.Box.Nodes(lifecycle)
	if err != nil {
		return nil
	}
	for _, node := range nodes {
		dir := filepath.Join(r.Box.Dir, lifecycle, node)
		names, err := mailbox.ListSorted(dir)
		if err != nil {
			continue
		}
		for _, name := range names {
			_, taskID, ok := mailbox.ParseSpecFilename(name)
			if !ok || !strings.HasPrefix(taskID, target) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			spec, err := protocol.DecodeTaskSpec(data)
			if err != nil {
				continue
			}
			return &TaskDetail{
				TaskID:     spec.TaskID,
				Node:       node,
				State:      state,
				Spec:       spec,
				StdoutPath: r.Box.StdoutPath(spec.TaskID),
				StderrPath: r.Box.StderrPath(spec.TaskID),
			}
		}
	}
	return nil
}

func (r *Reader) findDone(target string) *TaskDetail {
	nodes, err := r.Box.Nodes("done")
	if err != nil {
		return nil
	}
	for _, node := range nodes {
		names, err := mailbox.ListSorted(r.Box.DoneDir(node))
		if err != nil {
			continue
		}
		for _, name := range names {
			if !isResultName(name) {
				continue
			}
			taskID := strings.TrimSuffix(name, ".result.json")
			if !strings.HasPrefix(taskID, target) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(r.Box.DoneDir(node), name))
			if err != nil {
				continue
			}
			res, err := protocol.DecodeTaskResult(data)
			if err != nil {
				continue
			}
			state := StateDone
			if res.Outcome == protocol.OutcomeFailed || res.Outcome == protocol.OutcomeMalformed {
				state = StateFailed
			}
			d := &TaskDetail{
				TaskID:     res.TaskID,
				Node:       node,
				State:      state,
				Result:     res,
				StdoutPath: r.Box.StdoutPath(res.TaskID),
				StderrPath: r.Box.StderrPath(res.TaskID),
			}
			d.attachArchivedSpec(r, name)
			return d
		}
	}
	return nil
}

// attachResult fills in a result that exists alongside a still-claimed file
// (the archive move may simply not have landed yet).
func (r *Reader) attachResult(d *TaskDetail) {
	data, err := os.ReadFile(r.Box.ResultPath(d.Node, d.TaskID))
	if err != nil {
		return
	}
	if res, err := protocol.DecodeTaskResult(data); err == nil {
		d.Result = res
	}
}

// attachArchivedSpec recovers the original spec from the archived request
// file next to the result, when present.
func (d *TaskDetail) attachArchivedSpec(r *Reader, resultName string) {
	names, err := mailbox.ListSorted(r.Box.DoneDir(d.Node))
	if err != nil {
		return
	}
	for _, name := range names {
		_, taskID, ok := mailbox.ParseSpecFilename(name)
		if !ok || taskID != d.TaskID || name == resultName {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.Box.DoneDir(d.Node), name))
		if err != nil {
			continue
		}
		if spec, err := protocol.DecodeTaskSpec(data); err == nil {
			d.Spec = spec
			return
		}
	}
}
