package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/leaseq/protocol"
)

// WriteControl publishes a single-shot command file into control/<node>/.
// Filenames carry the verb and arguments plus a uuid so repeated requests
// never collide.
func (r Root) WriteControl(node string, cmd protocol.ControlCommand) (string, error) {
	if cmd.RequestedAt == 0 {
		cmd.RequestedAt = time.Now().Unix()
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.json", cmd.Verb, uuid.NewString())
	if cmd.Verb == protocol.ControlCancel {
		name = fmt.Sprintf("%s_%s_%s.json", cmd.Verb, cmd.TaskID, uuid.NewString())
	}
	path := filepath.Join(r.ControlDir(node), name)
	if err := AtomicPublish(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// PendingControl holds a parsed control file awaiting consumption. Files
// that fail to parse carry a nil Command; the runner logs them and leaves
// them in place for inspection rather than consuming them.
type PendingControl struct {
	Name    string
	Path    string
	Command *protocol.ControlCommand
}

// ListControl returns the node's unconsumed control files in name order.
func (r Root) ListControl(node string) ([]PendingControl, error) {
	names, err := ListSorted(r.ControlDir(node))
	if err != nil {
		return nil, err
	}
	out := make([]PendingControl, 0, len(names))
	for _, name := range names {
		path := filepath.Join(r.ControlDir(node), name)
		pc := PendingControl{Name: name, Path: path}
		if data, err := os.ReadFile(path); err == nil {
			if cmd, err := protocol.DecodeControlCommand(data); err == nil {
				pc.Command = cmd
			}
		}
		out = append(out, pc)
	}
	return out, nil
}

// ConsumeControl retires a control file by renaming it into .consumed/, so a
// replayed or duplicated command has no further effect.
func (r Root) ConsumeControl(node string, pc PendingControl) error {
	if err := EnsureDir(r.ConsumedDir(node)); err != nil {
		return err
	}
	err := AtomicRename(pc.Path, filepath.Join(r.ConsumedDir(node), pc.Name))
	if errors.Is(err, ErrAlreadyExists) {
		return RemoveIfExists(pc.Path)
	}
	if err == nil || errors.Is(err, ErrTransientNotFound) {
		return nil
	}
	return err
}
