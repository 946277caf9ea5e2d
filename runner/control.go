package runner

import (
	"os"
	"strings"
	"time"

	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// processControls applies every unconsumed control file for this lane. Each
// file is single-shot: once acted on it is renamed into .consumed/, so a
// replay is harmless. Called from the main loop and from the execution wait
// loop so cancels land within one poll interval.
func (r *Runner) processControls() {
	pending, err := r.box.ListControl(r.opts.Node)
	if err != nil {
		r.log.Error("control scan failed", "event", "control_scan_failed", "error", err)
		return
	}
	for _, pc := range pending {
		if pc.Command == nil {
			// Unparsable control: left in place for human inspection, noted
			// once per runner lifetime.
			if r.notedBadControls == nil {
				r.notedBadControls = make(map[string]struct{})
			}
			if _, seen := r.notedBadControls[pc.Name]; !seen {
				r.notedBadControls[pc.Name] = struct{}{}
				r.log.Error("malformed control file", "event", "control_malformed", "file", pc.Name)
			}
			continue
		}
		r.applyControl(pc)
	}
}

func (r *Runner) applyControl(pc mailbox.PendingControl) {
	cmd := pc.Command
	switch cmd.Verb {
	case protocol.ControlPause:
		if !r.paused {
			r.paused = true
			r.log.Info("lane paused", "event", "lane_paused")
		}
	case protocol.ControlResume:
		if r.paused {
			r.paused = false
			r.log.Info("lane resumed", "event", "lane_resumed")
		}
	case protocol.ControlCancel:
		r.applyCancel(cmd.TaskID)
	}
	if err := r.box.ConsumeControl(r.opts.Node, pc); err != nil {
		r.log.Error("control consume failed", "event", "control_consume_failed", "file", pc.Name, "error", err)
		return
	}
	r.opts.Metrics.IncControl(string(cmd.Verb))
}

// applyCancel resolves a cancel target by id prefix: the running child is
// signaled, a pending task is short-circuited to DONE(CANCELLED) without
// executing, and an unknown id is a logged no-op.
func (r *Runner) applyCancel(target string) {
	runningID, term := r.running()
	if runningID != "" && strings.HasPrefix(runningID, target) && term != nil {
		r.log.Info("cancelling running task", "event", "task_cancel_requested", "task_id", runningID)
		term()
		return
	}
	if r.cancelPending(target) {
		return
	}
	r.log.Warn("cancel for unknown task", "event", "control_conflict", "task_id", target)
}

// cancelPending claims a matching inbox file and commits it as CANCELLED, so
// the task never runs. Reports whether a match was found.
func (r *Runner) cancelPending(target string) bool {
	names, err := mailbox.ListSorted(r.box.InboxDir(r.opts.Node))
	if err != nil {
		r.log.Error("inbox scan for cancel failed", "event", "scan_failed", "error", err)
		return false
	}
	for _, name := range names {
		_, taskID, ok := mailbox.ParseSpecFilename(name)
		if !ok || !strings.HasPrefix(taskID, target) {
			continue
		}
		claimed, err := r.box.ClaimFile(r.opts.Node, name)
		if err != nil {
			continue
		}
		spec := r.readClaimedSpec(claimed)
		now := time.Now().Unix()
		res := &protocol.TaskResult{
			TaskID:         taskID,
			IdempotencyKey: "cancelled:" + taskID,
			Node:           r.opts.Node,
			StartedAt:      now,
			FinishedAt:     now,
			ExitCode:       protocol.SentinelExitCode,
			Outcome:        protocol.OutcomeCancelled,
		}
		if spec != nil {
			res.IdempotencyKey = spec.IdempotencyKey
			res.Command = spec.Command
			res.GPUsRequested = spec.GPUs
		}
		r.log.Info("pending task cancelled", "event", "task_cancelled", "task_id", taskID)
		r.commit(claimed, res, protocol.Event{Kind: protocol.EventCancelled, TaskID: taskID})
		return true
	}
	return false
}

func (r *Runner) readClaimedSpec(path string) *protocol.TaskSpec {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	spec, err := protocol.DecodeTaskSpec(data)
	if err != nil {
		return nil
	}
	return spec
}
