package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/izavyalov-dev/leaseq/protocol"
)

// execute runs one claimed task to completion: open logs, spawn the command
// under a login shell, wait while watching for cancel controls, translate the
// exit status, and commit the result.
func (r *Runner) execute(ctx context.Context, log *slog.Logger, claimedPath string, spec *protocol.TaskSpec) {
	stdout, stderr, err := r.openLogs(spec.TaskID)
	if err != nil {
		r.commitSpawnFailure(claimedPath, spec, fmt.Sprintf("open log files: %v", err))
		return
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := exec.Command("bash", "-lc", spec.Command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.Cwd != "" {
		if st, err := os.Stat(spec.Cwd); err == nil && st.IsDir() {
			cmd.Dir = spec.Cwd
		}
	}

	gpusAssigned := assignGPUs(spec.GPUs)
	cmd.Env = mergedEnv(spec, gpusAssigned)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.commitSpawnFailure(claimedPath, spec, fmt.Sprintf("spawn %q: %v", spec.Command, err))
		return
	}
	log.Info("task started", "event", "task_started", "pid", cmd.Process.Pid, "command", spec.Command)
	_ = r.box.AppendEvent(r.opts.Node, protocol.Event{Kind: protocol.EventStarted, TaskID: spec.TaskID})

	cancelled := false
	var killAt time.Time
	pgid := cmd.Process.Pid
	r.setRunning(spec.TaskID, func() {
		if !cancelled {
			cancelled = true
			killAt = time.Now().Add(r.opts.Settings.CancelGrace)
			_ = unix.Kill(-pgid, unix.SIGTERM)
		}
	})
	defer r.setRunning("", nil)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var waitErr error
loop:
	for {
		select {
		case waitErr = <-waitCh:
			break loop
		case <-ctx.Done():
			// Runner shutdown: leave the claimed file for zombie recovery
			// after reaping the child.
			_ = unix.Kill(-pgid, unix.SIGTERM)
			<-waitCh
			return
		case <-ticker.C:
			// Control files must be observed within one poll interval even
			// while a task runs; a matching cancel fires the term hook above.
			r.processControls()
			if cancelled && !killAt.IsZero() && time.Now().After(killAt) {
				_ = unix.Kill(-pgid, unix.SIGKILL)
				killAt = time.Time{}
			}
		}
	}

	finished := time.Now()
	exitCode := exitCodeOf(waitErr, cmd)

	outcome := protocol.OutcomeOK
	switch {
	case cancelled:
		outcome = protocol.OutcomeCancelled
	case exitCode != 0:
		outcome = protocol.OutcomeFailed
	}

	res := &protocol.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Node:           r.opts.Node,
		StartedAt:      start.Unix(),
		FinishedAt:     finished.Unix(),
		ExitCode:       exitCode,
		Stdout:         relLogPath(spec.TaskID, ".out"),
		Stderr:         relLogPath(spec.TaskID, ".err"),
		RuntimeS:       finished.Sub(start).Seconds(),
		Outcome:        outcome,
		Command:        spec.Command,
		GPUsRequested:  spec.GPUs,
		GPUsAssigned:   gpusAssigned,
	}

	ev := protocol.Event{Kind: protocol.EventFinished, TaskID: spec.TaskID, ExitCode: &res.ExitCode}
	switch outcome {
	case protocol.OutcomeFailed:
		ev.Kind = protocol.EventFailed
		ev.Error = fmt.Sprintf("exit code %d", exitCode)
	case protocol.OutcomeCancelled:
		ev.Kind = protocol.EventCancelled
	}

	log.Info("task finished", "event", "task_finished",
		"outcome", string(outcome), "exit_code", exitCode, "runtime_s", res.RuntimeS)
	r.commit(claimedPath, res, ev)
}

// commitSpawnFailure records a FAILED result with the sentinel exit code and
// a stderr preamble describing what went wrong before the child existed.
func (r *Runner) commitSpawnFailure(claimedPath string, spec *protocol.TaskSpec, msg string) {
	log := r.log.With("task_id", spec.TaskID)
	log.Error("child spawn failed", "event", "task_spawn_failed", "error", msg)
	_ = r.appendLogLine(r.box.StderrPath(spec.TaskID), "leaseq: "+msg)
	now := time.Now().Unix()
	res := &protocol.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Node:           r.opts.Node,
		StartedAt:      now,
		FinishedAt:     now,
		ExitCode:       protocol.SentinelExitCode,
		Stderr:         relLogPath(spec.TaskID, ".err"),
		Outcome:        protocol.OutcomeFailed,
		Command:        spec.Command,
		GPUsRequested:  spec.GPUs,
	}
	r.commit(claimedPath, res, protocol.Event{Kind: protocol.EventFailed, TaskID: spec.TaskID, Error: msg})
}

// openLogs creates the task's log files for append-only write. The files are
// never truncated once created, so a re-run of the same task id extends
// rather than destroys earlier output.
func (r *Runner) openLogs(taskID string) (*os.File, *os.File, error) {
	stdout, err := os.OpenFile(r.box.StdoutPath(taskID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := os.OpenFile(r.box.StderrPath(taskID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// mergedEnv layers the spec's environment over the runner's; the spec wins.
// A GPU assignment is exported unless the submitter pinned one explicitly.
func mergedEnv(spec *protocol.TaskSpec, gpusAssigned string) []string {
	env := os.Environ()
	if gpusAssigned != "" {
		if _, pinned := spec.Env["CUDA_VISIBLE_DEVICES"]; !pinned {
			env = append(env, "CUDA_VISIBLE_DEVICES="+gpusAssigned)
		}
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// assignGPUs hands out device indices 0..n-1. Exclusive-per-node mode means
// the lane owns the whole node, so there is nothing to arbitrate.
func assignGPUs(n int) string {
	if n <= 0 {
		return ""
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return strings.Join(ids, ",")
}

// exitCodeOf translates a wait error into the recorded exit code; children
// killed by signal N are encoded as -N.
func exitCodeOf(waitErr error, cmd *exec.Cmd) int {
	if waitErr == nil {
		return 0
	}
	ps := cmd.ProcessState
	if ps == nil {
		return protocol.SentinelExitCode
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	return protocol.SentinelExitCode
}
