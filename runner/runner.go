// Package runner implements the per-node worker: a single-threaded loop that
// claims tasks from its lane, executes them under a login shell, and commits
// results, plus a dedicated liveness goroutine that keeps the node heartbeat
// fresh while a task runs. One runner process is bound to one (lease, node)
// pair and is the unique writer of that lane's claimed, done, ack, events,
// hb, logs, and consumed-control subtrees.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/izavyalov-dev/leaseq/archive"
	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/internal/observability"
	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// Version is stamped into heartbeats.
const Version = "0.2.0"

// Options configure a runner instance.
type Options struct {
	LeaseID  string
	Node     string
	RootDir  string
	Settings config.Settings
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	// Archiver mirrors committed artifacts into the shared home and,
	// optionally, S3. Nil disables mirroring.
	Archiver *archive.Archiver
}

// Runner drives one node lane.
type Runner struct {
	opts Options
	box  mailbox.Root
	log  *slog.Logger

	doneKeys         map[string]struct{}
	paused           bool
	notedBadControls map[string]struct{}

	mu          sync.Mutex
	runningTask string
	termChild   func()
}

// New validates options and prepares a runner. The mailbox tree is created if
// missing.
func New(opts Options) (*Runner, error) {
	if opts.LeaseID == "" || opts.Node == "" || opts.RootDir == "" {
		return nil, errors.New("lease id, node, and root dir are required")
	}
	if opts.Settings.PollIdle == 0 {
		opts.Settings = config.DefaultSettings()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("runner")
	}
	log := observability.WithNode(observability.WithLease(opts.Logger, opts.LeaseID), opts.Node)

	box := mailbox.NewRoot(opts.RootDir)
	if err := box.EnsureLane(opts.Node); err != nil {
		return nil, fmt.Errorf("create lane: %w", err)
	}
	return &Runner{
		opts:     opts,
		box:      box,
		log:      log,
		doneKeys: make(map[string]struct{}),
	}, nil
}

// Run executes the runner loop until ctx is canceled. A single task's failure
// never exits the loop; only an unusable mailbox root does.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner starting", "event", "runner_started", "root", r.opts.RootDir)

	if err := r.recover(); err != nil {
		return fmt.Errorf("zombie recovery: %w", err)
	}
	keys, err := r.box.LoadDoneKeys(r.opts.Node)
	if err != nil {
		return fmt.Errorf("seed idempotency set: %w", err)
	}
	r.doneKeys = keys
	r.log.Info("idempotency set seeded", "event", "keys_loaded", "count", len(keys))

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeatLoop(hbCtx)

	lastRescan := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner stopping", "event", "runner_stopped")
			return nil
		default:
		}

		r.processControls()

		if time.Since(lastRescan) >= r.opts.Settings.Rescan {
			if err := r.recover(); err != nil {
				r.log.Error("rescan recovery failed", "event", "rescan_failed", "error", err)
			}
			lastRescan = time.Now()
		}

		if r.paused {
			sleepCtx(ctx, r.opts.Settings.PollIdle)
			continue
		}

		claimed, err := r.box.ClaimNext(r.opts.Node)
		if err != nil {
			if errors.Is(err, mailbox.ErrTransientNotFound) || errors.Is(err, mailbox.ErrAlreadyExists) {
				r.opts.Metrics.IncClaimRace()
				continue
			}
			// Scan errors are logged and swallowed; the lane is retried at
			// the busy cadence.
			r.log.Error("inbox scan failed", "event", "scan_failed", "error", err)
			sleepCtx(ctx, r.opts.Settings.PollBusy)
			continue
		}
		if claimed == "" {
			sleepCtx(ctx, r.opts.Settings.PollIdle)
			continue
		}

		r.handleClaimed(ctx, claimed)
	}
}

// recover returns claimed-but-unfinished files to the inbox.
func (r *Runner) recover() error {
	recovered, err := r.box.RecoverZombies(r.opts.Node)
	if err != nil {
		return err
	}
	for _, taskID := range recovered {
		r.opts.Metrics.IncZombie()
		observability.WithTask(r.log, taskID).Warn("zombie task returned to inbox", "event", "task_lost")
	}
	return nil
}

// handleClaimed takes one claimed spec file through parse, dedupe, ack,
// execute, and commit.
func (r *Runner) handleClaimed(ctx context.Context, claimedPath string) {
	name := filepath.Base(claimedPath)
	_, fileTaskID, _ := mailbox.ParseSpecFilename(name)

	data, err := os.ReadFile(claimedPath)
	if err != nil {
		r.log.Error("read claimed spec", "event", "claim_read_failed", "file", name, "error", err)
		return
	}

	spec, err := protocol.DecodeTaskSpec(data)
	if err != nil {
		r.commitMalformed(claimedPath, fileTaskID, fmt.Sprintf("task spec %s: %v", name, err))
		return
	}
	if spec.TargetNode != r.opts.Node {
		r.commitMalformed(claimedPath, spec.TaskID,
			fmt.Sprintf("task %s targets node %q but was claimed on %q", spec.TaskID, spec.TargetNode, r.opts.Node))
		return
	}

	log := observability.WithTask(r.log, spec.TaskID)
	_ = r.box.AppendEvent(r.opts.Node, protocol.Event{Kind: protocol.EventClaimed, TaskID: spec.TaskID})

	if _, dup := r.doneKeys[spec.IdempotencyKey]; dup {
		log.Warn("duplicate submission skipped", "event", "task_skipped_dup", "key", spec.IdempotencyKey)
		now := time.Now()
		res := &protocol.TaskResult{
			TaskID:         spec.TaskID,
			IdempotencyKey: spec.IdempotencyKey,
			Node:           r.opts.Node,
			StartedAt:      now.Unix(),
			FinishedAt:     now.Unix(),
			ExitCode:       0,
			Outcome:        protocol.OutcomeSkippedDup,
			Command:        spec.Command,
			GPUsRequested:  spec.GPUs,
		}
		r.commit(claimedPath, res, protocol.Event{Kind: protocol.EventSkippedDup, TaskID: spec.TaskID, Key: spec.IdempotencyKey})
		return
	}

	if err := r.box.PublishAck(r.opts.Node, spec.TaskID, time.Now()); err != nil {
		log.Warn("ack publish failed", "event", "ack_failed", "error", err)
	}

	r.execute(ctx, log, claimedPath, spec)
}

// commitMalformed records a MALFORMED outcome with the parse error as a
// stderr preamble. The runner moves on to the next task.
func (r *Runner) commitMalformed(claimedPath, taskID, msg string) {
	if taskID == "" {
		taskID = filepath.Base(claimedPath)
	}
	r.log.Error("malformed task spec", "event", "task_malformed", "task_id", taskID, "error", msg)

	stderrPath := r.box.StderrPath(taskID)
	_ = r.appendLogLine(stderrPath, "leaseq: "+msg)
	now := time.Now().Unix()
	res := &protocol.TaskResult{
		TaskID: taskID,
		// Malformed specs have no trustworthy key; synthesize one from the
		// task id so the record validates without consuming a real key.
		IdempotencyKey: "malformed:" + taskID,
		Node:           r.opts.Node,
		StartedAt:      now,
		FinishedAt:     now,
		ExitCode:       protocol.SentinelExitCode,
		Stderr:         relLogPath(taskID, ".err"),
		Outcome:        protocol.OutcomeMalformed,
	}
	r.commit(claimedPath, res, protocol.Event{Kind: protocol.EventFailed, TaskID: taskID, Error: msg})
}

// commit publishes a result with exponential backoff, archives the claimed
// file, appends the event, and updates the idempotency set. A claimed file
// whose result cannot be published is left in place for zombie recovery; work
// is never lost to a write error.
func (r *Runner) commit(claimedPath string, res *protocol.TaskResult, ev protocol.Event) {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		err = r.box.CommitResult(r.opts.Node, claimedPath, res)
		if err == nil {
			break
		}
		r.log.Error("result publish failed, retrying", "event", "commit_retry",
			"task_id", res.TaskID, "attempt", attempt+1, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		r.log.Error("result publish abandoned, leaving claimed file for recovery",
			"event", "commit_failed", "task_id", res.TaskID, "error", err)
		return
	}

	if res.Outcome.Terminal() {
		r.doneKeys[res.IdempotencyKey] = struct{}{}
	}
	r.opts.Metrics.IncTask(string(res.Outcome))
	_ = r.box.AppendEvent(r.opts.Node, ev)

	if r.opts.Archiver != nil {
		if err := r.opts.Archiver.MirrorResult(context.Background(), r.box, r.opts.Node, res); err != nil {
			r.log.Warn("artifact mirror failed", "event", "mirror_failed", "task_id", res.TaskID, "error", err)
		}
	}
}

// setRunning records the task the liveness goroutine should advertise and
// the signal hook controls use to cancel it.
func (r *Runner) setRunning(taskID string, term func()) {
	r.mu.Lock()
	r.runningTask = taskID
	r.termChild = term
	r.mu.Unlock()
}

func (r *Runner) running() (string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningTask, r.termChild
}

func (r *Runner) appendLogLine(path, line string) error {
	if err := mailbox.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func relLogPath(taskID, ext string) string {
	return filepath.Join("logs", taskID+ext)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
