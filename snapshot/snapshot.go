// Package snapshot derives read-only queue and liveness state from a lease's
// mailbox for the CLI and the TUI refresh loop. Readers synchronize with
// nothing: they tolerate partial visibility, stale listings, and heartbeats
// that disagree with task state, and they classify rather than fail.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// Liveness classifies a node by heartbeat age.
type Liveness string

const (
	LivenessOK      Liveness = "OK"
	LivenessStale   Liveness = "STALE"
	LivenessUnknown Liveness = "UNKNOWN"
)

// TaskState is the reader-visible lifecycle position of a task.
type TaskState string

const (
	StatePending TaskState = "PENDING"
	StateRunning TaskState = "RUNNING"
	StateDone    TaskState = "DONE"
	StateFailed  TaskState = "FAILED"
	StateStuck   TaskState = "STUCK"
)

// PendingTask is a spec observed in an inbox or claimed lane.
type PendingTask struct {
	State TaskState
	Node  string
	Spec  protocol.TaskSpec
}

// NodeStatus summarizes one lane.
type NodeStatus struct {
	Node          string
	Heartbeat     *protocol.Heartbeat
	HeartbeatAge  time.Duration
	Liveness      Liveness
	RunningTaskID string
	InboxCount    int
	ClaimedCount  int
	Claimed       []protocol.TaskSpec
	Pending       []protocol.TaskSpec
	RecentDone    []protocol.TaskResult
}

// LostTask marks a task seen in claimed that then vanished from both claimed
// and done — possibly an NFS attribute-cache artifact, possibly a dead
// runner. It is displayed with a warning marker and retained for a grace
// number of refresh cycles before being dropped.
type LostTask struct {
	TaskID string
	Node   string
	Spec   protocol.TaskSpec
}

// LeaseSnapshot is one refresh of a lease's observable state.
type LeaseSnapshot struct {
	LeaseID string
	TakenAt time.Time
	Nodes   []NodeStatus
	Lost    []LostTask
}

// RecentDoneCap bounds the done entries carried per node in a snapshot.
const RecentDoneCap = 50

// lostGraceCycles is how many refreshes a LOST? task outlives its last
// sighting, compensating for attribute caching.
const lostGraceCycles = 2

// Reader takes successive snapshots of one lease and tracks claimed-task
// visibility across them.
type Reader struct {
	LeaseID string
	Box     mailbox.Root

	mu       sync.Mutex
	lastSeen map[string]claimSighting // task_id -> last claimed sighting
}

type claimSighting struct {
	node   string
	spec   protocol.TaskSpec
	misses int
}

// NewReader prepares a snapshot reader for a lease root.
func NewReader(leaseID, rootDir string) *Reader {
	return &Reader{
		LeaseID:  leaseID,
		Box:      mailbox.NewRoot(rootDir),
		lastSeen: make(map[string]claimSighting),
	}
}

// Snapshot reads every lane concurrently and folds in the LOST? bookkeeping.
// Per-node read errors degrade that node to UNKNOWN instead of failing the
// whole snapshot.
func (r *Reader) Snapshot(ctx context.Context) (*LeaseSnapshot, error) {
	now := time.Now()
	nodes := r.knownNodes()

	statuses := make([]NodeStatus, len(nodes))
	g, _ := errgroup.WithContext(ctx)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			statuses[i] = r.readNode(node, now)
			return nil
		})
	}
	_ = g.Wait()

	snap := &LeaseSnapshot{LeaseID: r.LeaseID, TakenAt: now, Nodes: statuses}
	snap.Lost = r.trackLost(statuses)
	return snap, nil
}

// knownNodes unions the lanes visible under every lifecycle directory and
// the heartbeat files, so a node appears even before its first task.
func (r *Reader) knownNodes() []string {
	set := make(map[string]struct{})
	for _, lifecycle := range []string{"inbox", "claimed", "done"} {
		names, err := r.Box.Nodes(lifecycle)
		if err != nil {
			continue
		}
		for _, n := range names {
			set[n] = struct{}{}
		}
	}
	if hbs, err := mailbox.ListSorted(r.Box.HeartbeatDir()); err == nil {
		for _, name := range hbs {
			if len(name) > len(".json") && name[len(name)-len(".json"):] == ".json" {
				set[name[:len(name)-len(".json")]] = struct{}{}
			}
		}
	}
	nodes := make([]string, 0, len(set))
	for n := range set {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func (r *Reader) readNode(node string, now time.Time) NodeStatus {
	st := NodeStatus{Node: node, Liveness: LivenessUnknown, HeartbeatAge: -1}

	if hb, err := r.Box.ReadHeartbeat(node); err == nil && hb != nil {
		st.Heartbeat = hb
		st.HeartbeatAge = now.Sub(time.Unix(hb.TS, 0))
		if st.HeartbeatAge <= mailbox.HeartbeatOKWindow {
			st.Liveness = LivenessOK
		} else {
			st.Liveness = LivenessStale
		}
		if hb.RunningTaskID != nil {
			st.RunningTaskID = *hb.RunningTaskID
		}
	}

	st.Pending = r.readSpecs(r.Box.InboxDir(node))
	st.InboxCount = len(st.Pending)
	st.Claimed = r.readSpecs(r.Box.ClaimedDir(node))
	st.ClaimedCount = len(st.Claimed)
	st.RecentDone = r.readRecentDone(node)
	return st
}

func (r *Reader) readSpecs(dir string) []protocol.TaskSpec {
	names, err := mailbox.ListSorted(dir)
	if err != nil {
		return nil
	}
	specs := make([]protocol.TaskSpec, 0, len(names))
	for _, name := range names {
		if _, _, ok := mailbox.ParseSpecFilename(name); !ok {
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
		specs = append(specs, *spec)
	}
	return specs
}

// readRecentDone returns the newest results up to the cap, newest first.
func (r *Reader) readRecentDone(node string) []protocol.TaskResult {
	dir := r.Box.DoneDir(node)
	names, err := mailbox.ListSorted(dir)
	if err != nil {
		return nil
	}
	var results []protocol.TaskResult
	for _, name := range names {
		if !isResultName(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		res, err := protocol.DecodeTaskResult(data)
		if err != nil {
			continue
		}
		results = append(results, *res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].FinishedAt > results[j].FinishedAt })
	if len(results) > RecentDoneCap {
		results = results[:RecentDoneCap]
	}
	return results
}

// trackLost compares this refresh's claimed set against prior sightings. A
// task that disappears from claimed without a result becomes LOST? and is
// retained for the grace interval.
func (r *Reader) trackLost(statuses []NodeStatus) []LostTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]claimSighting)
	for _, st := range statuses {
		for _, spec := range st.Claimed {
			current[spec.TaskID] = claimSighting{node: st.Node, spec: spec}
		}
	}

	var lost []LostTask
	for taskID, prev := range r.lastSeen {
		if _, stillClaimed := current[taskID]; stillClaimed {
			continue
		}
		if r.Box.HasResult(prev.node, taskID) {
			continue
		}
		prev.misses++
		if prev.misses <= lostGraceCycles {
			r.lastSeen[taskID] = prev
			lost = append(lost, LostTask{TaskID: taskID, Node: prev.node, Spec: prev.spec})
		} else {
			delete(r.lastSeen, taskID)
		}
	}
	for taskID, sighting := range current {
		r.lastSeen[taskID] = sighting
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].TaskID < lost[j].TaskID })
	return lost
}

func isResultName(name string) bool {
	const suffix = ".result.json"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
