package mailbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/izavyalov-dev/leaseq/protocol"
)

func testRoot(t *testing.T) Root {
	t.Helper()
	return NewRoot(t.TempDir())
}

func testSpec(taskID, key string) *protocol.TaskSpec {
	return &protocol.TaskSpec{
		TaskID:         taskID,
		IdempotencyKey: key,
		LeaseID:        "local:testhost",
		TargetNode:     "n1",
		UUID:           "11111111-2222-3333-4444-555555555555",
		CreatedAt:      time.Now().Unix(),
		Command:        "echo test",
	}
}

func TestSubmitAssignsIncreasingSeq(t *testing.T) {
	root := testRoot(t)

	a := testSpec("Taaaaaaaa", "ka")
	b := testSpec("Tbbbbbbbb", "kb")
	if _, err := root.Submit(a); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if _, err := root.Submit(b); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if a.Seq != 1 || b.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", a.Seq, b.Seq)
	}

	names, err := ListSorted(root.InboxDir("n1"))
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 inbox files, got %v", names)
	}
	seq0, task0, ok := ParseSpecFilename(names[0])
	if !ok || seq0 != 1 || task0 != "Taaaaaaaa" {
		t.Fatalf("lexicographically first file is not seq 1: %v", names)
	}
}

func TestNextSeqScansAllLifecycleDirs(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(root.InboxDir("n1"), SpecFilename(2, "Ta", "u1")))
	touch(t, filepath.Join(root.ClaimedDir("n1"), SpecFilename(7, "Tb", "u2")))
	touch(t, filepath.Join(root.DoneDir("n1"), SpecFilename(4, "Tc", "u3")))

	seq, err := root.NextSeq("n1")
	if err != nil {
		t.Fatalf("next seq: %v", err)
	}
	if seq != 8 {
		t.Fatalf("expected 8, got %d", seq)
	}
}

func TestClaimNextPicksSmallest(t *testing.T) {
	root := testRoot(t)
	for _, spec := range []*protocol.TaskSpec{testSpec("Ta1", "k1"), testSpec("Ta2", "k2")} {
		if _, err := root.Submit(spec); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := root.ClaimNext("n1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	seq, taskID, ok := ParseSpecFilename(filepath.Base(claimed))
	if !ok || seq != 1 || taskID != "Ta1" {
		t.Fatalf("claimed wrong file: %s", claimed)
	}
	if _, err := os.Stat(claimed); err != nil {
		t.Fatalf("claimed file missing: %v", err)
	}

	names, _ := ListSorted(root.InboxDir("n1"))
	if len(names) != 1 {
		t.Fatalf("inbox should have one file left, got %v", names)
	}
}

func TestClaimNextEmptyLane(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	claimed, err := root.ClaimNext("n1")
	if err != nil || claimed != "" {
		t.Fatalf("empty lane should claim nothing: %q %v", claimed, err)
	}
}

func TestCommitResultArchivesClaimedFile(t *testing.T) {
	root := testRoot(t)
	spec := testSpec("Tcommit1", "kc")
	if _, err := root.Submit(spec); err != nil {
		t.Fatal(err)
	}
	claimed, err := root.ClaimNext("n1")
	if err != nil {
		t.Fatal(err)
	}

	res := &protocol.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Node:           "n1",
		Outcome:        protocol.OutcomeOK,
	}
	if err := root.CommitResult("n1", claimed, res); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !root.HasResult("n1", spec.TaskID) {
		t.Fatal("result record missing")
	}
	if _, err := os.Stat(claimed); !os.IsNotExist(err) {
		t.Fatal("claimed file was not archived")
	}
	if _, err := os.Stat(filepath.Join(root.DoneDir("n1"), filepath.Base(claimed))); err != nil {
		t.Fatalf("archived spec missing from done: %v", err)
	}
}

func TestRecoverZombiesReturnsUnfinishedToInbox(t *testing.T) {
	root := testRoot(t)
	spec := testSpec("Tzombie12", "kz")
	if _, err := root.Submit(spec); err != nil {
		t.Fatal(err)
	}
	claimed, err := root.ClaimNext("n1")
	if err != nil {
		t.Fatal(err)
	}

	recovered, err := root.RecoverZombies("n1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != "Tzombie12" {
		t.Fatalf("expected Tzombie12 recovered, got %v", recovered)
	}
	if _, err := os.Stat(claimed); !os.IsNotExist(err) {
		t.Fatal("claimed file still present")
	}
	names, _ := ListSorted(root.InboxDir("n1"))
	if len(names) != 1 {
		t.Fatalf("task not back in inbox: %v", names)
	}

	events, err := root.ReadEvents("n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != protocol.EventLost {
		t.Fatalf("expected one LOST event, got %+v", events)
	}
}

func TestRecoverZombiesFinishesArchiveOfCommittedTask(t *testing.T) {
	root := testRoot(t)
	spec := testSpec("Tdone1234", "kd")
	if _, err := root.Submit(spec); err != nil {
		t.Fatal(err)
	}
	claimed, err := root.ClaimNext("n1")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after result publish but before the archive move.
	res := &protocol.TaskResult{TaskID: spec.TaskID, IdempotencyKey: "kd", Node: "n1", Outcome: protocol.OutcomeOK}
	if err := root.CommitResult("n1", "", res); err != nil {
		t.Fatal(err)
	}

	recovered, err := root.RecoverZombies("n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 0 {
		t.Fatalf("committed task must not be recovered: %v", recovered)
	}
	if _, err := os.Stat(claimed); !os.IsNotExist(err) {
		t.Fatal("claimed leftover was not moved to done")
	}
	names, _ := ListSorted(root.InboxDir("n1"))
	if len(names) != 0 {
		t.Fatalf("committed task must not re-enter inbox: %v", names)
	}
}

func TestLoadDoneKeysOnlyTerminalOutcomes(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	commit := func(taskID, key string, outcome protocol.Outcome) {
		res := &protocol.TaskResult{TaskID: taskID, IdempotencyKey: key, Node: "n1", Outcome: outcome}
		if err := root.CommitResult("n1", "", res); err != nil {
			t.Fatal(err)
		}
	}
	commit("Ta", "key-ok", protocol.OutcomeOK)
	commit("Tb", "key-failed", protocol.OutcomeFailed)
	commit("Tc", "key-ok", protocol.OutcomeSkippedDup)
	commit("Td", "key-malformed", protocol.OutcomeMalformed)

	keys, err := root.LoadDoneKeys("n1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := keys["key-ok"]; !ok {
		t.Fatal("OK key missing")
	}
	if _, ok := keys["key-failed"]; !ok {
		t.Fatal("FAILED key missing")
	}
	if _, ok := keys["key-malformed"]; ok {
		t.Fatal("MALFORMED must not consume a key")
	}
	if len(keys) != 2 {
		t.Fatalf("unexpected key set %v", keys)
	}
}

func TestEventsAppendAndReplay(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	for _, kind := range []protocol.EventKind{protocol.EventClaimed, protocol.EventStarted, protocol.EventFinished, protocol.EventFinished} {
		if err := root.AppendEvent("n1", protocol.Event{Kind: kind, TaskID: "T1"}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := root.ReadEvents("n1")
	if err != nil {
		t.Fatal(err)
	}
	// Duplicate lines are tolerated, order is preserved.
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Kind != protocol.EventClaimed || events[1].Kind != protocol.EventStarted {
		t.Fatalf("event order lost: %+v", events)
	}
}

func TestHeartbeatRoundTripAndLiveness(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	running := "T1"
	hb := &protocol.Heartbeat{Node: "n1", TS: time.Now().Unix(), RunningTaskID: &running, RunnerPID: 42, Version: "test"}
	if err := root.WriteHeartbeat(hb); err != nil {
		t.Fatal(err)
	}
	got, err := root.ReadHeartbeat("n1")
	if err != nil || got == nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if got.RunningTaskID == nil || *got.RunningTaskID != "T1" {
		t.Fatalf("running task lost: %+v", got)
	}

	if err := root.CheckLaneLive("n1", time.Now()); err != nil {
		t.Fatalf("fresh heartbeat classified stale: %v", err)
	}
	if err := root.CheckLaneLive("n1", time.Now().Add(3*time.Minute)); err == nil {
		t.Fatal("stale heartbeat not refused")
	}
	// A lane with no heartbeat at all is accepted.
	if err := root.CheckLaneLive("never-seen", time.Now()); err != nil {
		t.Fatalf("missing heartbeat must not refuse: %v", err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}
