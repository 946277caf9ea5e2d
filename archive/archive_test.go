package archive

import (
	"context"
	"os"
	"testing"

	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

func TestMirrorResultCopiesArtifacts(t *testing.T) {
	src := mailbox.NewRoot(t.TempDir())
	destDir := t.TempDir()

	res := &protocol.TaskResult{
		TaskID:         "Tmirror01",
		IdempotencyKey: "k",
		Node:           "n1",
		Outcome:        protocol.OutcomeOK,
		Stdout:         "logs/Tmirror01.out",
		Stderr:         "logs/Tmirror01.err",
	}
	data, err := protocol.Encode(res)
	if err != nil {
		t.Fatal(err)
	}
	if err := mailbox.AtomicPublish(src.ResultPath("n1", res.TaskID), data); err != nil {
		t.Fatal(err)
	}
	if err := mailbox.AtomicPublish(src.StdoutPath(res.TaskID), []byte("out\n")); err != nil {
		t.Fatal(err)
	}
	if err := mailbox.AtomicPublish(src.StderrPath(res.TaskID), []byte("err\n")); err != nil {
		t.Fatal(err)
	}

	arch := &Archiver{LeaseID: "local:testhost", DestRoot: destDir}
	if err := arch.MirrorResult(context.Background(), src, "n1", res); err != nil {
		t.Fatalf("mirror: %v", err)
	}

	dest := mailbox.NewRoot(destDir)
	mirrored, err := os.ReadFile(dest.ResultPath("n1", res.TaskID))
	if err != nil {
		t.Fatalf("mirrored result missing: %v", err)
	}
	got, err := protocol.DecodeTaskResult(mirrored)
	if err != nil || got.TaskID != res.TaskID {
		t.Fatalf("mirrored result unreadable: %v", err)
	}
	out, err := os.ReadFile(dest.StdoutPath(res.TaskID))
	if err != nil || string(out) != "out\n" {
		t.Fatalf("mirrored stdout wrong: %q %v", out, err)
	}
}

func TestMirrorResultSkipsMissingLogs(t *testing.T) {
	src := mailbox.NewRoot(t.TempDir())
	destDir := t.TempDir()

	// SKIPPED_DUP results have a record but no logs.
	res := &protocol.TaskResult{TaskID: "Tskip0001", IdempotencyKey: "k", Node: "n1", Outcome: protocol.OutcomeSkippedDup}
	data, err := protocol.Encode(res)
	if err != nil {
		t.Fatal(err)
	}
	if err := mailbox.AtomicPublish(src.ResultPath("n1", res.TaskID), data); err != nil {
		t.Fatal(err)
	}

	arch := &Archiver{LeaseID: "local:testhost", DestRoot: destDir}
	if err := arch.MirrorResult(context.Background(), src, "n1", res); err != nil {
		t.Fatalf("mirror with missing logs must not fail: %v", err)
	}

	dest := mailbox.NewRoot(destDir)
	if _, err := os.Stat(dest.ResultPath("n1", res.TaskID)); err != nil {
		t.Fatalf("mirrored result missing: %v", err)
	}
	if _, err := os.Stat(dest.StdoutPath(res.TaskID)); !os.IsNotExist(err) {
		t.Fatal("phantom stdout mirrored")
	}
}
