package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/izavyalov-dev/leaseq/protocol"
)

func TestControlWriteListConsume(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}

	path, err := root.WriteControl("n1", protocol.ControlCommand{Verb: protocol.ControlCancel, TaskID: "Tabc"})
	if err != nil {
		t.Fatalf("write control: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "cancel_Tabc_") {
		t.Fatalf("control filename does not encode verb and args: %s", path)
	}

	pending, err := root.ListControl("n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Command == nil || pending[0].Command.TaskID != "Tabc" {
		t.Fatalf("unexpected pending controls: %+v", pending)
	}

	if err := root.ConsumeControl("n1", pending[0]); err != nil {
		t.Fatalf("consume: %v", err)
	}
	pending, _ = root.ListControl("n1")
	if len(pending) != 0 {
		t.Fatalf("control still pending after consume: %+v", pending)
	}
	if _, err := os.Stat(filepath.Join(root.ConsumedDir("n1"), filepath.Base(path))); err != nil {
		t.Fatalf("consumed file not in .consumed/: %v", err)
	}
}

func TestConsumeControlIsIdempotent(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	_, err := root.WriteControl("n1", protocol.ControlCommand{Verb: protocol.ControlPause})
	if err != nil {
		t.Fatal(err)
	}
	pending, _ := root.ListControl("n1")
	if len(pending) != 1 {
		t.Fatalf("expected one control, got %d", len(pending))
	}
	if err := root.ConsumeControl("n1", pending[0]); err != nil {
		t.Fatal(err)
	}
	// Replaying the consume of an already-consumed file is a no-op.
	if err := root.ConsumeControl("n1", pending[0]); err != nil {
		t.Fatalf("second consume must be harmless: %v", err)
	}
}

func TestListControlMarksUnparsableFiles(t *testing.T) {
	root := testRoot(t)
	if err := root.EnsureLane("n1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root.ControlDir("n1"), "cancel_bogus.json"), []byte("not-json"), 0o644); err != nil {
		t.Fatal(err)
	}
	pending, err := root.ListControl("n1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Command != nil {
		t.Fatalf("unparsable control must surface with nil command: %+v", pending)
	}
}
