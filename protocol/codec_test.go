package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeTaskSpecRejectsGarbage(t *testing.T) {
	_, err := DecodeTaskSpec([]byte("not-json"))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestDecodeTaskSpecRejectsMissingFields(t *testing.T) {
	_, err := DecodeTaskSpec([]byte(`{"task_id":"T1"}`))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord for missing fields, got %v", err)
	}
}

func TestDecodeTaskSpecRoundTrip(t *testing.T) {
	in := `{"task_id":"Tdeadbeef","idempotency_key":"k1","lease_id":"local:h","target_node":"h","seq":3,"uuid":"u","created_at":100,"command":"echo hi"}`
	spec, err := DecodeTaskSpec([]byte(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if spec.TaskID != "Tdeadbeef" || spec.Seq != 3 || spec.Command != "echo hi" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	in := `{"task_id":"T1","idempotency_key":"k","lease_id":"l","target_node":"n","seq":1,"uuid":"u","created_at":1,"command":"true","x_future":"kept","x_obj":{"a":1}}`
	spec, err := DecodeTaskSpec([]byte(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(out), `"x_future":"kept"`) {
		t.Fatalf("unknown scalar field dropped: %s", out)
	}
	if !strings.Contains(string(out), `"x_obj":{"a":1}`) {
		t.Fatalf("unknown object field dropped: %s", out)
	}
}

func TestDecodeTaskResultRejectsUnknownOutcome(t *testing.T) {
	in := `{"task_id":"T1","idempotency_key":"k","node":"n","started_at":1,"finished_at":2,"exit_code":0,"stdout":"","stderr":"","runtime_s":1,"outcome":"EXPLODED"}`
	_, err := DecodeTaskResult([]byte(in))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord for unknown outcome, got %v", err)
	}
}

func TestDecodeTaskResultAcceptsAllOutcomes(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeOK, OutcomeFailed, OutcomeSkippedDup, OutcomeCancelled, OutcomeMalformed} {
		res := TaskResult{
			TaskID:         "T1",
			IdempotencyKey: "k",
			Node:           "n",
			Outcome:        outcome,
		}
		data, err := json.Marshal(res)
		if err != nil {
			t.Fatalf("encode %s: %v", outcome, err)
		}
		if _, err := DecodeTaskResult(data); err != nil {
			t.Fatalf("decode %s: %v", outcome, err)
		}
	}
}

func TestOutcomeTerminal(t *testing.T) {
	if !OutcomeOK.Terminal() || !OutcomeFailed.Terminal() || !OutcomeCancelled.Terminal() {
		t.Fatal("OK/FAILED/CANCELLED must consume the idempotency key")
	}
	if OutcomeSkippedDup.Terminal() || OutcomeMalformed.Terminal() {
		t.Fatal("SKIPPED_DUP and MALFORMED must not consume the idempotency key")
	}
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"TELEPORTED","ts":1,"task_id":"T1"}`))
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestDecodeControlCommand(t *testing.T) {
	cmd, err := DecodeControlCommand([]byte(`{"verb":"cancel","task_id":"T1","requested_at":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Verb != ControlCancel || cmd.TaskID != "T1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	if _, err := DecodeControlCommand([]byte(`{"verb":"cancel"}`)); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("cancel without task_id must be malformed, got %v", err)
	}
	if _, err := DecodeControlCommand([]byte(`{"verb":"reboot"}`)); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("unknown verb must be malformed, got %v", err)
	}
	if _, err := DecodeControlCommand([]byte(`{"verb":"pause"}`)); err != nil {
		t.Fatalf("pause needs no arguments: %v", err)
	}
}

func TestDecodeLeaseMeta(t *testing.T) {
	meta := LeaseMeta{LeaseID: "12345", LeaseType: LeaseTypeExternal, CreatedAt: 10, Mode: ModeExclusivePerNode}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeLeaseMeta(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LeaseID != "12345" || got.LeaseType != LeaseTypeExternal {
		t.Fatalf("unexpected meta: %+v", got)
	}

	if _, err := DecodeLeaseMeta([]byte(`{"lease_id":"x","lease_type":"imaginary"}`)); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("unknown lease type must be malformed, got %v", err)
	}
}

func TestNewTaskIDShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewTaskID()
		if len(id) != 9 || id[0] != 'T' {
			t.Fatalf("unexpected task id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate task id %q", id)
		}
		seen[id] = struct{}{}
	}
}
