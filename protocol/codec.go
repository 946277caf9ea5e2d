package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedRecord indicates a record that could not be parsed or failed
// validation. For a TaskSpec the runner escalates this to a MALFORMED outcome
// instead of crashing; for other record kinds the offending file is left in
// place for inspection.
var ErrMalformedRecord = errors.New("malformed record")

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
}

// decodeWithExtra decodes data into v and returns the fields not consumed by
// v's schema, so unknown fields survive a read-modify-republish round trip.
func decodeWithExtra(data []byte, v any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return nil, err
	}
	for k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// encodeWithExtra marshals v and merges back any preserved unknown fields.
// Known fields win on collision.
func encodeWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(base, &all); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := all[k]; !ok {
			all[k] = raw
		}
	}
	return json.Marshal(all)
}

type taskSpecAlias TaskSpec
type taskResultAlias TaskResult
type heartbeatAlias Heartbeat
type leaseMetaAlias LeaseMeta

func (s *TaskSpec) UnmarshalJSON(data []byte) error {
	extra, err := decodeWithExtra(data, (*taskSpecAlias)(s))
	if err != nil {
		return err
	}
	s.extra = extra
	return nil
}

func (s TaskSpec) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(taskSpecAlias(s), s.extra)
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	extra, err := decodeWithExtra(data, (*taskResultAlias)(r))
	if err != nil {
		return err
	}
	r.extra = extra
	return nil
}

func (r TaskResult) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(taskResultAlias(r), r.extra)
}

func (h *Heartbeat) UnmarshalJSON(data []byte) error {
	extra, err := decodeWithExtra(data, (*heartbeatAlias)(h))
	if err != nil {
		return err
	}
	h.extra = extra
	return nil
}

func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(heartbeatAlias(h), h.extra)
}

func (m *LeaseMeta) UnmarshalJSON(data []byte) error {
	extra, err := decodeWithExtra(data, (*leaseMetaAlias)(m))
	if err != nil {
		return err
	}
	m.extra = extra
	return nil
}

func (m LeaseMeta) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(leaseMetaAlias(m), m.extra)
}

// DecodeTaskSpec parses and validates a task spec record.
func DecodeTaskSpec(data []byte) (*TaskSpec, error) {
	var s TaskSpec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, malformed(err)
	}
	if err := s.validate(); err != nil {
		return nil, malformed(err)
	}
	return &s, nil
}

// DecodeTaskResult parses and validates a task result record. Unknown outcome
// tags are rejected as malformed.
func DecodeTaskResult(data []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, malformed(err)
	}
	if err := r.validate(); err != nil {
		return nil, malformed(err)
	}
	return &r, nil
}

// DecodeHeartbeat parses a heartbeat record.
func DecodeHeartbeat(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, malformed(err)
	}
	if h.Node == "" {
		return nil, malformed(fmt.Errorf("node is empty"))
	}
	return &h, nil
}

// DecodeLeaseMeta parses and validates lease metadata.
func DecodeLeaseMeta(data []byte) (*LeaseMeta, error) {
	var m LeaseMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, malformed(err)
	}
	if err := m.validate(); err != nil {
		return nil, malformed(err)
	}
	return &m, nil
}

// DecodeEvent parses one event-log line.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, malformed(err)
	}
	if !e.Kind.valid() {
		return nil, malformed(fmt.Errorf("unknown event type %q", e.Kind))
	}
	return &e, nil
}

// DecodeControlCommand parses a control file body.
func DecodeControlCommand(data []byte) (*ControlCommand, error) {
	var c ControlCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, malformed(err)
	}
	if !c.Verb.valid() {
		return nil, malformed(fmt.Errorf("unknown control verb %q", c.Verb))
	}
	if c.Verb == ControlCancel && c.TaskID == "" {
		return nil, malformed(fmt.Errorf("cancel requires task_id"))
	}
	return &c, nil
}

// Encode marshals any record for publication.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
