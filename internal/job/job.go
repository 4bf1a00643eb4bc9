package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Job is one schedulable unit of work.
//
// Payload is opaque to the scheduler; the behavior registered for Kind
// decodes it. Retry and Interval are optional: a terminal job that qualifies
// is superseded by a new job with its own identity (see Successor), never
// re-run in place.
type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"data,omitempty"`
	Status  Status          `json:"status"`

	// ScheduledAt gates eligibility while in the future. Zero means unset.
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`

	// Interval is a recurrence schedule (see ParseSchedule). Empty = one-shot.
	Interval string `json:"interval,omitempty"`

	// Retry is the number of retries left; RetryMax is restored on each
	// recurrence.
	Retry         int           `json:"retry,omitempty"`
	RetryMax      int           `json:"retry_max,omitempty"`
	RetryInterval time.Duration `json:"retry_interval,omitempty"`

	// Timeout is the max runtime; 0 uses the pool default.
	Timeout time.Duration `json:"timeout,omitempty"`

	Created  time.Time `json:"created,omitzero"`
	Started  time.Time `json:"started,omitzero"`
	Ended    time.Time `json:"ended,omitzero"`
	Deadline time.Time `json:"deadline,omitzero"`

	// Worker identifies the dispatcher instance holding PROCESSING ownership.
	Worker string `json:"worker,omitempty"`
	Error  string `json:"error,omitempty"`

	// Previous is the id of the terminal job this one supersedes.
	Previous string `json:"previous,omitempty"`
}

// NewID returns a fresh 24-hex-digit object id.
func NewID() string { return primitive.NewObjectID().Hex() }

// New builds a job ready for insertion. The id is left empty; stores assign
// one on insert unless the caller sets it first.
func New(kind string, payload json.RawMessage) *Job {
	j := &Job{Kind: strings.TrimSpace(kind), Status: Waiting}
	if len(payload) > 0 {
		j.Payload = append(json.RawMessage(nil), payload...)
	}
	return j
}

// SetID assigns the identity. It succeeds exactly once.
func (j *Job) SetID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id required")
	}
	if j.ID != "" {
		return fmt.Errorf("%w: %s", ErrIdentityAlreadySet, j.ID)
	}
	j.ID = id
	return nil
}

// SetData replaces the payload. v may be raw JSON ([]byte, json.RawMessage)
// or any JSON-marshalable value. Only pending jobs accept new data.
func (j *Job) SetData(v any) error {
	if !j.Status.Pending() {
		return fmt.Errorf("%w: cannot set data on %s job", ErrInvalidState, j.Status)
	}
	raw, err := EncodeData(v)
	if err != nil {
		return err
	}
	j.Payload = raw
	return nil
}

// Data returns a copy of the raw payload.
func (j *Job) Data() json.RawMessage {
	if len(j.Payload) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), j.Payload...)
}

// DecodeData unmarshals the payload into v.
func (j *Job) DecodeData(v any) error {
	if len(bytes.TrimSpace(j.Payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode job data: %w", err)
	}
	return nil
}

// EncodeData normalizes a payload value to raw JSON.
func EncodeData(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return validRaw(t)
	case []byte:
		return validRaw(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode job data: %w", err)
	}
	return b, nil
}

func validRaw(b []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("encode job data: invalid json")
	}
	return append(json.RawMessage(nil), b...), nil
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	if !j.Status.Pending() {
		return false
	}
	return j.ScheduledAt.IsZero() || !j.ScheduledAt.After(now)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = j.Data()
	return &cp
}
