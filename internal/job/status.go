package job

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the persisted lifecycle state of a job.
//
// The numeric values are stored as-is by every backend and must not change.
type Status int

const (
	Waiting    Status = 0
	Postponed  Status = 1
	Processing Status = 2
	Done       Status = 3
	Failed     Status = 4
	Canceled   Status = 5
	Killed     Status = 6
	Timeout    Status = 7
)

var statusNames = [...]string{
	Waiting:    "waiting",
	Postponed:  "postponed",
	Processing: "processing",
	Done:       "done",
	Failed:     "failed",
	Canceled:   "canceled",
	Killed:     "killed",
	Timeout:    "timeout",
}

// All lists every status in numeric order.
func All() []Status {
	return []Status{Waiting, Postponed, Processing, Done, Failed, Canceled, Killed, Timeout}
}

func (s Status) Valid() bool { return s >= Waiting && s <= Timeout }

func (s Status) String() string {
	if !s.Valid() {
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case Done, Failed, Canceled, Killed, Timeout:
		return true
	default:
		return false
	}
}

// Pending reports whether s is a pre-execution status (claimable once due).
func (s Status) Pending() bool { return s == Waiting || s == Postponed }

// ParseStatus accepts a status name (case-insensitive) or its numeric code.
func ParseStatus(raw string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return 0, fmt.Errorf("status required")
	}
	if n, err := strconv.Atoi(v); err == nil {
		s := Status(n)
		if !s.Valid() {
			return 0, fmt.Errorf("invalid status code %d", n)
		}
		return s, nil
	}
	if v == "cancelled" {
		v = "canceled"
	}
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("invalid status %q", raw)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
