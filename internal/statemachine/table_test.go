package statemachine

import (
	"errors"
	"testing"

	"tasksched/internal/job"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	want := map[job.Status][]job.Status{
		job.Waiting:    {job.Processing, job.Postponed, job.Canceled},
		job.Postponed:  {job.Waiting, job.Processing, job.Canceled},
		job.Processing: {job.Done, job.Failed, job.Killed, job.Timeout},
	}
	for _, from := range job.All() {
		for _, to := range job.All() {
			expected := false
			for _, s := range want[from] {
				if s == to {
					expected = true
				}
			}
			if got := IsValid(from, to); got != expected {
				t.Fatalf("IsValid(%s, %s) = %v, want %v", from, to, got, expected)
			}
			err := Validate(from, to)
			if expected && err != nil {
				t.Fatalf("Validate(%s, %s) = %v", from, to, err)
			}
			if !expected && !errors.Is(err, job.ErrIllegalTransition) {
				t.Fatalf("Validate(%s, %s) = %v, want ErrIllegalTransition", from, to, err)
			}
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	t.Parallel()
	for _, s := range job.All() {
		if s.IsTerminal() && len(Allowed(s)) != 0 {
			t.Fatalf("%s has outgoing edges %v", s, Allowed(s))
		}
	}
}

func TestValidWalk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		seq  []job.Status
		want bool
	}{
		{"run to done", []job.Status{job.Waiting, job.Processing, job.Done}, true},
		{"postponed run", []job.Status{job.Waiting, job.Postponed, job.Postponed, job.Processing, job.Timeout}, true},
		{"resume then cancel", []job.Status{job.Postponed, job.Waiting, job.Canceled}, true},
		{"skip processing", []job.Status{job.Waiting, job.Done}, false},
		{"revive terminal", []job.Status{job.Failed, job.Waiting}, false},
	}
	for _, tt := range tests {
		if got := ValidWalk(tt.seq); got != tt.want {
			t.Fatalf("%s: ValidWalk = %v, want %v", tt.name, got, tt.want)
		}
	}
}
