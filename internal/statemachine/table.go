package statemachine

import (
	"fmt"

	"tasksched/internal/job"
)

// Transition is one allowed edge of the lifecycle graph.
type Transition struct {
	From job.Status
	To   job.Status
}

// Transitions lists every allowed edge. Terminal statuses have none.
var Transitions = []Transition{
	{From: job.Waiting, To: job.Processing},
	{From: job.Waiting, To: job.Postponed},
	{From: job.Waiting, To: job.Canceled},

	{From: job.Postponed, To: job.Waiting},
	{From: job.Postponed, To: job.Processing},
	{From: job.Postponed, To: job.Canceled},

	{From: job.Processing, To: job.Done},
	{From: job.Processing, To: job.Failed},
	{From: job.Processing, To: job.Killed},
	{From: job.Processing, To: job.Timeout},
}

var allowed = func() map[job.Status]map[job.Status]struct{} {
	m := map[job.Status]map[job.Status]struct{}{}
	for _, t := range Transitions {
		if m[t.From] == nil {
			m[t.From] = map[job.Status]struct{}{}
		}
		m[t.From][t.To] = struct{}{}
	}
	return m
}()

// IsValid reports whether from -> to is in the table.
func IsValid(from, to job.Status) bool {
	_, ok := allowed[from][to]
	return ok
}

// Validate returns ErrIllegalTransition for edges outside the table.
func Validate(from, to job.Status) error {
	if IsValid(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", job.ErrIllegalTransition, from, to)
}

// Allowed returns the targets reachable from s, in table order.
func Allowed(s job.Status) []job.Status {
	var out []job.Status
	for _, t := range Transitions {
		if t.From == s {
			out = append(out, t.To)
		}
	}
	return out
}

// ValidWalk reports whether seq is a path through the table. Repeated
// observations of the same status are allowed.
func ValidWalk(seq []job.Status) bool {
	for i := 1; i < len(seq); i++ {
		if seq[i] == seq[i-1] {
			continue
		}
		if !IsValid(seq[i-1], seq[i]) {
			return false
		}
	}
	return true
}
