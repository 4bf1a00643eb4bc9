package job

import "time"

// Successor returns the job that supersedes a terminal job, or nil.
//
//   - FAILED or TIMEOUT with retries left: a retry, RetryInterval from now.
//   - otherwise, DONE/FAILED/TIMEOUT with an Interval: the next occurrence,
//     with the retry budget restored.
//   - CANCELED and KILLED end the chain.
//
// The successor has no id yet (the store assigns a new one) and links back
// through Previous. It starts POSTPONED when its ScheduledAt lies ahead.
func Successor(j *Job, now time.Time) (*Job, error) {
	if j == nil || !j.Status.IsTerminal() {
		return nil, nil
	}
	switch j.Status {
	case Canceled, Killed:
		return nil, nil
	}

	if (j.Status == Failed || j.Status == Timeout) && j.Retry > 0 {
		next := successorBase(j)
		next.Retry = j.Retry - 1
		next.RetryMax = j.RetryMax
		next.ScheduledAt = now.Add(j.RetryInterval)
		next.Status = initialStatus(next.ScheduledAt, now)
		return next, nil
	}

	if j.Interval == "" {
		return nil, nil
	}
	sch, err := ParseSchedule(j.Interval)
	if err != nil {
		return nil, err
	}
	// Anchor on the previous fire time so recurrences do not drift with
	// execution time, but never schedule into the past.
	anchor := j.ScheduledAt
	if anchor.IsZero() || anchor.After(now) {
		anchor = now
	}
	at := sch.Next(anchor)
	for !at.IsZero() && !at.After(now) {
		at = sch.Next(at)
	}
	next := successorBase(j)
	next.Retry = j.RetryMax
	next.RetryMax = j.RetryMax
	next.ScheduledAt = at
	next.Status = initialStatus(at, now)
	return next, nil
}

func successorBase(j *Job) *Job {
	return &Job{
		Kind:          j.Kind,
		Payload:       j.Data(),
		Interval:      j.Interval,
		RetryInterval: j.RetryInterval,
		Timeout:       j.Timeout,
		Previous:      j.ID,
	}
}

// InitialStatus is POSTPONED for a future scheduledAt, WAITING otherwise.
func InitialStatus(scheduledAt, now time.Time) Status { return initialStatus(scheduledAt, now) }

func initialStatus(at, now time.Time) Status {
	if !at.IsZero() && at.After(now) {
		return Postponed
	}
	return Waiting
}
