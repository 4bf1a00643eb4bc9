// Package scheduler is the dispatcher and the submission API.
//
// The dispatcher polls the store for eligible jobs, reserves a worker slot,
// claims the job with an atomic conditional update and hands it to the
// worker pool. Several dispatchers may share one store; the conditional
// update guarantees each job is claimed once.
//
// The dispatcher also runs:
//   - a reaper that times out PROCESSING jobs whose worker vanished
//   - a kill consumer that stops local slots on request from any instance
//   - a watch consumer that wakes polling on store changes
package scheduler
