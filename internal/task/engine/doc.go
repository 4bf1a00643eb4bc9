// Package engine is the bounded worker pool that runs claimed jobs.
//
// Each slot runs one job's behavior and records its terminal status through
// the state machine. Timeout, kill and shutdown cancel the behavior's
// context and give it KillGrace to return. After that the slot writes
// TIMEOUT or KILLED and frees itself whether or not the behavior returned,
// so a behavior that ignores its context may still be running after its
// job is already terminal.
//
// Delivery is at least once. A worker that dies after a behavior's side
// effects but before the terminal write leaves the job PROCESSING; the
// reaper then marks it TIMEOUT and a retry or recurrence runs the work
// again under a new job id. Behaviors should be idempotent.
package engine
