// Package job defines the schedulable unit of work: identity, opaque payload,
// lifecycle status and scheduling metadata, plus the Startable capability a
// worker slot invokes.
//
// Jobs are plain data. Status changes are never made by mutating a Job in
// place; they go through statemachine.Machine, which turns every transition
// into an atomic conditional update against the store.
package job
