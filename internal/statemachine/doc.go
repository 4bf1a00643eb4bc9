// Package statemachine owns job status changes.
//
// The transition table is pure data. Machine applies a validated transition
// as a single compare-and-set against the store ("set status=T where id=I
// and status=S"); that conditional write is the only concurrency control
// between dispatchers, in this process or any other.
package statemachine
