// Package storage is the persisted job collection behind the scheduler.
//
// Every backend implements the same Store contract: inserts that reject
// duplicate ids, atomic status compare-and-set (ConditionalUpdate), lazy
// finite queries (Find) and, where the technology allows it, a change stream
// (Watch). Claim arbitration between dispatchers relies on nothing else.
//
// Drivers:
//   - "memory": in-process map, used by tests and single-node setups
//   - "sqlite": modernc.org/sqlite file database
//   - "postgres": lib/pq, LISTEN/NOTIFY change stream
//   - "mongo": official driver, change streams
package storage
