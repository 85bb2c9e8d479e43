// Package orchestrator is the entry point for every pipeline trigger.
//
// Handle resolves the thread an event belongs to, replays the cached result
// of an event that already succeeded, runs the stage processor registered
// for the thread's stage, passes any proposed action through the decision
// gate and commits the outcome in one store transaction: the thread update,
// the drafts, strategies and actions, the continuation jobs and the ledger
// entry land together or not at all. Approved actions are delivered after
// the commit and marked executed once delivery succeeds.
//
// Per-thread ordering comes from the store: a commit names the stage and
// version it was computed against and is discarded as stale when either has
// moved. No in-process locks are held across a Handle call, so any number of
// workers may run against the same store.
//
// The Sweeper covers what the event path does not: silence timeouts,
// conflict scans, relaying outbox jobs a crash left behind and redelivering
// actions stuck in approved. The Scheduler runs it on a ticker; Temporal can
// run it instead (see package workflows).
package orchestrator
