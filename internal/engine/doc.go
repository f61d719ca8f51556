// Package engine runs a single-client speed test against a Prober.
//
// An Engine owns the state of one measurement at a time: the active Phase,
// the per-phase Progress, the live CurrentValue and the Metrics bundle.
// Callers start a run with Start, observe it through Snapshot, and cancel it
// with Reset or Close. Each successful run resolves its Run handle and invokes
// the completion callback exactly once with the rounded Metrics.
package engine
