// Package checkpoint persists run state as an append-only sequence of
// snapshots.
//
// A checkpoint is written immediately before a phase entry action runs
// and immediately after it completes, so the engine can always resume
// from the highest sequence number: either re-entering the interrupted
// phase or picking up the next pending one. Checkpoints are never
// rewritten; a failed write aborts the transition and leaves the prior
// checkpoint current.
package checkpoint
