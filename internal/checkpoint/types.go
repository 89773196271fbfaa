package checkpoint

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Checkpoint is one durable snapshot of a run.
type Checkpoint struct {
	// RunID is the run this checkpoint belongs to.
	RunID string `json:"run_id"`

	// Seq is the position in the run's checkpoint sequence, starting
	// at 1 and strictly increasing.
	Seq int `json:"seq"`

	// Phase and Status mirror the snapshot state, so listings can
	// report a run's position without decoding the full state.
	Phase  run.Phase  `json:"phase"`
	Status run.Status `json:"status"`

	// State is the complete run state at checkpoint time.
	State run.State `json:"state"`

	CreatedAt time.Time `json:"created_at"`
}

// WriteError indicates a checkpoint could not be made durable. The
// state transition it was guarding must be treated as not having
// happened.
type WriteError struct {
	RunID string
	Seq   int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write checkpoint %d for %s: %v", e.Seq, e.RunID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
