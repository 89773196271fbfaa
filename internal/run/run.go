// Package run defines the run lifecycle model: the phase sequence, run
// status, and the mutable state that checkpoints persist.
//
// A run is one end-to-end execution of the deliberation pipeline for a
// single task. Its state accumulates everything later phases and
// restarts need: per-phase attempt counts, conflict records with their
// arbitration outcomes, adopted decisions, artifact references, and
// human feedback items. State must round-trip through JSON unchanged,
// since crash recovery rebuilds a run purely from its last checkpoint.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
)

// Status describes where a run is in its lifecycle.
type Status string

const (
	// StatusPending means the run (or its next phase) has been admitted
	// but not yet entered.
	StatusPending Status = "pending"
	// StatusRunning means a phase is actively executing.
	StatusRunning Status = "running"
	// StatusPausedForHuman means execution is suspended on an escalated
	// conflict or review gate. The phase position is retained; this is
	// a suspension, not a phase.
	StatusPausedForHuman Status = "paused_for_human"
	// StatusFailed means a phase entry action failed. Failed runs can
	// be restarted from their last checkpoint.
	StatusFailed Status = "failed"
	// StatusCompleted means the final phase finished and its exit
	// predicate held.
	StatusCompleted Status = "completed"
)

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusPausedForHuman, StatusFailed, StatusCompleted:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status: %q", s)
	}
}

// Terminal reports whether the run has stopped executing. Failed runs
// are terminal until explicitly restarted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Decision is one settled question the run carries forward. Decisions
// come from conflict auto-resolution, human arbitration, or phase
// outputs, and are part of every later phase's context.
type Decision struct {
	Question  string    `json:"question"`
	Outcome   string    `json:"outcome"`
	Phase     Phase     `json:"phase"`
	Source    string    `json:"source"`
	DecidedAt time.Time `json:"decided_at"`
}

// Decision sources.
const (
	DecisionSourceAuto  = "auto"
	DecisionSourceHuman = "human"
	DecisionSourcePhase = "phase"
)

// ArtifactRef points at one persisted agent output.
type ArtifactRef struct {
	Key       string    `json:"key"`
	Phase     Phase     `json:"phase"`
	Persona   string    `json:"persona"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackItem is one piece of human feedback routed to a phase. A
// forced re-entry appends the item without resetting any accumulated
// context; the re-entered phase consumes it.
type FeedbackItem struct {
	// CommentID is the source comment when the feedback arrived through
	// the review loop, zero otherwise.
	CommentID  int64     `json:"comment_id,omitempty"`
	Phase      Phase     `json:"phase"`
	Author     string    `json:"author,omitempty"`
	Body       string    `json:"body"`
	Consumed   bool      `json:"consumed"`
	ReceivedAt time.Time `json:"received_at"`
}

// State is the full mutable record of a run. Checkpoints persist it
// verbatim.
type State struct {
	RunID string `json:"run_id"`
	Task  string `json:"task"`

	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`

	// Attempts counts entries per phase, including forced re-entries.
	Attempts map[Phase]int `json:"attempts,omitempty"`

	Conflicts []conflict.Record `json:"conflicts,omitempty"`
	Decisions []Decision        `json:"decisions,omitempty"`
	Artifacts []ArtifactRef     `json:"artifacts,omitempty"`
	Feedback  []FeedbackItem    `json:"feedback,omitempty"`

	// LastCommentID is the review-loop consumption marker. Comments at
	// or below it have been processed and replied to.
	LastCommentID int64 `json:"last_comment_id,omitempty"`
	// PRNumber is the pull request opened for this run, zero before
	// the implementation phase creates one.
	PRNumber int `json:"pr_number,omitempty"`

	// Error holds the failure reason when Status is failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh run identifier.
func NewID() string {
	return "run_" + uuid.NewString()[:8]
}

// NewState creates the initial state for a task: first phase, pending
// entry.
func NewState(task string) *State {
	now := time.Now().UTC()
	return &State{
		RunID:     NewID(),
		Task:      task,
		Phase:     FirstPhase(),
		Status:    StatusPending,
		Attempts:  make(map[Phase]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the invariants every persisted state must hold.
func (s *State) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("invalid phase: %q", s.Phase)
	}
	if _, err := ParseStatus(string(s.Status)); err != nil {
		return err
	}
	return nil
}

// Touch bumps the modification time.
func (s *State) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy, detached from every slice and map of the
// original.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	if out.Attempts == nil {
		out.Attempts = make(map[Phase]int)
	}
	return &out, nil
}

// NextAttempt increments and returns the attempt counter for a phase.
// The first entry of a phase is attempt 1.
func (s *State) NextAttempt(phase Phase) int {
	if s.Attempts == nil {
		s.Attempts = make(map[Phase]int)
	}
	s.Attempts[phase]++
	return s.Attempts[phase]
}

// Attempt returns the number of times a phase has been entered.
func (s *State) Attempt(phase Phase) int {
	return s.Attempts[phase]
}

// OpenConflicts returns the conflicts still awaiting resolution.
func (s *State) OpenConflicts() []conflict.Record {
	var open []conflict.Record
	for _, rec := range s.Conflicts {
		if rec.Open {
			open = append(open, rec)
		}
	}
	return open
}

// OpenHighSeverity reports whether any open conflict is high severity.
// The design phase cannot exit while this holds.
func (s *State) OpenHighSeverity() bool {
	for _, rec := range s.Conflicts {
		if rec.Open && rec.Severity == conflict.SeverityHigh {
			return true
		}
	}
	return false
}

// ConflictByID returns a pointer into the state's conflict slice, or
// nil when no record has the given ID.
func (s *State) ConflictByID(id string) *conflict.Record {
	for i := range s.Conflicts {
		if s.Conflicts[i].ID == id {
			return &s.Conflicts[i]
		}
	}
	return nil
}

// AppendConflicts adds newly detected records to the state.
func (s *State) AppendConflicts(records []conflict.Record) {
	s.Conflicts = append(s.Conflicts, records...)
}

// AppendDecision records a settled question.
func (s *State) AppendDecision(d Decision) {
	s.Decisions = append(s.Decisions, d)
}

// AppendArtifact records a persisted agent output.
func (s *State) AppendArtifact(ref ArtifactRef) {
	s.Artifacts = append(s.Artifacts, ref)
}

// AppendFeedback routes a feedback item to a phase.
func (s *State) AppendFeedback(item FeedbackItem) {
	s.Feedback = append(s.Feedback, item)
}

// PendingFeedback returns the unconsumed feedback items addressed to a
// phase, in arrival order.
func (s *State) PendingFeedback(phase Phase) []FeedbackItem {
	var pending []FeedbackItem
	for _, item := range s.Feedback {
		if item.Phase == phase && !item.Consumed {
			pending = append(pending, item)
		}
	}
	return pending
}

// ConsumeFeedback marks every unconsumed item addressed to the phase
// as consumed.
func (s *State) ConsumeFeedback(phase Phase) {
	for i := range s.Feedback {
		if s.Feedback[i].Phase == phase {
			s.Feedback[i].Consumed = true
		}
	}
}

// PhaseArtifacts returns the artifact references recorded for a phase,
// in persistence order.
func (s *State) PhaseArtifacts(phase Phase) []ArtifactRef {
	var refs []ArtifactRef
	for _, ref := range s.Artifacts {
		if ref.Phase == phase {
			refs = append(refs, ref)
		}
	}
	return refs
}
