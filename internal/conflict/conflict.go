// Package conflict detects and arbitrates disagreements between agent
// outputs produced in the same deliberation round.
//
// Agents state their stances as POSITION[topic] directives in their
// output. The detector groups directives by topic and opens a Record
// for every topic where at least two personas hold materially different
// stances. The resolver then either auto-resolves the record from the
// configured persona precedence or escalates it to a human reviewer.
//
// Arbitration is final: once a question has been resolved for a run it
// is never re-litigated, even when a later round produces the same
// disagreement again.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of disagreement a record captures.
type Type string

const (
	// TypeDisagreement is a direct contradiction between stances.
	TypeDisagreement Type = "disagreement"
	// TypeImplementationChoice is a dispute over which approach or
	// technology to use.
	TypeImplementationChoice Type = "implementation_choice"
	// TypePriority is a dispute over ordering or urgency of work.
	TypePriority Type = "priority"
	// TypeTradeoff is a dispute over which cost is acceptable to pay.
	TypeTradeoff Type = "tradeoff"
)

// Severity grades how strongly the involved personas hold their stances.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    0,
	SeverityMedium: 1,
	SeverityHigh:   2,
}

// maxSeverity returns the stronger of two severities.
func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Action records how a conflict left the open state.
type Action string

const (
	// ActionAutoResolved means persona precedence settled the conflict
	// without human involvement.
	ActionAutoResolved Action = "auto_resolved"
	// ActionEscalated means the conflict was handed to a human reviewer.
	ActionEscalated Action = "escalated_to_human"
)

// Record is one detected conflict and its arbitration outcome. Records
// are persisted in run state and survive checkpoints, so every field
// must round-trip through JSON.
type Record struct {
	ID       string   `json:"id"`
	Phase    string   `json:"phase"`
	Question string   `json:"question"`
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`

	// Personas lists the involved personas in sorted order.
	Personas []string `json:"personas"`
	// Positions maps each involved persona to its stance, verbatim as
	// stated in the agent output.
	Positions map[string]string `json:"positions"`

	Resolution string `json:"resolution,omitempty"`
	Action     Action `json:"action,omitempty"`
	Open       bool   `json:"open"`

	// ClassificationNote is set when the taxonomy could not classify
	// the disagreement and the record fell back to high severity.
	ClassificationNote string `json:"classification_note,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Close marks the record resolved. Closing an already closed record is
// a no-op; resolved questions never re-open.
func (r *Record) Close(action Action, resolution string) {
	if !r.Open && r.Action != "" {
		return
	}
	r.Open = false
	r.Action = action
	r.Resolution = resolution
	now := time.Now().UTC()
	r.ClosedAt = &now
}

// NewRecordID returns a fresh conflict record identifier.
func NewRecordID() string {
	return "cfl_" + uuid.NewString()[:8]
}

// NormalizeQuestion canonicalizes a topic for identity comparison.
// Two questions that differ only in case or whitespace are the same
// question for arbitration purposes.
func NormalizeQuestion(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// TaxonomyError indicates a disagreement that could not be classified
// cleanly against the conflict taxonomy. The record is still created,
// at high severity, so the ambiguity reaches a human instead of being
// silently auto-resolved.
type TaxonomyError struct {
	Question string
	Reason   string
}

func (e *TaxonomyError) Error() string {
	return fmt.Sprintf("conflict %q cannot be classified: %s", e.Question, e.Reason)
}
