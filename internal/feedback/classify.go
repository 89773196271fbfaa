package feedback

import (
	"strings"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Classification is the routing decision for one reviewer comment.
type Classification struct {
	// Phase is the phase the comment re-enters: design for
	// architectural feedback, implementation for code-level feedback.
	Phase run.Phase

	// ResolvesConflict is the ID of the open escalated conflict this
	// comment answers, empty when it answers none.
	ResolvesConflict string
}

// Markers for design-level feedback. A comment carrying any of these
// re-enters the design phase; everything else is code-level and
// re-enters implementation.
var designMarkers = []string{
	"architecture",
	"architectural",
	"design",
	"approach",
	"api shape",
	"interface",
	"schema",
	"data model",
	"rethink",
	"reconsider",
	"wrong direction",
	"overall structure",
}

// Paths whose review comments are design-level even without marker
// vocabulary. Doc and schema files carry design decisions.
var designPathSuffixes = []string{
	".md",
	".proto",
	".sql",
	"openapi.yaml",
	"openapi.yml",
}

// ClassifyPhase decides which phase a comment targets. Review comments
// pinned to a source file default to implementation; design vocabulary
// or a design-carrying path overrides that.
func ClassifyPhase(c github.Comment) run.Phase {
	body := strings.ToLower(c.Body)
	for _, marker := range designMarkers {
		if strings.Contains(body, marker) {
			return run.PhaseDesign
		}
	}
	if c.Path != "" {
		path := strings.ToLower(c.Path)
		for _, suffix := range designPathSuffixes {
			if strings.HasSuffix(path, suffix) {
				return run.PhaseDesign
			}
		}
	}
	return run.PhaseImplementation
}

// MatchConflict returns the ID of the open escalated conflict the
// comment answers, or empty. A comment matches by naming the record ID
// or by restating the disputed question.
func MatchConflict(c github.Comment, open []conflict.Record) string {
	body := strings.ToLower(c.Body)
	normalized := conflict.NormalizeQuestion(c.Body)
	for i := range open {
		rec := &open[i]
		if !rec.Open || rec.Action != conflict.ActionEscalated {
			continue
		}
		if rec.ID != "" && strings.Contains(body, strings.ToLower(rec.ID)) {
			return rec.ID
		}
		question := conflict.NormalizeQuestion(rec.Question)
		if question != "" && strings.Contains(normalized, question) {
			return rec.ID
		}
	}
	return ""
}

// Classify combines phase routing and conflict matching for one
// comment against a run's open escalations.
func Classify(c github.Comment, open []conflict.Record) Classification {
	return Classification{
		Phase:            ClassifyPhase(c),
		ResolvesConflict: MatchConflict(c, open),
	}
}
