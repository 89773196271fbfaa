// Package router decides which model backend serves an agent call.
//
// Routing is a pure function of the task descriptor and the configured
// limits: no stored state, no randomness. The same descriptor always
// routes to the same backend, so routing decisions can be replayed
// from logs.
package router

import "github.com/fyrsmithlabs/quorumd/internal/run"

// Backend identifies a model execution tier.
type Backend string

const (
	// BackendLocal is the cheap default tier.
	BackendLocal Backend = "local"
	// BackendRemote is the stronger, costlier tier.
	BackendRemote Backend = "remote"
)

// TaskDescriptor carries everything routing may consider about one
// agent call.
type TaskDescriptor struct {
	Phase        run.Phase `json:"phase"`
	DiffLines    int       `json:"diff_lines"`
	FilesTouched int       `json:"files_touched"`
	// RetryCount is how many times this call has already been retried.
	RetryCount int `json:"retry_count"`
	// Escalate forces the remote backend regardless of every other
	// attribute.
	Escalate bool `json:"escalate"`
}

// Limits are the routing thresholds, taken from configuration.
type Limits struct {
	// DiffLines is the largest diff the local backend handles.
	DiffLines int
	// Files is the largest file count the local backend handles.
	Files int
	// RetryThreshold is the retry count at which calls move to the
	// remote backend.
	RetryThreshold int
}

// DefaultLimits returns the stock thresholds.
func DefaultLimits() Limits {
	return Limits{DiffLines: 300, Files: 10, RetryThreshold: 2}
}

// Decision is a routing outcome and the rule that produced it.
type Decision struct {
	Backend Backend `json:"backend"`
	// Rule names the first matching rule, for logs.
	Rule string `json:"rule"`
}

// Rule names, in evaluation order.
const (
	RuleEscalation     = "explicit_escalation"
	RuleRetryThreshold = "retry_threshold"
	RuleFinalization   = "finalization_phase"
	RuleDiffSize       = "diff_size"
	RuleFilesTouched   = "files_touched"
	RuleDefault        = "default"
)

// Route picks a backend for the task. Rules are evaluated in a fixed
// order and the first match wins:
//
//  1. explicit escalation
//  2. retry count at or past the threshold
//  3. finalization phase
//  4. diff larger than the line limit
//  5. more files than the file limit
//  6. otherwise local
func Route(task TaskDescriptor, limits Limits) Decision {
	switch {
	case task.Escalate:
		return Decision{Backend: BackendRemote, Rule: RuleEscalation}
	case task.RetryCount >= limits.RetryThreshold:
		return Decision{Backend: BackendRemote, Rule: RuleRetryThreshold}
	case task.Phase == run.PhaseFinalization:
		return Decision{Backend: BackendRemote, Rule: RuleFinalization}
	case task.DiffLines > limits.DiffLines:
		return Decision{Backend: BackendRemote, Rule: RuleDiffSize}
	case task.FilesTouched > limits.Files:
		return Decision{Backend: BackendRemote, Rule: RuleFilesTouched}
	default:
		return Decision{Backend: BackendLocal, Rule: RuleDefault}
	}
}
