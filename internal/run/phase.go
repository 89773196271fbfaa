package run

import "fmt"

// Phase is one stage of the fixed deliberation sequence. Every run
// moves through the phases in order; there are no skips and no
// alternate routes.
type Phase string

const (
	PhaseAnalysis       Phase = "analysis"
	PhaseDesign         Phase = "design"
	PhaseFinalization   Phase = "finalization"
	PhaseImplementation Phase = "implementation"
)

// phaseOrder fixes the transition sequence.
var phaseOrder = []Phase{
	PhaseAnalysis,
	PhaseDesign,
	PhaseFinalization,
	PhaseImplementation,
}

// Phases returns the full sequence in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// FirstPhase returns the phase every new run enters.
func FirstPhase() Phase {
	return phaseOrder[0]
}

// ParsePhase converts a string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid phase: %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	for _, known := range phaseOrder {
		if p == known {
			return true
		}
	}
	return false
}

// Index returns the position of p in the sequence, or -1 when p is not
// a defined phase.
func (p Phase) Index() int {
	for i, known := range phaseOrder {
		if p == known {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p. The second return is false
// when p is the last phase or not a defined phase.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}

// Before reports whether p precedes other in the sequence.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}
