package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Persona is one named reviewer taking part in deliberation rounds.
type Persona struct {
	Name   string
	Role   string
	Prompt string
	Tags   []string
	Phases []run.Phase
}

// participates reports whether the persona is registered for a phase.
func (p Persona) participates(phase run.Phase) bool {
	for _, ph := range p.Phases {
		if ph == phase {
			return true
		}
	}
	return false
}

// builtinPrompts are the charters for the stock persona table. A
// persona configured with an explicit prompt overrides its entry.
var builtinPrompts = map[string]string{
	"architect": "Evaluate structure, boundaries, and long-term consequences. " +
		"Name the parts of the system the task touches and how they should fit together. " +
		"Call out coupling, migration paths, and anything that will be hard to change later.",
	"senior_engineer": "Plan the concrete implementation. " +
		"Break the work into ordered changes, name the files and interfaces involved, " +
		"and flag anything underspecified before code gets written.",
	"tester": "Find the ways this change breaks. " +
		"Enumerate edge cases, failure modes, and the tests that must exist before merging. " +
		"Treat unverified behavior as broken.",
	"security_reviewer": "Review for security impact. " +
		"Trace untrusted input, authentication and authorization boundaries, and secret handling. " +
		"A finding you cannot rule out is a finding.",
}

// phaseInstructions tell every persona what its output owes the
// current phase.
var phaseInstructions = map[run.Phase]string{
	run.PhaseAnalysis: "Decompose the task. List the requirements you can verify, " +
		"the unknowns that block design, and the risks worth tracking.",
	run.PhaseDesign: "Propose the approach you would take and defend it. " +
		"Where you disagree with a plausible alternative, say so explicitly.",
	run.PhaseFinalization: "Consolidate the accepted decisions into one final plan. " +
		"Do not introduce new alternatives; resolve remaining wording only.",
	run.PhaseImplementation: "Produce the change plan: files to touch, the shape of each " +
		"change, and the tests that prove it. Be concrete enough to execute.",
}

// positionInstructions make stances machine-detectable. The conflict
// detector parses exactly this line shape.
const positionInstructions = "When you take a stance another reviewer might dispute, state it " +
	"on its own line as:\n\n" +
	"  POSITION[<topic>]: <your stance in one sentence>\n\n" +
	"Use the short topic name other reviewers would naturally use, one " +
	"POSITION line per topic."

// BuildPrompt renders the full prompt for one call: persona charter,
// phase instructions, the task, any routed feedback, and the stance
// convention. The accumulated context packet travels separately.
func (p Persona) BuildPrompt(phase run.Phase, task string, feedback []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s reviewer: %s.\n\n", p.Name, p.Role)
	if p.Prompt != "" {
		b.WriteString(p.Prompt)
		b.WriteString("\n\n")
	}
	if instr, ok := phaseInstructions[phase]; ok {
		fmt.Fprintf(&b, "Current phase: %s. %s\n\n", phase, instr)
	}
	fmt.Fprintf(&b, "Task:\n%s\n\n", task)
	if len(feedback) > 0 {
		b.WriteString("Reviewer feedback to address this pass:\n")
		for _, item := range feedback {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}
	b.WriteString(positionInstructions)
	return b.String()
}

// Registry is the closed set of personas for a deployment, loaded from
// configuration at startup and replaceable on config reload.
type Registry struct {
	mu      sync.RWMutex
	ordered []Persona
	byName  map[string]Persona
}

// NewRegistry builds a registry from persona configuration. Personas
// without an explicit prompt get the built-in charter for their name,
// falling back to the role text alone.
func NewRegistry(cfgs []config.PersonaConfig) (*Registry, error) {
	ordered, byName, err := buildPersonas(cfgs)
	if err != nil {
		return nil, err
	}
	return &Registry{ordered: ordered, byName: byName}, nil
}

func buildPersonas(cfgs []config.PersonaConfig) ([]Persona, map[string]Persona, error) {
	if len(cfgs) == 0 {
		return nil, nil, fmt.Errorf("at least one persona is required")
	}
	var ordered []Persona
	byName := make(map[string]Persona, len(cfgs))
	for _, pc := range cfgs {
		if pc.Name == "" {
			return nil, nil, fmt.Errorf("persona name cannot be empty")
		}
		if _, dup := byName[pc.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate persona %q", pc.Name)
		}
		if len(pc.Phases) == 0 {
			return nil, nil, fmt.Errorf("persona %q participates in no phases", pc.Name)
		}
		p := Persona{
			Name:   pc.Name,
			Role:   pc.Role,
			Prompt: pc.Prompt,
			Tags:   append([]string(nil), pc.Tags...),
		}
		if p.Prompt == "" {
			p.Prompt = builtinPrompts[pc.Name]
		}
		for _, raw := range pc.Phases {
			phase, err := run.ParsePhase(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("persona %q: %w", pc.Name, err)
			}
			p.Phases = append(p.Phases, phase)
		}
		byName[p.Name] = p
		ordered = append(ordered, p)
	}
	return ordered, byName, nil
}

// Reload replaces the persona set. Rounds already in flight keep the
// personas they started with; the next phase entry sees the new set.
func (r *Registry) Reload(cfgs []config.PersonaConfig) error {
	ordered, byName, err := buildPersonas(cfgs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ordered, r.byName = ordered, byName
	r.mu.Unlock()
	return nil
}

// Get returns a persona by name.
func (r *Registry) Get(name string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// All returns every persona in configuration order.
func (r *Registry) All() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ForPhase returns the personas registered for a phase, in
// configuration order.
func (r *Registry) ForPhase(phase run.Phase) []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Persona
	for _, p := range r.ordered {
		if p.participates(phase) {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the sorted persona names, for logs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
