package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

func TestNewRegistry_Defaults(t *testing.T) {
	r, err := NewRegistry(config.DefaultPersonas())
	require.NoError(t, err)

	assert.Equal(t, []string{"architect", "security_reviewer", "senior_engineer", "tester"}, r.Names())

	architect, ok := r.Get("architect")
	require.True(t, ok)
	assert.NotEmpty(t, architect.Prompt, "built-in charter fills the empty prompt")

	_, ok = r.Get("intern")
	assert.False(t, ok)
}

func TestNewRegistry_PhaseMembership(t *testing.T) {
	r, err := NewRegistry(config.DefaultPersonas())
	require.NoError(t, err)

	names := func(ps []Persona) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.Name
		}
		return out
	}

	assert.Equal(t, []string{"architect", "senior_engineer", "tester"}, names(r.ForPhase(run.PhaseAnalysis)))
	assert.Equal(t, []string{"architect", "senior_engineer", "tester", "security_reviewer"}, names(r.ForPhase(run.PhaseDesign)))
	assert.Equal(t, []string{"architect"}, names(r.ForPhase(run.PhaseFinalization)))
	assert.Equal(t, []string{"senior_engineer", "tester", "security_reviewer"}, names(r.ForPhase(run.PhaseImplementation)))
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfgs []config.PersonaConfig
	}{
		{name: "empty list", cfgs: nil},
		{name: "empty name", cfgs: []config.PersonaConfig{{Name: "", Phases: []string{"design"}}}},
		{
			name: "duplicate name",
			cfgs: []config.PersonaConfig{
				{Name: "architect", Phases: []string{"design"}},
				{Name: "architect", Phases: []string{"analysis"}},
			},
		},
		{name: "no phases", cfgs: []config.PersonaConfig{{Name: "architect"}}},
		{name: "invalid phase", cfgs: []config.PersonaConfig{{Name: "architect", Phases: []string{"review"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.cfgs)
			assert.Error(t, err)
		})
	}
}

func TestNewRegistry_PromptOverride(t *testing.T) {
	r, err := NewRegistry([]config.PersonaConfig{
		{Name: "architect", Role: "design", Prompt: "custom charter", Phases: []string{"design"}},
	})
	require.NoError(t, err)

	p, _ := r.Get("architect")
	assert.Equal(t, "custom charter", p.Prompt)
}

func TestRegistry_Reload(t *testing.T) {
	r, err := NewRegistry(config.DefaultPersonas())
	require.NoError(t, err)

	err = r.Reload([]config.PersonaConfig{
		{Name: "architect", Role: "design", Phases: []string{"design"}},
		{Name: "sre", Role: "operations", Prompt: "keep it running", Phases: []string{"implementation"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"architect", "sre"}, r.Names())
	sre, ok := r.Get("sre")
	require.True(t, ok)
	assert.Equal(t, "keep it running", sre.Prompt)
	assert.Empty(t, r.ForPhase(run.PhaseAnalysis), "dropped personas leave their phases")

	// An invalid reload leaves the current set untouched.
	err = r.Reload(nil)
	require.Error(t, err)
	assert.Equal(t, []string{"architect", "sre"}, r.Names())
}

func TestBuildPrompt(t *testing.T) {
	r, err := NewRegistry(config.DefaultPersonas())
	require.NoError(t, err)
	tester, _ := r.Get("tester")

	prompt := tester.BuildPrompt(run.PhaseDesign, "add rate limiting to the API", []string{"cover the burst case"})

	assert.Contains(t, prompt, "tester reviewer")
	assert.Contains(t, prompt, "Current phase: design")
	assert.Contains(t, prompt, "add rate limiting to the API")
	assert.Contains(t, prompt, "- cover the burst case")
	assert.Contains(t, prompt, "POSITION[<topic>]:", "stance convention always included")
}

func TestBuildPrompt_NoFeedback(t *testing.T) {
	p := Persona{Name: "tester", Role: "testing"}
	prompt := p.BuildPrompt(run.PhaseAnalysis, "task", nil)
	assert.NotContains(t, prompt, "Reviewer feedback")
}
