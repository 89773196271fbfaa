package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPrecedence_Winner(t *testing.T) {
	precedence := ListPrecedence{"architect", "senior_engineer", "tester"}

	tests := []struct {
		name     string
		personas []string
		want     string
		wantOK   bool
	}{
		{name: "earliest wins", personas: []string{"tester", "architect"}, want: "architect", wantOK: true},
		{name: "single ranked", personas: []string{"tester"}, want: "tester", wantOK: true},
		{name: "unranked personas", personas: []string{"intern", "contractor"}, wantOK: false},
		{name: "mixed ranked and unranked", personas: []string{"intern", "senior_engineer"}, want: "senior_engineer", wantOK: true},
		{name: "empty", personas: nil, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := precedence.Winner(tt.personas)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewResolver_RequiresPrecedence(t *testing.T) {
	_, err := NewResolver(nil)
	require.Error(t, err)

	r, err := NewResolver(ListPrecedence{"architect"})
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestResolver_Reload(t *testing.T) {
	r, err := NewResolver(ListPrecedence{"architect", "tester"})
	require.NoError(t, err)

	require.Error(t, r.Reload(nil))
	require.NoError(t, r.Reload(ListPrecedence{"tester", "architect"}))

	records := []Record{{
		ID:       NewRecordID(),
		Question: "api versioning",
		Severity: SeverityMedium,
		Personas: []string{"architect", "tester"},
		Positions: map[string]string{
			"architect": "keep v1 frozen",
			"tester":    "break v1 now",
		},
		Open: true,
	}}
	assert.Empty(t, r.Resolve(records))
	assert.Equal(t, "break v1 now", records[0].Resolution,
		"reloaded order puts tester first")
}

func TestResolve_AutoResolvesWithPrecedence(t *testing.T) {
	r, err := NewResolver(ListPrecedence{"architect", "tester"})
	require.NoError(t, err)

	records := []Record{{
		ID:       NewRecordID(),
		Question: "api versioning",
		Type:     TypeDisagreement,
		Severity: SeverityMedium,
		Personas: []string{"architect", "tester"},
		Positions: map[string]string{
			"architect": "keep v1 frozen and add v2 endpoints",
			"tester":    "break v1 now",
		},
		Open: true,
	}}

	escalated := r.Resolve(records)
	assert.Empty(t, escalated)

	rec := records[0]
	assert.False(t, rec.Open)
	assert.Equal(t, ActionAutoResolved, rec.Action)
	assert.Equal(t, "keep v1 frozen and add v2 endpoints", rec.Resolution,
		"resolution adopts the winner's position verbatim")
	require.NotNil(t, rec.ClosedAt)
}

func TestResolve_HighSeverityEscalates(t *testing.T) {
	r, err := NewResolver(ListPrecedence{"architect", "security_reviewer"})
	require.NoError(t, err)

	records := []Record{{
		ID:       NewRecordID(),
		Question: "session handling",
		Type:     TypeDisagreement,
		Severity: SeverityHigh,
		Personas: []string{"architect", "security_reviewer"},
		Positions: map[string]string{
			"architect":         "sessions are fine",
			"security_reviewer": "sessions must be replaced, this is a security problem",
		},
		Open: true,
	}}

	escalated := r.Resolve(records)
	require.Len(t, escalated, 1)

	rec := records[0]
	assert.True(t, rec.Open, "escalated conflicts stay open for a human")
	assert.Equal(t, ActionEscalated, rec.Action)
	assert.Empty(t, rec.Resolution)
	assert.Nil(t, rec.ClosedAt)
}

func TestResolve_NoRankedWinnerEscalates(t *testing.T) {
	r, err := NewResolver(ListPrecedence{"architect"})
	require.NoError(t, err)

	records := []Record{{
		ID:       NewRecordID(),
		Question: "test strategy",
		Severity: SeverityLow,
		Personas: []string{"intern", "contractor"},
		Positions: map[string]string{
			"intern":     "unit tests only",
			"contractor": "integration tests only",
		},
		Open: true,
	}}

	escalated := r.Resolve(records)
	require.Len(t, escalated, 1)
	assert.True(t, records[0].Open)
	assert.Equal(t, ActionEscalated, records[0].Action)
}

func TestResolve_SkipsClosedRecords(t *testing.T) {
	r, err := NewResolver(ListPrecedence{"architect"})
	require.NoError(t, err)

	records := []Record{{
		ID:         NewRecordID(),
		Question:   "api versioning",
		Severity:   SeverityLow,
		Personas:   []string{"architect", "tester"},
		Positions:  map[string]string{"architect": "a", "tester": "b"},
		Open:       false,
		Action:     ActionAutoResolved,
		Resolution: "a",
	}}

	escalated := r.Resolve(records)
	assert.Empty(t, escalated)
	assert.Equal(t, "a", records[0].Resolution)
}

func TestResolve_EndToEndWithDetect(t *testing.T) {
	outputs := map[string]string{
		"architect":       "POSITION[queue]: we should use NATS instead of polling",
		"senior_engineer": "POSITION[queue]: polling is simpler",
		"tester": `POSITION[queue]: polling is simpler
POSITION[auth]: tokens must never touch logs`,
		"security_reviewer": "POSITION[auth]: log redacted tokens for debugging",
	}

	records, err := Detect("design", outputs, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	r, err := NewResolver(ListPrecedence{"architect", "senior_engineer", "tester", "security_reviewer"})
	require.NoError(t, err)

	escalated := r.Resolve(records)
	require.Len(t, escalated, 1)
	assert.Equal(t, "auth", escalated[0].Question, "high severity auth dispute escalates")

	var queue Record
	for _, rec := range records {
		if rec.Question == "queue" {
			queue = rec
		}
	}
	assert.Equal(t, TypeImplementationChoice, queue.Type)
	assert.False(t, queue.Open)
	assert.Equal(t, "we should use NATS instead of polling", queue.Resolution)
}
