package conflict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePositions(t *testing.T) {
	content := `After reviewing the design doc I have two concerns.

POSITION[api versioning]: keep v1 frozen and add v2 endpoints
Some more prose that is not a directive.
  POSITION[storage backend]: use Redis rather than the filesystem
POSITION[]: empty topics are ignored
`
	positions := ParsePositions("architect", content)
	require.Len(t, positions, 2)

	assert.Equal(t, "architect", positions[0].Persona)
	assert.Equal(t, "api versioning", positions[0].Topic)
	assert.Equal(t, "keep v1 frozen and add v2 endpoints", positions[0].Stance)
	assert.Equal(t, "storage backend", positions[1].Topic)
	assert.Equal(t, "use Redis rather than the filesystem", positions[1].Stance)
}

func TestParsePositions_LastDirectiveWins(t *testing.T) {
	content := `POSITION[api versioning]: first thoughts
POSITION[API  Versioning]: settled stance`

	positions := ParsePositions("tester", content)
	require.Len(t, positions, 1)
	assert.Equal(t, "settled stance", positions[0].Stance)
}

func TestParsePositions_NoDirectives(t *testing.T) {
	assert.Nil(t, ParsePositions("tester", "plain prose with no directives"))
}

func TestDetect_AgreementProducesNoRecord(t *testing.T) {
	outputs := map[string]string{
		"architect": "POSITION[api versioning]: Keep v1 frozen",
		"tester":    "POSITION[api versioning]:   keep  V1 FROZEN",
	}

	records, err := Detect("design", outputs, nil)
	require.NoError(t, err)
	assert.Empty(t, records, "stances differing only in case and spacing agree")
}

func TestDetect_SinglePersonaProducesNoRecord(t *testing.T) {
	outputs := map[string]string{
		"architect": "POSITION[api versioning]: keep v1 frozen",
	}

	records, err := Detect("design", outputs, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDetect_RecordPerDisputedTopic(t *testing.T) {
	outputs := map[string]string{
		"architect": `POSITION[api versioning]: keep v1 frozen
POSITION[storage backend]: filesystem is enough`,
		"senior_engineer": `POSITION[api versioning]: break v1 now
POSITION[storage backend]: filesystem is enough`,
		"tester": `POSITION[api versioning]: keep v1 frozen`,
	}

	records, err := Detect("design", outputs, nil)
	require.NoError(t, err)
	require.Len(t, records, 1, "only the disputed topic opens a record")

	rec := records[0]
	assert.Equal(t, "api versioning", rec.Question)
	assert.Equal(t, "design", rec.Phase)
	assert.Equal(t, []string{"architect", "senior_engineer", "tester"}, rec.Personas)
	assert.Equal(t, "keep v1 frozen", rec.Positions["architect"])
	assert.Equal(t, "break v1 now", rec.Positions["senior_engineer"])
	assert.True(t, rec.Open)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestDetect_OrderIndependent(t *testing.T) {
	outputs := map[string]string{
		"tester":          "POSITION[rollout]: ship behind a flag",
		"architect":       "POSITION[rollout]: ship to everyone at once",
		"senior_engineer": "POSITION[rollout]: ship behind a flag",
		"security_reviewer": `POSITION[rollout]: ship behind a flag
POSITION[auth]: sessions are fine`,
		"extra": "POSITION[auth]: use tokens",
	}

	first, err := Detect("design", outputs, nil)
	require.NoError(t, err)
	second, err := Detect("design", outputs, nil)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Equal(t, "auth", first[0].Question, "records sorted by question")
	assert.Equal(t, "rollout", first[1].Question)

	for i := range first {
		// IDs and timestamps are generated per call; everything else
		// must be identical across runs.
		a, b := first[i], second[i]
		a.ID, b.ID = "", ""
		a.CreatedAt = b.CreatedAt
		assert.Equal(t, a, b)
	}
}

func TestDetect_TopicCasingDoesNotSplit(t *testing.T) {
	outputs := map[string]string{
		"architect": "POSITION[API Versioning]: keep v1 frozen",
		"tester":    "POSITION[api  versioning]: break v1 now",
	}

	records, err := Detect("design", outputs, nil)
	require.NoError(t, err)
	require.Len(t, records, 1, "casing variants are the same topic")
	assert.Equal(t, "api versioning", records[0].Question)
}

func TestDetect_SkipsLitigatedQuestions(t *testing.T) {
	history := []Record{{
		ID:       "cfl_old",
		Question: "API Versioning",
		Open:     false,
		Action:   ActionAutoResolved,
	}}
	outputs := map[string]string{
		"architect": "POSITION[api versioning]: keep v1 frozen",
		"tester":    "POSITION[api versioning]: break v1 now",
	}

	records, err := Detect("design", outputs, history)
	require.NoError(t, err)
	assert.Empty(t, records, "resolved questions are never re-litigated")
}

func TestDetect_TaxonomyFallback(t *testing.T) {
	// "rather than" marks an implementation choice and "at the cost of"
	// a tradeoff; matching both makes the stance unclassifiable.
	outputs := map[string]string{
		"architect": "POSITION[caching]: use Redis rather than memory, at the cost of ops burden",
		"tester":    "POSITION[caching]: keep it in memory",
	}

	records, err := Detect("design", outputs, nil)
	require.Len(t, records, 1)

	var taxErr *TaxonomyError
	require.ErrorAs(t, err, &taxErr)
	assert.Equal(t, "caching", taxErr.Question)

	rec := records[0]
	assert.Equal(t, SeverityHigh, rec.Severity, "unclassifiable conflicts escalate")
	assert.Equal(t, TypeDisagreement, rec.Type)
	assert.NotEmpty(t, rec.ClassificationNote)
	assert.True(t, rec.Open)
}

func TestClassifyType(t *testing.T) {
	tests := []struct {
		name    string
		stances []string
		want    Type
		wantErr bool
	}{
		{
			name:    "plain contradiction",
			stances: []string{"keep v1 frozen", "break v1 now"},
			want:    TypeDisagreement,
		},
		{
			name:    "implementation choice",
			stances: []string{"use Redis instead of the filesystem", "filesystem is enough"},
			want:    TypeImplementationChoice,
		},
		{
			name:    "priority",
			stances: []string{"defer the migration until after launch", "migrate now"},
			want:    TypePriority,
		},
		{
			name:    "tradeoff",
			stances: []string{"accept slower writes at the cost of durability", "fast writes matter more"},
			want:    TypeTradeoff,
		},
		{
			name:    "ambiguous across buckets",
			stances: []string{"prioritize Redis rather than memory"},
			want:    TypeDisagreement,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifyType(tt.stances)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name    string
		stances []string
		want    Severity
	}{
		{name: "no markers", stances: []string{"filesystem is fine", "redis is fine"}, want: SeverityLow},
		{name: "recommendation", stances: []string{"we should keep v1", "I prefer v2"}, want: SeverityMedium},
		{name: "veto", stances: []string{"we must not break v1"}, want: SeverityHigh},
		{name: "security", stances: []string{"this is a security problem"}, want: SeverityHigh},
		{name: "strongest wins", stances: []string{"I prefer v2", "breaking v1 is unacceptable"}, want: SeverityHigh},
		{name: "case insensitive", stances: []string{"this MUST ship today"}, want: SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifySeverity(tt.stances))
		})
	}
}

func TestDetect_JoinedTaxonomyErrors(t *testing.T) {
	outputs := map[string]string{
		"a": `POSITION[one]: prioritize X rather than Y
POSITION[two]: defer Z at the cost of W`,
		"b": `POSITION[one]: do neither
POSITION[two]: do Z now`,
	}

	records, err := Detect("design", outputs, nil)
	require.Len(t, records, 2)
	require.Error(t, err)

	var taxErr *TaxonomyError
	assert.True(t, errors.As(err, &taxErr))
	for _, rec := range records {
		assert.Equal(t, SeverityHigh, rec.Severity)
	}
}
