package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// scriptDesignStandoff makes the two personas take irreconcilable
// high-severity stances in the design phase.
func scriptDesignStandoff(c *scriptedCaller) {
	c.script(run.PhaseDesign, "architect",
		"We need durable state.\nPOSITION[storage engine]: We must use postgres for transactional integrity.")
	c.script(run.PhaseDesign, "senior_engineer",
		"Keep the footprint small.\nPOSITION[storage engine]: An embedded store is enough; a separate server is never worth the operational cost.")
}

func TestRun_PausesOnEscalatedConflict(t *testing.T) {
	gh := newFakeGitHub()
	f := newFixture(t, gh)
	scriptDesignStandoff(f.caller)

	runID, err := f.eng.StartRun(context.Background(), "persist run state across restarts")
	require.NoError(t, err)

	status := f.waitFor(t, runID, run.StatusPausedForHuman)
	assert.Equal(t, run.PhaseDesign, status.Phase)
	require.Len(t, status.OpenConflicts, 1)

	rec := status.OpenConflicts[0]
	assert.Equal(t, "storage engine", rec.Question)
	assert.Equal(t, conflict.SeverityHigh, rec.Severity)
	assert.Equal(t, conflict.ActionEscalated, rec.Action)

	// Pausing opened a pull request carrying the open question.
	assert.Equal(t, 1, gh.createCalls())
	assert.Equal(t, 101, status.PRNumber)
	assert.Contains(t, gh.prBody(), "Open questions")
	assert.Contains(t, gh.prBody(), rec.ID)

	cps := f.history(t, runID)
	require.Len(t, cps, 3)
	assert.Equal(t, run.StatusPausedForHuman, cps[2].Status)
	assert.Equal(t, run.PhaseDesign, cps[2].Phase)
}

func TestRun_AutoResolvesBelowHighSeverity(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.script(run.PhaseDesign, "architect",
		"POSITION[pagination]: I recommend cursor pagination for stable ordering.")
	f.caller.script(run.PhaseDesign, "senior_engineer",
		"POSITION[pagination]: Offset pagination is simpler and should be enough here.")

	runID, err := f.eng.StartRun(context.Background(), "add listing endpoints")
	require.NoError(t, err)

	status := f.waitFor(t, runID, run.StatusCompleted)
	assert.Empty(t, status.OpenConflicts)

	cp, err := f.checkpoints.Latest(context.Background(), runID)
	require.NoError(t, err)
	final := cp.State

	require.Len(t, final.Conflicts, 1)
	rec := final.Conflicts[0]
	assert.False(t, rec.Open)
	assert.Equal(t, conflict.ActionAutoResolved, rec.Action)
	// Precedence favors the architect.
	assert.Contains(t, rec.Resolution, "cursor pagination")

	require.Len(t, final.Decisions, 1)
	assert.Equal(t, run.DecisionSourceAuto, final.Decisions[0].Source)
	assert.Equal(t, "pagination", final.Decisions[0].Question)
}

func TestRun_ImplementationGatedOnCI(t *testing.T) {
	gh := newFakeGitHub()
	gh.setCI(github.CIPending)
	f := newFixture(t, gh)

	runID, err := f.eng.StartRun(context.Background(), "wire request tracing through the gateway")
	require.NoError(t, err)

	status := f.waitFor(t, runID, run.StatusPausedForHuman)
	assert.Equal(t, run.PhaseImplementation, status.Phase)
	assert.NotZero(t, status.PRNumber)

	// Green CI unblocks the resumed run.
	gh.setCI(github.CISuccess)
	_, err = f.eng.ResumeRun(context.Background(), runID)
	require.NoError(t, err)

	status = f.waitFor(t, runID, run.StatusCompleted)
	assert.Equal(t, run.PhaseImplementation, status.Phase)
	// The implementation round ran once; resuming only re-evaluated
	// the gate.
	assert.Equal(t, 2, f.caller.callCount(run.PhaseImplementation))
}

func TestPollPaused_UnblocksOnExternalChange(t *testing.T) {
	gh := newFakeGitHub()
	gh.setCI(github.CIPending)
	f := newFixture(t, gh)
	ctx := context.Background()

	runID, err := f.eng.StartRun(ctx, "wire request tracing through the gateway")
	require.NoError(t, err)
	f.waitFor(t, runID, run.StatusPausedForHuman)

	// Still blocked: the poll schedules a drive but the gate holds.
	scheduled, err := f.eng.PollPaused(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)
	status := f.waitFor(t, runID, run.StatusPausedForHuman)
	assert.Equal(t, run.PhaseImplementation, status.Phase)

	// CI going green is picked up by the next poll, no manual resume.
	gh.setCI(github.CISuccess)
	scheduled, err = f.eng.PollPaused(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)

	status = f.waitFor(t, runID, run.StatusCompleted)
	assert.Equal(t, run.PhaseImplementation, status.Phase)
	assert.Equal(t, 2, f.caller.callCount(run.PhaseImplementation))

	// Nothing left to schedule once the run is terminal.
	scheduled, err = f.eng.PollPaused(ctx)
	require.NoError(t, err)
	assert.Zero(t, scheduled)
}

func TestExitPredicate(t *testing.T) {
	gh := newFakeGitHub()
	f := newFixture(t, gh)
	ctx := context.Background()

	st := run.NewState("task")
	st.Phase = run.PhaseDesign

	ok, _ := f.eng.exitPredicate(ctx, st)
	assert.True(t, ok, "non-implementation phase with no open conflicts")

	st.Conflicts = []conflict.Record{{
		ID: "cfl_1", Question: "q", Severity: conflict.SeverityHigh, Open: true,
	}}
	ok, reason := f.eng.exitPredicate(ctx, st)
	assert.False(t, ok)
	assert.Contains(t, reason, "high-severity")

	st.Conflicts[0].Open = false
	st.Phase = run.PhaseImplementation
	ok, reason = f.eng.exitPredicate(ctx, st)
	assert.False(t, ok, "implementation needs a pull request")
	assert.Contains(t, reason, "pull request")

	st.PRNumber = 7
	gh.setCI(github.CIFailure)
	ok, reason = f.eng.exitPredicate(ctx, st)
	assert.False(t, ok)
	assert.Contains(t, reason, "CI")

	gh.setCI(github.CISuccess)
	gh.comments = []github.Comment{
		{ID: 11, Author: "maintainer", Body: "please rename this"},
		{ID: 12, Author: "quorum-bot", Body: "ack"},
		{ID: 13, Author: "dependabot[bot]", Body: "bump"},
	}
	ok, reason = f.eng.exitPredicate(ctx, st)
	assert.False(t, ok, "human comment past the marker blocks")
	assert.Contains(t, reason, "1 unresolved")

	st.LastCommentID = 11
	ok, _ = f.eng.exitPredicate(ctx, st)
	assert.True(t, ok, "bot comments never block")
}

func TestExitPredicate_NoClientSkipsReviewGate(t *testing.T) {
	f := newFixture(t, nil)

	st := run.NewState("task")
	st.Phase = run.PhaseImplementation
	ok, _ := f.eng.exitPredicate(context.Background(), st)
	assert.True(t, ok)
}

func TestLatestRefs(t *testing.T) {
	now := time.Now()
	refs := []run.ArtifactRef{
		{Key: "a1", Persona: "architect", Attempt: 1, CreatedAt: now},
		{Key: "t1", Persona: "tester", Attempt: 1, CreatedAt: now},
		{Key: "a2", Persona: "architect", Attempt: 2, CreatedAt: now},
	}
	got := latestRefs(refs)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].Key)
	assert.Equal(t, "t1", got[1].Key)
}

func TestLineCount(t *testing.T) {
	assert.Zero(t, lineCount(nil))
	assert.Equal(t, 1, lineCount([]byte("one")))
	assert.Equal(t, 1, lineCount([]byte("one\n")))
	assert.Equal(t, 3, lineCount([]byte("a\nb\nc")))
}
