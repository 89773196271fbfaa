package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/feedback"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// TestE2E_ReviewWorkflow validates the complete review workflow:
// 1. Start a run and deliberate through analysis and design
// 2. Escalate a high-severity design disagreement and pause
// 3. Open a pull request as the review surface
// 4. Consume the reviewer's decision through the feedback loop
// 5. Resume, finish implementation, and complete against green CI
func TestE2E_ReviewWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	ctx := context.Background()
	crew := newReviewCrew(true)
	gh := newFakeGitHub()
	stack := createTestStack(t, crew, gh)

	// ═══════════════════════════════════════════════════════════════
	// Phase 1: Start the run; design deadlocks and pauses
	// ═══════════════════════════════════════════════════════════════

	runID, err := stack.eng.StartRun(ctx, "Add per-tenant rate limiting to the public API")
	require.NoError(t, err)

	status := stack.waitFor(t, runID, run.StatusPausedForHuman)
	assert.Equal(t, run.PhaseDesign, status.Phase)
	require.Len(t, status.OpenConflicts, 1)

	rec := status.OpenConflicts[0]
	assert.Equal(t, conflict.SeverityHigh, rec.Severity)
	assert.Contains(t, rec.Positions, "architect")
	assert.Contains(t, rec.Positions, "senior_engineer")
	t.Logf("✅ Phase 1: Run paused on %q", rec.Question)

	// ═══════════════════════════════════════════════════════════════
	// Phase 2: The pause opened a pull request naming the question
	// ═══════════════════════════════════════════════════════════════

	require.NotZero(t, status.PRNumber)
	title, body := gh.pullRequest()
	assert.Contains(t, title, runID)
	assert.Contains(t, body, rec.ID)
	t.Logf("✅ Phase 2: Review surface is PR #%d", status.PRNumber)

	// ═══════════════════════════════════════════════════════════════
	// Phase 3: A reviewer answers; the feedback loop consumes it
	// ═══════════════════════════════════════════════════════════════

	const commentID = 2001
	gh.leaveComment(commentID, "release-manager",
		fmt.Sprintf("%s: go with the managed queue, we can revisit once volume justifies it.", rec.ID))

	consumed, err := stack.loop.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, consumed)
	assert.Contains(t, gh.reply(commentID), "Recorded decision")
	t.Logf("✅ Phase 3: Decision consumed and acknowledged on the PR")

	// ═══════════════════════════════════════════════════════════════
	// Phase 4: The run resumes and completes against green CI
	// ═══════════════════════════════════════════════════════════════

	status = stack.waitFor(t, runID, run.StatusCompleted)
	assert.Equal(t, run.PhaseImplementation, status.Phase)
	assert.Empty(t, status.OpenConflicts)
	t.Logf("✅ Phase 4: Run completed")

	// Every phase produced one artifact per participating persona.
	wantArtifacts := map[run.Phase]int{
		run.PhaseAnalysis:       3,
		run.PhaseDesign:         4,
		run.PhaseFinalization:   1,
		run.PhaseImplementation: 3,
	}
	for phase, want := range wantArtifacts {
		keys, err := stack.artifacts.List(ctx, runID, phase)
		require.NoError(t, err)
		assert.Len(t, keys, want, "artifacts for %s", phase)
	}

	// The checkpoint trail is a strictly increasing sequence from
	// admission to completion, with the pause on record.
	history, err := stack.checkpoints.List(ctx, runID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	paused := false
	for i, cp := range history {
		assert.Equal(t, i+1, cp.Seq)
		if cp.Status == run.StatusPausedForHuman {
			paused = true
		}
	}
	assert.True(t, paused, "pause should be checkpointed")
	assert.Equal(t, run.StatusCompleted, history[len(history)-1].Status)
}

// TestE2E_RestartRecovery validates that a paused run survives a daemon
// restart: a second engine over the same storage picks the run up from
// its checkpoint, applies the human decision, and completes it without
// re-running the answered phase.
func TestE2E_RestartRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	ctx := context.Background()
	crew := newReviewCrew(true)

	// ═══════════════════════════════════════════════════════════════
	// Phase 1: First daemon pauses the run, then goes away
	// ═══════════════════════════════════════════════════════════════

	first := createTestStack(t, crew, nil)
	runID, err := first.eng.StartRun(ctx, "Migrate session storage off the legacy cluster")
	require.NoError(t, err)
	paused := first.waitFor(t, runID, run.StatusPausedForHuman)
	require.Len(t, paused.OpenConflicts, 1)
	first.eng.Close()

	designCalls := crew.phaseCalls("design")
	t.Logf("✅ Phase 1: Run paused and daemon stopped after %d design calls", designCalls)

	// ═══════════════════════════════════════════════════════════════
	// Phase 2: Second daemon loads the run from its checkpoint
	// ═══════════════════════════════════════════════════════════════

	second := createTestStackOn(t, crew, nil, first.ckptBackend, first.artBackend)
	status, err := second.eng.GetStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPausedForHuman, status.Status)
	require.Len(t, status.OpenConflicts, 1)
	assert.Equal(t, paused.OpenConflicts[0].ID, status.OpenConflicts[0].ID)
	t.Logf("✅ Phase 2: Restarted daemon sees the same open conflict")

	// ═══════════════════════════════════════════════════════════════
	// Phase 3: The decision lands on the new daemon; run completes
	// ═══════════════════════════════════════════════════════════════

	rec := status.OpenConflicts[0]
	comment := github.Comment{
		ID:     11,
		Author: "release-manager",
		Body:   fmt.Sprintf("%s: keep the legacy cluster read-only during the cutover.", rec.ID),
	}
	class := feedback.Classify(comment, status.OpenConflicts)
	reply, err := second.eng.ApplyComment(ctx, runID, comment, class)
	require.NoError(t, err)
	assert.Contains(t, reply, rec.ID)

	second.waitFor(t, runID, run.StatusCompleted)

	// The answered phase holds its artifacts; it is not re-run.
	assert.Equal(t, designCalls, crew.phaseCalls("design"))
	t.Logf("✅ Phase 3: Run completed without re-running design")
}

// TestE2E_CIGate validates the implementation exit gate: with no
// disagreements the run sails to implementation, opens its pull
// request, and waits for CI before completing.
func TestE2E_CIGate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	ctx := context.Background()
	crew := newReviewCrew(false)
	gh := newFakeGitHub()
	gh.setCI(github.CIPending)
	stack := createTestStack(t, crew, gh)

	// ═══════════════════════════════════════════════════════════════
	// Phase 1: No conflicts; the run stops only at the CI gate
	// ═══════════════════════════════════════════════════════════════

	runID, err := stack.eng.StartRun(ctx, "Tighten retry budgets on outbound webhooks")
	require.NoError(t, err)

	status := stack.waitFor(t, runID, run.StatusPausedForHuman)
	assert.Equal(t, run.PhaseImplementation, status.Phase)
	assert.Empty(t, status.OpenConflicts)
	require.NotZero(t, status.PRNumber)
	t.Logf("✅ Phase 1: Run blocked on CI for PR #%d", status.PRNumber)

	// ═══════════════════════════════════════════════════════════════
	// Phase 2: CI turns green; the repoller unblocks the run
	// ═══════════════════════════════════════════════════════════════

	implCalls := crew.phaseCalls("implementation")

	gh.setCI(github.CISuccess)
	scheduled, err := stack.eng.PollPaused(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)

	stack.waitFor(t, runID, run.StatusCompleted)

	// Re-evaluating the gate does not re-run the phase.
	assert.Equal(t, implCalls, crew.phaseCalls("implementation"))
	t.Logf("✅ Phase 2: CI green, run completed")
}
