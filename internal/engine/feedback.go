package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/feedback"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// FeedbackTargets lists the runs the feedback loop polls: every
// non-terminal run with an open pull request.
func (e *Engine) FeedbackTargets(ctx context.Context) ([]feedback.Target, error) {
	runIDs, err := e.checkpoints.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	targets := make([]feedback.Target, 0, len(runIDs))
	for _, runID := range runIDs {
		st, err := e.loadState(ctx, runID)
		if err != nil {
			e.logger.Warn(ctx, "skipping unreadable run",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		if st.Status.Terminal() || st.PRNumber == 0 {
			continue
		}
		targets = append(targets, feedback.Target{
			RunID:         st.RunID,
			Ref:           e.runRef(st),
			LastCommentID: st.LastCommentID,
			OpenConflicts: st.OpenConflicts(),
		})
	}
	return targets, nil
}

// ApplyComment folds one reviewer comment into a run: it either closes
// the escalated conflict the comment answers, or queues the comment as
// phase feedback, forcing a re-entry when the phase already ran. All
// effects, including the consumption marker, are checkpointed before
// the reply is returned.
func (e *Engine) ApplyComment(ctx context.Context, runID string, c github.Comment, class feedback.Classification) (string, error) {
	if !e.tryAcquire(runID) {
		return "", fmt.Errorf("run %s: %w", runID, ErrRunActive)
	}
	reply, resume, err := e.applyCommentLocked(ctx, runID, c, class)
	e.release(runID)
	if err != nil {
		return "", err
	}
	if resume {
		e.scheduleDrive(runID)
	}
	return reply, nil
}

func (e *Engine) applyCommentLocked(ctx context.Context, runID string, c github.Comment, class feedback.Classification) (string, bool, error) {
	ctx = logging.WithRunID(ctx, runID)
	st, err := e.loadState(ctx, runID)
	if err != nil {
		return "", false, err
	}
	wasPaused := st.Status == run.StatusPausedForHuman
	if c.ID > st.LastCommentID {
		st.LastCommentID = c.ID
	}

	var reply string
	switch st.Status {
	case run.StatusCompleted:
		reply = fmt.Sprintf("Run %s is already completed; no action taken.", st.RunID)

	case run.StatusFailed:
		reply = fmt.Sprintf("Run %s has failed and will not act on feedback; resume it explicitly to restart the %s phase.", st.RunID, st.Phase)

	default:
		if rec := e.closeAnsweredConflict(st, c, class); rec != nil {
			// The answered phase already ran; the run resumes at its
			// exit predicate with the decision on record.
			reply = fmt.Sprintf("Recorded decision for `%s`; the run resumes with it.", rec.ID)
			break
		}
		st.AppendFeedback(run.FeedbackItem{
			CommentID:  c.ID,
			Phase:      class.Phase,
			Author:     c.Author,
			Body:       c.Body,
			ReceivedAt: time.Now().UTC(),
		})
		switch {
		case class.Phase.Before(st.Phase):
			// Earlier-phase feedback rewinds the run; accumulated
			// artifacts stay and the re-entered phase sees them.
			st.Phase = class.Phase
			st.Status = run.StatusPending
			reply = fmt.Sprintf("Re-running the %s phase with this feedback.", class.Phase)
		case class.Phase == st.Phase:
			if wasPaused {
				st.Status = run.StatusPending
			}
			reply = fmt.Sprintf("Re-running the %s phase with this feedback.", class.Phase)
		default:
			reply = fmt.Sprintf("Queued as %s feedback; the run has not reached that phase yet.", class.Phase)
		}
	}

	st.Touch()
	if err := e.save(ctx, st); err != nil {
		// The comment stays unconsumed; the next poll retries it.
		return "", false, fmt.Errorf("checkpoint feedback: %w", err)
	}
	e.metrics.FeedbackCommentsTotal.Inc()
	e.logger.Info(ctx, "reviewer comment applied",
		zap.Int64("comment_id", c.ID),
		zap.String("author", c.Author),
		zap.String("phase", string(class.Phase)))

	resume := !st.Status.Terminal()
	if wasPaused && st.Status == run.StatusPending {
		e.events.Resumed(ctx, st)
	}
	return reply, resume, nil
}

// closeAnsweredConflict closes the escalated conflict the comment
// answers, if any, and records the human decision.
func (e *Engine) closeAnsweredConflict(st *run.State, c github.Comment, class feedback.Classification) *conflict.Record {
	if class.ResolvesConflict == "" {
		return nil
	}
	rec := st.ConflictByID(class.ResolvesConflict)
	if rec == nil || !rec.Open {
		return nil
	}
	rec.Close(conflict.ActionEscalated, c.Body)
	st.AppendDecision(run.Decision{
		Question:  rec.Question,
		Outcome:   c.Body,
		Phase:     run.Phase(rec.Phase),
		Source:    run.DecisionSourceHuman,
		DecidedAt: time.Now().UTC(),
	})
	return rec
}
