package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/round"
	"github.com/fyrsmithlabs/quorumd/internal/router"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// drive executes phases until the run suspends, completes, or fails.
// The in-memory state is authoritative only between checkpoints; any
// checkpoint failure aborts the drive and the last written checkpoint
// remains current.
func (e *Engine) drive(ctx context.Context, runID string) error {
	st, err := e.loadState(ctx, runID)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
		more, err := e.step(ctx, st)
		if err != nil || !more {
			return err
		}
	}
}

// step takes the run through one phase boundary: entry action if the
// phase has not run yet, then the exit predicate, then either a pause
// or the transition.
func (e *Engine) step(ctx context.Context, st *run.State) (bool, error) {
	ctx = logging.WithPhase(ctx, string(st.Phase))
	ctx, span := e.tracer.Start(ctx, "engine.phase", trace.WithAttributes(
		attribute.String("run.id", st.RunID),
		attribute.String("run.phase", string(st.Phase)),
	))
	defer span.End()

	if st.Status == run.StatusPending {
		st.Status = run.StatusRunning
		e.events.PhaseEntered(ctx, st)
		if err := e.runEntry(ctx, st); err != nil {
			if ctx.Err() != nil {
				// Shutdown, not failure: the pending checkpoint stands
				// and resume re-runs the entry.
				return false, ctx.Err()
			}
			span.RecordError(err)
			return false, e.fail(ctx, st, err)
		}
	}

	if ok, reason := e.exitPredicate(ctx, st); !ok {
		return false, e.pause(ctx, st, reason)
	}
	return e.advance(ctx, st)
}

// runEntry executes a phase's entry action: assemble the context
// packet, consume feedback addressed to the phase, fan the round out,
// persist artifacts, and arbitrate conflicts.
func (e *Engine) runEntry(ctx context.Context, st *run.State) error {
	phase := st.Phase
	personas := e.registry.ForPhase(phase)
	if len(personas) == 0 {
		return fmt.Errorf("no personas registered for phase %s", phase)
	}

	packet, err := e.buildContext(ctx, st)
	if err != nil {
		return fmt.Errorf("build context packet: %w", err)
	}

	pending := st.PendingFeedback(phase)
	feedback := make([]string, 0, len(pending))
	for _, item := range pending {
		feedback = append(feedback, item.Body)
	}
	st.ConsumeFeedback(phase)

	attempt := st.NextAttempt(phase)
	desc := router.TaskDescriptor{
		Phase:        phase,
		DiffLines:    packet.prevLines,
		FilesTouched: packet.prevFiles,
		// A round re-run on human direction goes to the remote backend.
		Escalate: len(feedback) > 0,
	}

	e.logger.Info(ctx, "phase entry",
		zap.Int("attempt", attempt),
		zap.Int("personas", len(personas)),
		zap.Int("feedback_items", len(feedback)))

	started := time.Now()
	results, err := e.coordinator.Run(ctx, round.Request{
		RunID:      st.RunID,
		Phase:      phase,
		Personas:   personas,
		Task:       st.Task,
		Feedback:   feedback,
		Context:    packet.data,
		Attempt:    attempt,
		Descriptor: desc,
	})
	e.metrics.RoundDuration.WithLabelValues(string(phase)).Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("phase round: %w", err)
	}

	for _, name := range sortedResultNames(results) {
		res := results[name]
		if res.Missing {
			continue
		}
		st.AppendArtifact(res.Output.Ref)
		e.metrics.RoutingDecisionsTotal.WithLabelValues(string(res.Output.Backend)).Inc()
	}

	records, derr := conflict.Detect(string(phase), round.Outputs(results), st.Conflicts)
	if derr != nil {
		// Unclassifiable disagreements are already recorded at high
		// severity; the detail only matters for the log.
		e.logger.Warn(ctx, "conflict taxonomy fallback", zap.Error(derr))
	}
	escalated := e.resolver.Resolve(records)
	now := time.Now().UTC()
	for _, rec := range records {
		e.metrics.ConflictsDetectedTotal.WithLabelValues(string(rec.Type)).Inc()
		if rec.Action == conflict.ActionAutoResolved {
			st.AppendDecision(run.Decision{
				Question:  rec.Question,
				Outcome:   rec.Resolution,
				Phase:     phase,
				Source:    run.DecisionSourceAuto,
				DecidedAt: now,
			})
		}
	}
	st.AppendConflicts(records)
	for _, rec := range escalated {
		e.metrics.EscalationsTotal.Inc()
		e.events.ConflictEscalated(ctx, st, rec)
		e.logger.Warn(ctx, "conflict escalated",
			zap.String("conflict_id", rec.ID),
			zap.String("question", rec.Question),
			zap.String("severity", string(rec.Severity)))
	}

	if phase == run.PhaseImplementation {
		e.openPullRequest(ctx, st)
	}
	return nil
}

// exitPredicate decides whether the current phase may complete. Every
// phase requires zero open high-severity conflicts; implementation
// additionally requires CI success and zero unresolved reviewer
// comments on the run's pull request.
func (e *Engine) exitPredicate(ctx context.Context, st *run.State) (bool, string) {
	if st.OpenHighSeverity() {
		return false, "open high-severity conflicts"
	}
	if st.Phase != run.PhaseImplementation || e.gh == nil {
		return true, ""
	}
	if st.PRNumber == 0 {
		return false, "pull request not created"
	}
	ref := e.runRef(st)
	ci, err := e.gh.GetCIStatus(ctx, ref, ref.Branch)
	if err != nil {
		e.logger.Warn(ctx, "CI status unavailable", zap.Error(err))
		return false, "CI status unavailable"
	}
	if ci != github.CISuccess {
		return false, fmt.Sprintf("CI %s", ci)
	}
	unresolved, err := e.unresolvedComments(ctx, st, ref)
	if err != nil {
		e.logger.Warn(ctx, "comment count unavailable", zap.Error(err))
		return false, "comments unavailable"
	}
	if unresolved > 0 {
		return false, fmt.Sprintf("%d unresolved comments", unresolved)
	}
	return true, ""
}

// unresolvedComments counts reviewer comments newer than the run's
// consumption marker.
func (e *Engine) unresolvedComments(ctx context.Context, st *run.State, ref github.Ref) (int, error) {
	comments, err := e.gh.FetchComments(ctx, ref)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range comments {
		if c.ID > st.LastCommentID && !github.IsBot(c.Author, e.cfg.BotLogin) {
			n++
		}
	}
	return n, nil
}

// pause suspends the run on a blocked exit predicate. The suspension
// is checkpointed once; re-evaluating a still-blocked run records
// nothing new.
func (e *Engine) pause(ctx context.Context, st *run.State, reason string) error {
	if st.Status == run.StatusPausedForHuman {
		if e.ensureReviewSurface(ctx, st) {
			if err := e.save(ctx, st); err != nil {
				e.logger.Warn(ctx, "failed to checkpoint review surface", zap.Error(err))
			}
		}
		e.logger.Debug(ctx, "run still blocked", zap.String("reason", reason))
		return nil
	}

	st.Status = run.StatusPausedForHuman
	st.Touch()
	e.ensureReviewSurface(ctx, st)
	if err := e.save(ctx, st); err != nil {
		return fmt.Errorf("checkpoint pause: %w", err)
	}
	e.events.Paused(ctx, st)
	e.logger.Info(ctx, "run paused for human input", zap.String("reason", reason))
	return nil
}

// advance completes the current phase: the post-phase checkpoint
// records the next phase pending, or the whole run completed.
func (e *Engine) advance(ctx context.Context, st *run.State) (bool, error) {
	completed := st.Phase
	next, ok := completed.Next()
	if !ok {
		st.Status = run.StatusCompleted
		st.Touch()
		if err := e.save(ctx, st); err != nil {
			return false, fmt.Errorf("checkpoint completion: %w", err)
		}
		e.metrics.PhaseTransitionsTotal.WithLabelValues(string(completed)).Inc()
		e.metrics.RunsTotal.WithLabelValues("completed").Inc()
		e.events.PhaseCompleted(ctx, st, completed)
		e.events.Completed(ctx, st)
		e.logger.Info(ctx, "run completed")
		return false, nil
	}

	st.Phase = next
	st.Status = run.StatusPending
	st.Touch()
	if err := e.save(ctx, st); err != nil {
		return false, fmt.Errorf("checkpoint transition: %w", err)
	}
	e.metrics.PhaseTransitionsTotal.WithLabelValues(string(completed)).Inc()
	e.events.PhaseCompleted(ctx, st, completed)
	e.logger.Info(ctx, "phase completed",
		zap.String("completed", string(completed)),
		zap.String("next", string(next)))
	return true, nil
}

// fail records the failure and halts the run. There are no phase-level
// retries; operators restart explicitly from the last checkpoint.
func (e *Engine) fail(ctx context.Context, st *run.State, cause error) error {
	st.Status = run.StatusFailed
	st.Error = cause.Error()
	st.Touch()
	if err := e.save(ctx, st); err != nil {
		// The failure could not be recorded; the previous checkpoint
		// remains current and the run restarts from it.
		e.logger.Error(ctx, "failed to checkpoint failure", zap.Error(err))
		return errors.Join(cause, err)
	}
	e.metrics.RunsTotal.WithLabelValues("failed").Inc()
	e.events.Failed(ctx, st)
	e.logger.Error(ctx, "run failed", zap.Error(cause))
	return nil
}

// contextPacket is the assembled prompt context plus the size of the
// material the phase transforms, which feeds the routing descriptor.
type contextPacket struct {
	data []byte
	// prevLines and prevFiles describe the previous phase's artifacts.
	prevLines int
	prevFiles int
}

// buildContext assembles the packet every persona in the round
// receives: the task, adopted decisions, open questions, and the
// latest artifact of each (phase, persona) pair so far.
func (e *Engine) buildContext(ctx context.Context, st *run.State) (contextPacket, error) {
	var b strings.Builder
	b.WriteString("# Task\n")
	b.WriteString(st.Task)
	b.WriteString("\n")

	if len(st.Decisions) > 0 {
		b.WriteString("\n# Decisions\n")
		for _, d := range st.Decisions {
			fmt.Fprintf(&b, "- [%s] %s: %s (%s)\n", d.Phase, d.Question, d.Outcome, d.Source)
		}
	}
	if open := st.OpenConflicts(); len(open) > 0 {
		b.WriteString("\n# Open questions\n")
		for _, rec := range open {
			fmt.Fprintf(&b, "- %s (%s): %s\n", rec.ID, rec.Severity, rec.Question)
		}
	}

	var pkt contextPacket
	prevIdx := st.Phase.Index() - 1
	for i, phase := range run.Phases() {
		refs := latestRefs(st.PhaseArtifacts(phase))
		for _, ref := range refs {
			content, err := e.artifacts.Read(ctx, ref)
			if err != nil {
				return contextPacket{}, fmt.Errorf("read artifact %s: %w", ref.Key, err)
			}
			fmt.Fprintf(&b, "\n## %s / %s (attempt %d)\n", ref.Phase, ref.Persona, ref.Attempt)
			b.Write(content)
			if len(content) > 0 && content[len(content)-1] != '\n' {
				b.WriteByte('\n')
			}
			if i == prevIdx {
				pkt.prevLines += lineCount(content)
			}
		}
		if i == prevIdx {
			pkt.prevFiles = len(refs)
		}
	}
	pkt.data = []byte(b.String())
	return pkt, nil
}

// latestRefs keeps the highest-attempt artifact per persona, ordered
// by persona name.
func latestRefs(refs []run.ArtifactRef) []run.ArtifactRef {
	latest := make(map[string]run.ArtifactRef, len(refs))
	for _, ref := range refs {
		if cur, ok := latest[ref.Persona]; !ok || ref.Attempt > cur.Attempt {
			latest[ref.Persona] = ref
		}
	}
	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]run.ArtifactRef, 0, len(names))
	for _, name := range names {
		out = append(out, latest[name])
	}
	return out
}

func lineCount(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte("\n"))
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}

func sortedResultNames(results map[string]round.Result) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ensureReviewSurface opens a pull request for a paused run so
// reviewers have somewhere to answer the open questions. Reports
// whether the state changed. Best effort: a failure leaves the run
// paused and creation is retried on the next evaluation.
func (e *Engine) ensureReviewSurface(ctx context.Context, st *run.State) bool {
	if e.gh == nil || st.PRNumber != 0 {
		return false
	}
	ref := e.runRef(st)
	title := fmt.Sprintf("Run %s: %s", st.RunID, firstLine(st.Task))
	n, err := e.gh.CreateOrUpdatePR(ctx, ref, title, e.prBody(st), nil)
	if err != nil {
		e.logger.Warn(ctx, "failed to open review pull request", zap.Error(err))
		return false
	}
	st.PRNumber = n
	e.logger.Info(ctx, "review pull request opened", zap.Int("pr", n))
	return true
}

// openPullRequest creates or refreshes the run's pull request after an
// implementation round, listing the produced artifacts.
func (e *Engine) openPullRequest(ctx context.Context, st *run.State) {
	if e.gh == nil {
		return
	}
	refs := latestRefs(st.PhaseArtifacts(run.PhaseImplementation))
	files := make([]string, 0, len(refs))
	for _, ref := range refs {
		files = append(files, ref.Key)
	}
	ref := e.runRef(st)
	title := fmt.Sprintf("Run %s: %s", st.RunID, firstLine(st.Task))
	n, err := e.gh.CreateOrUpdatePR(ctx, ref, title, e.prBody(st), files)
	if err != nil {
		e.logger.Warn(ctx, "failed to open pull request", zap.Error(err))
		return
	}
	st.PRNumber = n
	e.logger.Info(ctx, "pull request ready", zap.Int("pr", n))
}

func (e *Engine) prBody(st *run.State) string {
	var b strings.Builder
	b.WriteString(st.Task)
	b.WriteString("\n")
	if open := st.OpenConflicts(); len(open) > 0 {
		b.WriteString("\n### Open questions\n")
		for _, rec := range open {
			fmt.Fprintf(&b, "- `%s` (%s, %s): %s\n", rec.ID, rec.Type, rec.Severity, rec.Question)
		}
	}
	if len(st.Decisions) > 0 {
		b.WriteString("\n### Decisions\n")
		for _, d := range st.Decisions {
			fmt.Fprintf(&b, "- %s: %s\n", d.Question, firstLine(d.Outcome))
		}
	}
	return b.String()
}

// runRef locates the run's review surface.
func (e *Engine) runRef(st *run.State) github.Ref {
	return github.Ref{
		Owner:    e.cfg.GitHubOwner,
		Repo:     e.cfg.GitHubRepo,
		Branch:   "quorum/" + st.RunID,
		Base:     e.cfg.BaseBranch,
		PRNumber: st.PRNumber,
	}
}
