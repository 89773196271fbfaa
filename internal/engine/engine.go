// Package engine drives run state machines: it admits runs, executes
// phases through the round coordinator, arbitrates conflicts,
// checkpoints every transition, and suspends on escalations until the
// feedback loop or an operator resumes the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/agent"
	"github.com/fyrsmithlabs/quorumd/internal/artifact"
	"github.com/fyrsmithlabs/quorumd/internal/checkpoint"
	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/events"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/metrics"
	"github.com/fyrsmithlabs/quorumd/internal/round"
	"github.com/fyrsmithlabs/quorumd/internal/router"
	"github.com/fyrsmithlabs/quorumd/internal/run"
	"github.com/fyrsmithlabs/quorumd/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/quorumd/internal/engine"

var (
	// ErrRunNotFound means no checkpoint exists for the run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotPaused means the run is in a state ResumeRun cannot
	// continue from (already completed).
	ErrRunNotPaused = errors.New("run not paused")
	// ErrRunActive means another goroutine is driving the run right now.
	ErrRunActive = errors.New("run is executing")
)

// Config carries the engine policy knobs.
type Config struct {
	// Limits are the routing thresholds applied to every descriptor.
	Limits router.Limits

	// GitHubOwner, GitHubRepo and BaseBranch locate run pull requests.
	// Ignored when no GitHub client is wired.
	GitHubOwner string
	GitHubRepo  string
	BaseBranch  string

	// BotLogin is the daemon's own GitHub account; its comments never
	// count as unresolved reviewer feedback.
	BotLogin string

	// MaxConcurrentRuns bounds how many run machines execute at once.
	// Defaults to 1: one process drives one run at a time.
	MaxConcurrentRuns int
}

// Deps are the engine's collaborators. Registry, Coordinator,
// Checkpoints, Artifacts and Resolver are required; GitHub, Events and
// Logger are optional.
type Deps struct {
	Registry    *agent.Registry
	Coordinator *round.Coordinator
	Checkpoints *checkpoint.Store
	Artifacts   *artifact.Store
	Resolver    *conflict.Resolver
	GitHub      github.Client
	Events      *events.Publisher
	Logger      *logging.Logger
}

// Engine is the run orchestrator.
type Engine struct {
	cfg         Config
	registry    *agent.Registry
	coordinator *round.Coordinator
	checkpoints *checkpoint.Store
	artifacts   *artifact.Store
	resolver    *conflict.Resolver
	gh          github.Client
	events      *events.Publisher
	logger      *logging.Logger
	metrics     *metrics.Metrics

	tracer      trace.Tracer
	meter       metric.Meter
	runsCounter metric.Int64Counter

	// driveCtx outlives request contexts; Close cancels it.
	driveCtx context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	sem      chan struct{}

	// mu guards active, the set of runs currently being driven.
	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errors.New("persona registry is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("round coordinator is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("conflict resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.NewPublisher(nil, "", deps.Logger)
	}
	if cfg.Limits == (router.Limits{}) {
		cfg.Limits = router.DefaultLimits()
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}

	driveCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		registry:    deps.Registry,
		coordinator: deps.Coordinator,
		checkpoints: deps.Checkpoints,
		artifacts:   deps.Artifacts,
		resolver:    deps.Resolver,
		gh:          deps.GitHub,
		events:      deps.Events,
		logger:      deps.Logger.Named("engine"),
		metrics:     metrics.NewMetrics(),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		driveCtx:    driveCtx,
		stop:        stop,
		sem:         make(chan struct{}, cfg.MaxConcurrentRuns),
		active:      make(map[string]struct{}),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error
	e.runsCounter, err = e.meter.Int64Counter(
		"quorumd.engine.runs_total",
		metric.WithDescription("Total number of runs admitted"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create runs counter", zap.Error(err))
	}
}

// Close stops background drives and waits for them to finish. Runs
// stay resumable from their last checkpoint.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// RunStatus is the engine's external view of one run.
type RunStatus struct {
	RunID  string     `json:"run_id"`
	Task   string     `json:"task"`
	Phase  run.Phase  `json:"phase"`
	Status run.Status `json:"status"`
	// Active reports whether this process is driving the run right now.
	Active        bool              `json:"active"`
	PRNumber      int               `json:"pr_number,omitempty"`
	Error         string            `json:"error,omitempty"`
	OpenConflicts []conflict.Record `json:"open_conflicts,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StartRun admits a new run. The initial checkpoint is written before
// StartRun returns; phase execution continues in the background.
func (e *Engine) StartRun(ctx context.Context, task string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.start_run")
	defer span.End()

	task = strings.TrimSpace(task)
	if task == "" {
		return "", errors.New("feature description is required")
	}

	st := run.NewState(task)
	if err := e.save(ctx, st); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("admit run: %w", err)
	}

	span.SetAttributes(attribute.String("run.id", st.RunID))
	if e.runsCounter != nil {
		e.runsCounter.Add(ctx, 1)
	}
	e.metrics.RunsTotal.WithLabelValues("started").Inc()
	e.events.RunStarted(ctx, st)
	e.logger.Info(logging.WithRunID(ctx, st.RunID), "run admitted",
		zap.String("task", firstLine(task)))

	e.scheduleDrive(st.RunID)
	return st.RunID, nil
}

// ResumeRun continues a run from its latest checkpoint. Paused runs
// re-evaluate their exit predicate; failed runs restart the phase the
// failure interrupted; completed runs cannot be resumed.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (RunStatus, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resume_run")
	defer span.End()
	ctx = logging.WithRunID(ctx, runID)

	st, err := e.loadState(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	if st.Status == run.StatusCompleted {
		return e.statusOf(st), fmt.Errorf("run %s already completed: %w", runID, ErrRunNotPaused)
	}
	if e.isActive(runID) {
		return e.statusOf(st), fmt.Errorf("run %s: %w", runID, ErrRunActive)
	}

	if st.Status == run.StatusFailed {
		// Operator restart: the failed checkpoint stays in history,
		// the restarted phase gets a fresh pending record.
		st.Status = run.StatusPending
		st.Error = ""
		st.Touch()
		if err := e.save(ctx, st); err != nil {
			return RunStatus{}, fmt.Errorf("restart run: %w", err)
		}
	}

	e.events.Resumed(ctx, st)
	e.logger.Info(ctx, "run resumed",
		zap.String("phase", string(st.Phase)),
		zap.String("status", string(st.Status)))
	e.scheduleDrive(runID)
	return e.statusOf(st), nil
}

// GetStatus reports a run's phase, status, and open conflicts from its
// latest checkpoint.
func (e *Engine) GetStatus(ctx context.Context, runID string) (RunStatus, error) {
	st, err := e.loadState(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	return e.statusOf(st), nil
}

// ListRuns summarizes every run with at least one checkpoint, most
// recently updated first.
func (e *Engine) ListRuns(ctx context.Context) ([]RunStatus, error) {
	ids, err := e.checkpoints.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]RunStatus, 0, len(ids))
	for _, id := range ids {
		st, err := e.loadState(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e.statusOf(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

// PollPaused schedules a drive for every paused run so its exit
// predicate is re-evaluated against the outside world: CI finishing,
// reviewers resolving their comments. Returns how many runs were
// scheduled.
func (e *Engine) PollPaused(ctx context.Context) (int, error) {
	ids, err := e.checkpoints.ListRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}
	scheduled := 0
	for _, id := range ids {
		st, err := e.loadState(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			return scheduled, err
		}
		if st.Status != run.StatusPausedForHuman || e.isActive(id) {
			continue
		}
		e.logger.Debug(logging.WithRunID(ctx, id), "re-checking paused run",
			zap.String("phase", string(st.Phase)))
		e.scheduleDrive(id)
		scheduled++
	}
	return scheduled, nil
}

// StepPhase executes one named phase in isolation: the entry action
// runs with the state's accumulated context, but no transition
// checkpoint is written and the recorded phase does not advance.
// Artifacts produced by the step are persisted and share the run's
// keyspace. The returned status reflects the stepped state, conflicts
// included; none of it is recorded.
func (e *Engine) StepPhase(ctx context.Context, runID string, phase run.Phase) (RunStatus, error) {
	ctx, span := e.tracer.Start(ctx, "engine.step_phase")
	defer span.End()
	ctx = logging.WithRunID(ctx, runID)

	if !phase.Valid() {
		return RunStatus{}, fmt.Errorf("unknown phase %q", phase)
	}
	if !e.tryAcquire(runID) {
		return RunStatus{}, fmt.Errorf("run %s: %w", runID, ErrRunActive)
	}
	defer e.release(runID)

	st, err := e.loadState(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}

	stepped, err := st.Clone()
	if err != nil {
		return RunStatus{}, fmt.Errorf("copy run state: %w", err)
	}
	stepped.Phase = phase
	stepped.Status = run.StatusPending

	if err := e.runEntry(ctx, stepped); err != nil {
		return RunStatus{}, fmt.Errorf("step phase %s: %w", phase, err)
	}
	return e.statusOf(stepped), nil
}

// loadState reads the run's latest checkpoint.
func (e *Engine) loadState(ctx context.Context, runID string) (*run.State, error) {
	cp, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	st := cp.State
	return &st, nil
}

// save checkpoints the state.
func (e *Engine) save(ctx context.Context, st *run.State) error {
	if _, err := e.checkpoints.Save(ctx, st); err != nil {
		return err
	}
	e.metrics.CheckpointWritesTotal.Inc()
	return nil
}

func (e *Engine) statusOf(st *run.State) RunStatus {
	return RunStatus{
		RunID:         st.RunID,
		Task:          st.Task,
		Phase:         st.Phase,
		Status:        st.Status,
		Active:        e.isActive(st.RunID),
		PRNumber:      st.PRNumber,
		Error:         st.Error,
		OpenConflicts: st.OpenConflicts(),
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

func (e *Engine) isActive(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

func (e *Engine) tryAcquire(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[runID]; ok {
		return false
	}
	e.active[runID] = struct{}{}
	return true
}

func (e *Engine) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

// scheduleDrive starts a background drive of the run unless one is
// already underway.
func (e *Engine) scheduleDrive(runID string) {
	if !e.tryAcquire(runID) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(runID)

		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-e.driveCtx.Done():
			return
		}

		ctx := logging.WithRunID(e.driveCtx, runID)
		if err := e.drive(ctx, runID); err != nil && ctx.Err() == nil {
			e.logger.Error(ctx, "drive aborted", zap.Error(err))
		}
	}()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
