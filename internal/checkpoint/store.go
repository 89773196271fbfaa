package checkpoint

import (
	"context"
	"encoding/json"
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

	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/run"
	"github.com/fyrsmithlabs/quorumd/internal/storage"
)

const instrumentationName = "github.com/fyrsmithlabs/quorumd/internal/checkpoint"

// Store writes and reads run checkpoints on a storage backend.
type Store struct {
	backend storage.Backend
	logger  *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter

	// mu serializes sequence assignment within this process.
	mu sync.Mutex
}

// NewStore creates a checkpoint store.
func NewStore(backend storage.Backend, logger *logging.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Store{
		backend: backend,
		logger:  logger.Named("checkpoint"),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Store) initMetrics() {
	var err error
	s.saveCounter, err = s.meter.Int64Counter(
		"quorumd.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create save counter", zap.Error(err))
	}
}

// key returns the storage key for one checkpoint. Sequences are
// zero-padded so lexical listing order equals numeric order.
func key(runID string, seq int) string {
	return fmt.Sprintf("runs/%s/checkpoints/%06d", runID, seq)
}

// Save appends the next checkpoint for the state's run. The sequence
// number is assigned here: highest existing plus one. Any failure is
// reported as a WriteError and nothing is recorded.
func (s *Store) Save(ctx context.Context, state *run.State) (Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if state == nil {
		return Checkpoint{}, errors.New("state is required")
	}
	if err := state.Validate(); err != nil {
		return Checkpoint{}, fmt.Errorf("invalid state: %w", err)
	}

	span.SetAttributes(
		attribute.String("run.id", state.RunID),
		attribute.String("run.phase", string(state.Phase)),
		attribute.String("run.status", string(state.Status)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestSeq(ctx, state.RunID)
	if err != nil {
		return Checkpoint{}, &WriteError{RunID: state.RunID, Err: err}
	}

	cp := Checkpoint{
		RunID:     state.RunID,
		Seq:       latest + 1,
		Phase:     state.Phase,
		Status:    state.Status,
		State:     *state,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, &WriteError{RunID: cp.RunID, Seq: cp.Seq, Err: err}
	}
	if err := s.backend.Put(ctx, key(cp.RunID, cp.Seq), data); err != nil {
		return Checkpoint{}, &WriteError{RunID: cp.RunID, Seq: cp.Seq, Err: err}
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(cp.Phase)),
			attribute.String("status", string(cp.Status)),
		))
	}
	s.logger.Debug(ctx, "checkpoint saved",
		zap.Int("seq", cp.Seq),
		zap.String("phase", string(cp.Phase)),
		zap.String("status", string(cp.Status)),
	)
	return cp, nil
}

// latestSeq returns the highest sequence recorded for a run, zero when
// none exist.
func (s *Store) latestSeq(ctx context.Context, runID string) (int, error) {
	keys, err := s.backend.List(ctx, "runs/"+runID+"/checkpoints")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return seqFromKey(keys[len(keys)-1])
}

func seqFromKey(k string) (int, error) {
	idx := strings.LastIndex(k, "/")
	if idx < 0 {
		return 0, fmt.Errorf("malformed checkpoint key %q", k)
	}
	var seq int
	if _, err := fmt.Sscanf(k[idx+1:], "%d", &seq); err != nil {
		return 0, fmt.Errorf("malformed checkpoint key %q: %w", k, err)
	}
	return seq, nil
}

// Latest returns the highest-sequence checkpoint for a run, or
// storage.ErrNotFound when the run has none.
func (s *Store) Latest(ctx context.Context, runID string) (Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	keys, err := s.backend.List(ctx, "runs/"+runID+"/checkpoints")
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to list checkpoints for %s: %w", runID, err)
	}
	if len(keys) == 0 {
		return Checkpoint{}, fmt.Errorf("run %s has no checkpoints: %w", runID, storage.ErrNotFound)
	}
	return s.get(ctx, keys[len(keys)-1])
}

// List returns every checkpoint for a run in sequence order.
func (s *Store) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	keys, err := s.backend.List(ctx, "runs/"+runID+"/checkpoints")
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for %s: %w", runID, err)
	}
	cps := make([]Checkpoint, 0, len(keys))
	for _, k := range keys {
		cp, err := s.get(ctx, k)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, nil
}

// ListRuns returns the IDs of every run with at least one checkpoint,
// sorted.
func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list_runs")
	defer span.End()

	keys, err := s.backend.List(ctx, "runs")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, k := range keys {
		parts := strings.Split(k, "/")
		if len(parts) < 4 || parts[0] != "runs" || parts[2] != "checkpoints" {
			continue
		}
		if _, dup := seen[parts[1]]; dup {
			continue
		}
		seen[parts[1]] = struct{}{}
		ids = append(ids, parts[1])
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) get(ctx context.Context, k string) (Checkpoint, error) {
	data, err := s.backend.Get(ctx, k)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint %s: %w", k, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint %s: %w", k, err)
	}
	return cp, nil
}
