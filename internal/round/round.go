// Package round runs one deliberation round: every participating
// persona is called in parallel against the same starting context, so
// no persona's output can bias another's.
package round

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/agent"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/router"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Executor runs one persona call to completion, retries and artifact
// persistence included.
type Executor interface {
	Execute(ctx context.Context, req agent.Request) (agent.Output, error)
}

// AllAgentsFailedError means a round produced zero outputs. The run
// cannot proceed on an empty round.
type AllAgentsFailedError struct {
	Phase    run.Phase
	Failures map[string]string
}

func (e *AllAgentsFailedError) Error() string {
	personas := make([]string, 0, len(e.Failures))
	for p := range e.Failures {
		personas = append(personas, p)
	}
	sort.Strings(personas)
	return fmt.Sprintf("all %d agents failed in %s round: %s", len(e.Failures), e.Phase, strings.Join(personas, ", "))
}

// Result is one persona's round outcome. Missing results carry the
// error that caused them.
type Result struct {
	Persona string
	Output  agent.Output
	Missing bool
	Err     error
}

// Request describes one round.
type Request struct {
	RunID    string
	Phase    run.Phase
	Personas []agent.Persona
	Task     string
	// Feedback is routed into every persona's prompt this round.
	Feedback []string
	// Context is the accumulated context packet, identical for every
	// persona.
	Context []byte
	// Attempt is the phase entry attempt, passed through to artifact
	// keys.
	Attempt int
	// Descriptor carries the routing attributes shared by the round.
	Descriptor router.TaskDescriptor
}

// Config carries the round policy.
type Config struct {
	// Timeout bounds the whole round. Personas still running when it
	// expires are cancelled and marked missing.
	Timeout time.Duration
}

// Coordinator fans persona calls out and collects the results.
type Coordinator struct {
	executor Executor
	timeout  time.Duration
	logger   *logging.Logger
}

// NewCoordinator creates a round coordinator.
func NewCoordinator(cfg Config, exec Executor, logger *logging.Logger) (*Coordinator, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Coordinator{
		executor: exec,
		timeout:  cfg.Timeout,
		logger:   logger.Named("round"),
	}, nil
}

// Run executes one round. Every persona gets exactly one executor call
// (the executor handles retries internally); the calls run
// concurrently and Run waits for all of them or the round timeout,
// whichever comes first. Failed or timed-out personas are marked
// missing. The round succeeds with at least one output; with zero it
// returns AllAgentsFailedError.
func (c *Coordinator) Run(ctx context.Context, req Request) (map[string]Result, error) {
	if len(req.Personas) == 0 {
		return nil, fmt.Errorf("no personas registered for %s round", req.Phase)
	}

	roundCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	c.logger.Info(ctx, "round started",
		zap.String("phase", string(req.Phase)),
		zap.Int("personas", len(req.Personas)),
		zap.Int("attempt", req.Attempt),
	)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(req.Personas))
	)
	for _, persona := range req.Personas {
		wg.Add(1)
		go func(p agent.Persona) {
			defer wg.Done()

			out, err := c.executor.Execute(roundCtx, agent.Request{
				RunID:      req.RunID,
				Phase:      req.Phase,
				Persona:    p,
				Prompt:     p.BuildPrompt(req.Phase, req.Task, req.Feedback),
				Context:    req.Context,
				Attempt:    req.Attempt,
				Descriptor: req.Descriptor,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[p.Name] = Result{Persona: p.Name, Missing: true, Err: err}
				return
			}
			results[p.Name] = Result{Persona: p.Name, Output: out}
		}(persona)
	}
	wg.Wait()

	succeeded := 0
	failures := make(map[string]string)
	for name, res := range results {
		if res.Missing {
			failures[name] = res.Err.Error()
			c.logger.Warn(ctx, "persona missing from round",
				zap.String("phase", string(req.Phase)),
				zap.String("persona", name),
				zap.Error(res.Err),
			)
			continue
		}
		succeeded++
	}

	c.logger.Info(ctx, "round completed",
		zap.String("phase", string(req.Phase)),
		zap.Int("succeeded", succeeded),
		zap.Int("missing", len(failures)),
		zap.Duration("duration", time.Since(started)),
	)

	if succeeded == 0 {
		return results, &AllAgentsFailedError{Phase: req.Phase, Failures: failures}
	}
	return results, nil
}

// Outputs filters a result map down to the successful outputs, keyed
// by persona. Conflict detection consumes this shape.
func Outputs(results map[string]Result) map[string]string {
	out := make(map[string]string, len(results))
	for name, res := range results {
		if !res.Missing {
			out[name] = res.Output.Content
		}
	}
	return out
}
