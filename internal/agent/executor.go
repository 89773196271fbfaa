// Package agent executes persona calls against the model backends.
//
// The executor owns the full per-call policy: backend routing, the
// call timeout, the retry budget, and artifact persistence. Call sites
// never retry; they hand the executor a request and get back either an
// output whose artifact is already durable, or an error classified by
// the failure taxonomy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/artifact"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/router"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Backends holds one caller per routing tier.
type Backends struct {
	Local  Caller
	Remote Caller
}

func (b Backends) pick(tier router.Backend) Caller {
	if tier == router.BackendRemote {
		return b.Remote
	}
	return b.Local
}

// ExecutorConfig carries the executor's call policy.
type ExecutorConfig struct {
	// Limits are the routing thresholds.
	Limits router.Limits
	// CallTimeout bounds each individual backend call.
	CallTimeout time.Duration
	// MaxRetries is the number of additional attempts after a timeout.
	MaxRetries int
}

// Executor dispatches persona calls.
type Executor struct {
	limits      router.Limits
	callTimeout time.Duration
	maxRetries  int
	backends    Backends
	artifacts   *artifact.Store
	logger      *logging.Logger
}

// NewExecutor creates an executor. Nil backend tiers are replaced with
// callers that fail as unavailable, so a half-configured deployment
// degrades per call instead of at startup.
func NewExecutor(cfg ExecutorConfig, backends Backends, store *artifact.Store, logger *logging.Logger) (*Executor, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative, got %d", cfg.MaxRetries)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.Limits == (router.Limits{}) {
		cfg.Limits = router.DefaultLimits()
	}
	if backends.Local == nil {
		backends.Local = Unconfigured(string(router.BackendLocal))
	}
	if backends.Remote == nil {
		backends.Remote = Unconfigured(string(router.BackendRemote))
	}
	return &Executor{
		limits:      cfg.Limits,
		callTimeout: cfg.CallTimeout,
		maxRetries:  cfg.MaxRetries,
		backends:    backends,
		artifacts:   store,
		logger:      logger.Named("executor"),
	}, nil
}

// Request is one unit of persona work.
type Request struct {
	RunID   string
	Phase   run.Phase
	Persona Persona
	Prompt  string
	// Context is the accumulated context packet for the phase.
	Context []byte
	// Attempt is the phase entry attempt; it keys the artifact.
	Attempt int
	// Descriptor carries the routing attributes known to the caller
	// (diff size, files touched, escalation). Phase and retry count
	// are filled in per attempt.
	Descriptor router.TaskDescriptor
}

func (r Request) validate() error {
	key := artifact.Key{RunID: r.RunID, Phase: r.Phase, Persona: r.Persona.Name, Attempt: r.Attempt}
	return key.Validate()
}

// Output is one successful persona call, artifact already persisted.
type Output struct {
	Persona string          `json:"persona"`
	Content string          `json:"content"`
	Backend router.Backend  `json:"backend"`
	Ref     run.ArtifactRef `json:"ref"`
	Retries int             `json:"retries"`
}

// Execute runs one persona call to completion. Each attempt is routed
// independently, so retried calls can move to the remote backend once
// they cross the retry threshold. Only timeouts are retried; an
// unavailable backend fails immediately. The output artifact is
// persisted before Execute returns.
func (e *Executor) Execute(ctx context.Context, req Request) (Output, error) {
	if err := req.validate(); err != nil {
		return Output{}, err
	}
	ctx = logging.WithPersona(ctx, req.Persona.Name)

	for retry := 0; ; retry++ {
		desc := req.Descriptor
		desc.Phase = req.Phase
		desc.RetryCount = retry
		decision := router.Route(desc, e.limits)

		e.logger.Debug(ctx, "dispatching agent call",
			zap.String("backend", string(decision.Backend)),
			zap.String("routing_rule", decision.Rule),
			zap.Int("retry", retry),
		)

		content, err := e.backends.pick(decision.Backend).Call(ctx, req.Persona.Name, req.Prompt, req.Context, e.callTimeout)
		if err == nil {
			key := artifact.Key{RunID: req.RunID, Phase: req.Phase, Persona: req.Persona.Name, Attempt: req.Attempt}
			ref, perr := e.artifacts.Put(ctx, key, []byte(content))
			if perr != nil {
				return Output{}, perr
			}
			return Output{
				Persona: req.Persona.Name,
				Content: content,
				Backend: decision.Backend,
				Ref:     ref,
				Retries: retry,
			}, nil
		}

		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("agent %s call abandoned: %w", req.Persona.Name, ctx.Err())
		}

		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) && retry < e.maxRetries {
			e.logger.Warn(ctx, "agent call timed out, retrying",
				zap.String("backend", string(decision.Backend)),
				zap.Int("retry", retry),
				zap.Duration("timeout", e.callTimeout),
			)
			continue
		}
		return Output{}, fmt.Errorf("agent %s call failed: %w", req.Persona.Name, err)
	}
}
