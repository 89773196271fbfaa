// Package events publishes run lifecycle events to NATS so dashboards
// and SSE bridges can follow a run without polling the API.
//
// Publishing is fire-and-forget: a failed publish is logged and never
// surfaces to the state machine. A Publisher built without a
// connection is disabled and every method is a no-op.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Event names, appended to the run's subject.
const (
	EventStarted           = "started"
	EventPhaseEntered      = "phase.entered"
	EventPhaseCompleted    = "phase.completed"
	EventConflictEscalated = "conflict.escalated"
	EventPaused            = "paused"
	EventResumed           = "resumed"
	EventCompleted         = "completed"
	EventFailed            = "failed"
)

// Event is the JSON payload published for every transition.
type Event struct {
	RunID     string           `json:"run_id"`
	Type      string           `json:"type"`
	Phase     run.Phase        `json:"phase,omitempty"`
	Status    run.Status       `json:"status,omitempty"`
	Conflict  *conflict.Record `json:"conflict,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher publishes run events to NATS subjects of the form
// {prefix}.{run_id}.{event}.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewPublisher creates a publisher. A nil connection disables
// publishing. The logger is optional.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = "runs"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger.Named("events"),
	}
}

// Connect dials NATS per the config and returns a publisher. A
// disabled config returns a disabled publisher and no error.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return NewPublisher(nil, cfg.SubjectPrefix, logger), nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("quorumd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix, logger), nil
}

// Enabled reports whether events are actually published.
func (p *Publisher) Enabled() bool {
	return p != nil && p.nc != nil
}

// Close drains the connection. Safe on a disabled publisher.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}

func (p *Publisher) publish(ctx context.Context, event string, ev Event) {
	if !p.Enabled() {
		return
	}
	ev.Type = event
	ev.Timestamp = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn(ctx, "failed to marshal run event",
			zap.String("event", event), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", p.prefix, ev.RunID, event)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "failed to publish run event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Publisher) stateEvent(st *run.State) Event {
	return Event{RunID: st.RunID, Phase: st.Phase, Status: st.Status}
}

// RunStarted publishes {prefix}.{id}.started.
func (p *Publisher) RunStarted(ctx context.Context, st *run.State) {
	p.publish(ctx, EventStarted, p.stateEvent(st))
}

// PhaseEntered publishes {prefix}.{id}.phase.entered.
func (p *Publisher) PhaseEntered(ctx context.Context, st *run.State) {
	p.publish(ctx, EventPhaseEntered, p.stateEvent(st))
}

// PhaseCompleted publishes {prefix}.{id}.phase.completed for the phase
// the run just left.
func (p *Publisher) PhaseCompleted(ctx context.Context, st *run.State, completed run.Phase) {
	ev := p.stateEvent(st)
	ev.Phase = completed
	p.publish(ctx, EventPhaseCompleted, ev)
}

// ConflictEscalated publishes {prefix}.{id}.conflict.escalated with the
// escalated record attached.
func (p *Publisher) ConflictEscalated(ctx context.Context, st *run.State, rec conflict.Record) {
	ev := p.stateEvent(st)
	ev.Conflict = &rec
	p.publish(ctx, EventConflictEscalated, ev)
}

// Paused publishes {prefix}.{id}.paused.
func (p *Publisher) Paused(ctx context.Context, st *run.State) {
	p.publish(ctx, EventPaused, p.stateEvent(st))
}

// Resumed publishes {prefix}.{id}.resumed.
func (p *Publisher) Resumed(ctx context.Context, st *run.State) {
	p.publish(ctx, EventResumed, p.stateEvent(st))
}

// Completed publishes {prefix}.{id}.completed.
func (p *Publisher) Completed(ctx context.Context, st *run.State) {
	p.publish(ctx, EventCompleted, p.stateEvent(st))
}

// Failed publishes {prefix}.{id}.failed with the failure cause.
func (p *Publisher) Failed(ctx context.Context, st *run.State) {
	ev := p.stateEvent(st)
	ev.Error = st.Error
	p.publish(ctx, EventFailed, ev)
}
