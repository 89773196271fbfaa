package conflict

import (
	"errors"
	"sync"
)

// Precedence decides which persona's position wins a conflict.
type Precedence interface {
	// Winner returns the highest-ranked persona among the candidates,
	// or false when none of them is ranked.
	Winner(personas []string) (string, bool)
}

// ListPrecedence ranks personas by list position, earliest wins.
type ListPrecedence []string

func (l ListPrecedence) Winner(personas []string) (string, bool) {
	for _, ranked := range l {
		for _, p := range personas {
			if p == ranked {
				return ranked, true
			}
		}
	}
	return "", false
}

// Resolver applies the arbitration policy to detected conflicts.
type Resolver struct {
	mu         sync.RWMutex
	precedence Precedence
}

// NewResolver creates a resolver backed by the given precedence order.
func NewResolver(p Precedence) (*Resolver, error) {
	if p == nil {
		return nil, errors.New("precedence is required")
	}
	return &Resolver{precedence: p}, nil
}

// Reload replaces the precedence order. Records resolved before the
// reload keep their outcome.
func (r *Resolver) Reload(p Precedence) error {
	if p == nil {
		return errors.New("precedence is required")
	}
	r.mu.Lock()
	r.precedence = p
	r.mu.Unlock()
	return nil
}

// Resolve settles each record in place. Low and medium severity
// conflicts with a ranked winner are auto-resolved, adopting the
// winner's position verbatim as the resolution. High severity
// conflicts, and conflicts no ranked persona is party to, stay open
// and are marked for human escalation.
//
// Resolve returns the records that escalated.
func (r *Resolver) Resolve(records []Record) []Record {
	r.mu.RLock()
	precedence := r.precedence
	r.mu.RUnlock()

	var escalated []Record
	for i := range records {
		rec := &records[i]
		if !rec.Open {
			continue
		}
		if rec.Severity == SeverityHigh {
			rec.Action = ActionEscalated
			escalated = append(escalated, *rec)
			continue
		}
		winner, ok := precedence.Winner(rec.Personas)
		if !ok {
			rec.Action = ActionEscalated
			escalated = append(escalated, *rec)
			continue
		}
		rec.Close(ActionAutoResolved, rec.Positions[winner])
	}
	return escalated
}
