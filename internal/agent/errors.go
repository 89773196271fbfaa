package agent

import (
	"fmt"
	"time"
)

// TimeoutError indicates a backend produced no response within the
// call timeout. The executor retries these.
type TimeoutError struct {
	Persona string
	Backend string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %s on %s backend", e.Persona, e.Timeout, e.Backend)
}

// UnavailableError indicates a backend could not serve the call at
// all. Not retried: the round coordinator marks the persona missing.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
