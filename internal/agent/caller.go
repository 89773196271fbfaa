package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Caller invokes one model backend. Implementations are interchangeable;
// the executor picks a caller per attempt from the routing decision.
type Caller interface {
	Call(ctx context.Context, persona, prompt string, contextPacket []byte, timeout time.Duration) (string, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, persona, prompt string, contextPacket []byte, timeout time.Duration) (string, error)

func (f CallerFunc) Call(ctx context.Context, persona, prompt string, contextPacket []byte, timeout time.Duration) (string, error) {
	return f(ctx, persona, prompt, contextPacket, timeout)
}

// Unconfigured returns a caller that fails every call as unavailable.
// Used for tiers with no command configured.
func Unconfigured(backend string) Caller {
	return CallerFunc(func(context.Context, string, string, []byte, time.Duration) (string, error) {
		return "", &UnavailableError{Backend: backend, Err: errors.New("no command configured")}
	})
}

// ExecCaller runs a configured command per call. The prompt and the
// context packet go to stdin separated by a blank line; stdout is the
// agent's reply. The persona name is appended to the argv so one
// command can serve every persona.
type ExecCaller struct {
	backend string
	argv    []string
}

// NewExecCaller creates an exec-backed caller for one backend tier.
func NewExecCaller(backend string, argv []string) (*ExecCaller, error) {
	if backend == "" {
		return nil, errors.New("backend name is required")
	}
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("%s backend command is empty", backend)
	}
	return &ExecCaller{backend: backend, argv: append([]string(nil), argv...)}, nil
}

func (c *ExecCaller) Call(ctx context.Context, persona, prompt string, contextPacket []byte, timeout time.Duration) (string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.argv[1:]...), persona)
	cmd := exec.CommandContext(callCtx, c.argv[0], args...)

	var stdin bytes.Buffer
	stdin.WriteString(prompt)
	if len(contextPacket) > 0 {
		stdin.WriteString("\n\n")
		stdin.Write(contextPacket)
	}
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Distinguish our deadline from a genuinely broken backend. A
		// cancelled parent context is neither; report it as-is.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", &TimeoutError{Persona: persona, Backend: c.backend, Timeout: timeout}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &UnavailableError{Backend: c.backend, Err: fmt.Errorf("%w: %s", err, stderrTail(stderr.String()))}
	}
	return stdout.String(), nil
}

// stderrTail keeps error messages bounded when a command dumps a lot
// of diagnostics before dying.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
