package round

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/quorumd/internal/agent"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// executorFunc adapts a function to the Executor interface.
type executorFunc func(ctx context.Context, req agent.Request) (agent.Output, error)

func (f executorFunc) Execute(ctx context.Context, req agent.Request) (agent.Output, error) {
	return f(ctx, req)
}

func personas(names ...string) []agent.Persona {
	out := make([]agent.Persona, len(names))
	for i, n := range names {
		out[i] = agent.Persona{Name: n, Role: n}
	}
	return out
}

func newCoordinator(t *testing.T, timeout time.Duration, exec Executor) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{Timeout: timeout}, exec, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return c
}

func TestRun_AllSucceed(t *testing.T) {
	exec := executorFunc(func(_ context.Context, req agent.Request) (agent.Output, error) {
		return agent.Output{Persona: req.Persona.Name, Content: "output from " + req.Persona.Name}, nil
	})
	c := newCoordinator(t, time.Second, exec)

	results, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseAnalysis,
		Personas: personas("architect", "tester", "senior_engineer"),
		Task:     "task",
		Attempt:  1,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for name, res := range results {
		assert.False(t, res.Missing)
		assert.Equal(t, "output from "+name, res.Output.Content)
	}
}

func TestRun_PartialFailureIsMissingOutput(t *testing.T) {
	exec := executorFunc(func(_ context.Context, req agent.Request) (agent.Output, error) {
		if req.Persona.Name == "tester" {
			return agent.Output{}, &agent.TimeoutError{Persona: "tester", Backend: "local", Timeout: time.Second}
		}
		return agent.Output{Persona: req.Persona.Name, Content: "ok"}, nil
	})
	c := newCoordinator(t, time.Second, exec)

	results, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseDesign,
		Personas: personas("architect", "tester", "security_reviewer"),
		Attempt:  1,
	})
	require.NoError(t, err, "a round with one output still succeeds")

	assert.False(t, results["architect"].Missing)
	assert.False(t, results["security_reviewer"].Missing)
	require.True(t, results["tester"].Missing)
	assert.Error(t, results["tester"].Err)

	outputs := Outputs(results)
	assert.Len(t, outputs, 2)
	assert.NotContains(t, outputs, "tester")
}

func TestRun_AllFail(t *testing.T) {
	exec := executorFunc(func(_ context.Context, req agent.Request) (agent.Output, error) {
		return agent.Output{}, &agent.UnavailableError{Backend: "local", Err: assert.AnError}
	})
	c := newCoordinator(t, time.Second, exec)

	results, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseDesign,
		Personas: personas("architect", "tester"),
		Attempt:  1,
	})

	var allFailed *AllAgentsFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, run.PhaseDesign, allFailed.Phase)
	assert.Len(t, allFailed.Failures, 2)
	assert.Contains(t, allFailed.Error(), "architect, tester")
	assert.Len(t, results, 2, "missing results still returned for inspection")
}

func TestRun_TimeoutCancelsStragglers(t *testing.T) {
	exec := executorFunc(func(ctx context.Context, req agent.Request) (agent.Output, error) {
		if req.Persona.Name == "slow" {
			<-ctx.Done()
			return agent.Output{}, ctx.Err()
		}
		return agent.Output{Persona: req.Persona.Name, Content: "fast"}, nil
	})
	c := newCoordinator(t, 100*time.Millisecond, exec)

	start := time.Now()
	results, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseAnalysis,
		Personas: personas("fast_one", "slow"),
		Attempt:  1,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.False(t, results["fast_one"].Missing)
	require.True(t, results["slow"].Missing)
	assert.ErrorIs(t, results["slow"].Err, context.DeadlineExceeded)
}

func TestRun_ParallelDispatch(t *testing.T) {
	// Every persona blocks until all three calls are in flight; the
	// round can only finish if dispatch is concurrent.
	const n = 3
	var inFlight atomic.Int32
	allStarted := make(chan struct{})

	exec := executorFunc(func(ctx context.Context, req agent.Request) (agent.Output, error) {
		if inFlight.Add(1) == n {
			close(allStarted)
		}
		select {
		case <-allStarted:
			return agent.Output{Persona: req.Persona.Name, Content: "ok"}, nil
		case <-ctx.Done():
			return agent.Output{}, ctx.Err()
		}
	})
	c := newCoordinator(t, 2*time.Second, exec)

	results, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseAnalysis,
		Personas: personas("a", "b", "c"),
		Attempt:  1,
	})
	require.NoError(t, err)
	for _, res := range results {
		assert.False(t, res.Missing)
	}
}

func TestRun_OneCallPerPersona(t *testing.T) {
	var calls atomic.Int32
	exec := executorFunc(func(_ context.Context, req agent.Request) (agent.Output, error) {
		calls.Add(1)
		return agent.Output{Persona: req.Persona.Name, Content: "ok"}, nil
	})
	c := newCoordinator(t, time.Second, exec)

	_, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseAnalysis,
		Personas: personas("a", "b", "c", "d"),
		Attempt:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRun_NoPersonas(t *testing.T) {
	c := newCoordinator(t, time.Second, executorFunc(func(_ context.Context, _ agent.Request) (agent.Output, error) {
		return agent.Output{}, nil
	}))

	_, err := c.Run(context.Background(), Request{RunID: "run_1", Phase: run.PhaseAnalysis})
	assert.Error(t, err)
}

func TestRun_PromptCarriesFeedback(t *testing.T) {
	var sawPrompt atomic.Value
	exec := executorFunc(func(_ context.Context, req agent.Request) (agent.Output, error) {
		sawPrompt.Store(req.Prompt)
		return agent.Output{Persona: req.Persona.Name, Content: "ok"}, nil
	})
	c := newCoordinator(t, time.Second, exec)

	_, err := c.Run(context.Background(), Request{
		RunID:    "run_1",
		Phase:    run.PhaseDesign,
		Personas: personas("architect"),
		Task:     "the task",
		Feedback: []string{"address the index question"},
		Attempt:  2,
	})
	require.NoError(t, err)

	prompt, _ := sawPrompt.Load().(string)
	assert.Contains(t, prompt, "the task")
	assert.Contains(t, prompt, "address the index question")
}

func TestNewCoordinator_RequiresExecutor(t *testing.T) {
	_, err := NewCoordinator(Config{}, nil, nil)
	assert.Error(t, err)
}
