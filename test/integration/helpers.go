package integration

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/quorumd/internal/agent"
	"github.com/fyrsmithlabs/quorumd/internal/artifact"
	"github.com/fyrsmithlabs/quorumd/internal/checkpoint"
	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/engine"
	"github.com/fyrsmithlabs/quorumd/internal/feedback"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/round"
	"github.com/fyrsmithlabs/quorumd/internal/run"
	"github.com/fyrsmithlabs/quorumd/internal/storage"
)

var phasePattern = regexp.MustCompile(`Current phase: (\w+)\.`)

// reviewCrew backs every persona with one deterministic caller. With
// disagree set, the architect and senior engineer take opposing
// high-severity stances during design, which escalates and pauses the
// run.
type reviewCrew struct {
	mu       sync.Mutex
	disagree bool
	calls    map[string]int
}

func newReviewCrew(disagree bool) *reviewCrew {
	return &reviewCrew{disagree: disagree, calls: make(map[string]int)}
}

func (c *reviewCrew) caller() agent.CallerFunc {
	return func(_ context.Context, persona, prompt string, _ []byte, _ time.Duration) (string, error) {
		phase := "analysis"
		if m := phasePattern.FindStringSubmatch(prompt); m != nil {
			phase = m[1]
		}
		c.mu.Lock()
		c.calls[phase]++
		disagree := c.disagree
		c.mu.Unlock()

		out := fmt.Sprintf("## %s notes\n\nThe %s work looks sound from the %s seat.\n\n", persona, phase, persona)
		if disagree && phase == "design" {
			switch persona {
			case "architect":
				out += "POSITION[delivery queue]: We must use the managed queue for its delivery guarantees.\n"
			case "senior_engineer":
				out += "POSITION[delivery queue]: The managed queue is never debuggable under load; run our own broker.\n"
			}
		}
		return out, nil
	}
}

// phaseCalls returns how many persona calls the phase has received
// across every round so far.
func (c *reviewCrew) phaseCalls(phase string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[phase]
}

// fakeGitHub implements github.Client against in-memory state, so
// tests can script reviewer activity and CI outcomes.
type fakeGitHub struct {
	mu       sync.Mutex
	nextPR   int
	ci       github.CIStatus
	prTitle  string
	prBody   string
	prFiles  []string
	comments []github.Comment
	replies  map[int64]string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		nextPR:  700,
		ci:      github.CISuccess,
		replies: make(map[int64]string),
	}
}

func (f *fakeGitHub) FetchComments(_ context.Context, _ github.Ref) ([]github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.Comment(nil), f.comments...), nil
}

func (f *fakeGitHub) PostReply(_ context.Context, _ github.Ref, c github.Comment, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[c.ID] = body
	return nil
}

func (f *fakeGitHub) CreateOrUpdatePR(_ context.Context, ref github.Ref, title, body string, files []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prTitle = title
	f.prBody = body
	f.prFiles = files
	if ref.PRNumber != 0 {
		return ref.PRNumber, nil
	}
	return f.nextPR, nil
}

func (f *fakeGitHub) GetCIStatus(_ context.Context, _ github.Ref, _ string) (github.CIStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ci, nil
}

func (f *fakeGitHub) setCI(status github.CIStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ci = status
}

// leaveComment records a reviewer comment on the fake pull request.
func (f *fakeGitHub) leaveComment(id int64, author, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, github.Comment{
		ID:        id,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
}

func (f *fakeGitHub) reply(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[id]
}

func (f *fakeGitHub) pullRequest() (title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prTitle, f.prBody
}

// testStack is a fully wired engine with the fakes around it: the
// compiled-in persona crew, in-memory storage, and, when a client is
// given, the reviewer feedback loop.
type testStack struct {
	eng         *engine.Engine
	loop        *feedback.Loop
	checkpoints *checkpoint.Store
	artifacts   *artifact.Store
	ckptBackend storage.Backend
	artBackend  storage.Backend
}

// createTestStack wires an engine over fresh in-memory storage. A nil
// client runs without the review surface.
func createTestStack(t *testing.T, crew *reviewCrew, gh github.Client) *testStack {
	t.Helper()
	return createTestStackOn(t, crew, gh, storage.NewMemory(), storage.NewMemory())
}

// createTestStackOn reuses existing backends, simulating a daemon
// restart over surviving state.
func createTestStackOn(t *testing.T, crew *reviewCrew, gh github.Client, ckptBackend, artBackend storage.Backend) *testStack {
	t.Helper()
	logger := logging.NewTestLogger().Logger

	ckpt, err := checkpoint.NewStore(ckptBackend, logger)
	require.NoError(t, err)
	arts, err := artifact.NewStore(artBackend)
	require.NoError(t, err)

	personas := config.DefaultPersonas()
	registry, err := agent.NewRegistry(personas)
	require.NoError(t, err)

	precedence := make(conflict.ListPrecedence, 0, len(personas))
	for _, p := range personas {
		precedence = append(precedence, p.Name)
	}

	caller := crew.caller()
	exec, err := agent.NewExecutor(
		agent.ExecutorConfig{CallTimeout: time.Second},
		agent.Backends{Local: caller, Remote: caller},
		arts, logger)
	require.NoError(t, err)

	coord, err := round.NewCoordinator(round.Config{Timeout: 10 * time.Second}, exec, logger)
	require.NoError(t, err)

	resolver, err := conflict.NewResolver(precedence)
	require.NoError(t, err)

	s := &testStack{
		checkpoints: ckpt,
		artifacts:   arts,
		ckptBackend: ckptBackend,
		artBackend:  artBackend,
	}

	s.eng, err = engine.New(engine.Config{
		GitHubOwner: "fyrsmithlabs",
		GitHubRepo:  "quorum-demo",
		BotLogin:    "quorum-bot",
	}, engine.Deps{
		Registry:    registry,
		Coordinator: coord,
		Checkpoints: ckpt,
		Artifacts:   arts,
		Resolver:    resolver,
		GitHub:      gh,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(s.eng.Close)

	if gh != nil {
		s.loop, err = feedback.NewLoop(s.eng, gh, feedback.Config{
			PollInterval: 10 * time.Millisecond,
			BotLogin:     "quorum-bot",
		}, logger)
		require.NoError(t, err)
	}
	return s
}

// waitFor blocks until the run's persisted status matches and no drive
// goroutine holds it.
func (s *testStack) waitFor(t *testing.T, runID string, want run.Status) engine.RunStatus {
	t.Helper()
	var last engine.RunStatus
	require.Eventually(t, func() bool {
		st, err := s.eng.GetStatus(context.Background(), runID)
		if err != nil {
			return false
		}
		last = st
		return st.Status == want && !st.Active
	}, 10*time.Second, 5*time.Millisecond, "run never reached %s (last: %+v)", want, last)
	return last
}
