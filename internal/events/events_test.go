package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func testState() *run.State {
	st := run.NewState("add rate limiting to the ingest path")
	st.RunID = "run_ev1"
	st.Phase = run.PhaseDesign
	st.Status = run.StatusRunning
	return st
}

func TestPublisher_PublishesLifecycleEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	sub, err := nc.SubscribeSync("runs.run_ev1.>")
	require.NoError(t, err)

	pub := NewPublisher(connect(t, server), "runs", nil)
	st := testState()

	ctx := context.Background()
	pub.RunStarted(ctx, st)
	pub.PhaseEntered(ctx, st)
	pub.PhaseCompleted(ctx, st, run.PhaseAnalysis)
	pub.Paused(ctx, st)
	pub.Resumed(ctx, st)
	pub.Completed(ctx, st)

	wantSubjects := []string{
		"runs.run_ev1.started",
		"runs.run_ev1.phase.entered",
		"runs.run_ev1.phase.completed",
		"runs.run_ev1.paused",
		"runs.run_ev1.resumed",
		"runs.run_ev1.completed",
	}
	for _, want := range wantSubjects {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err, "waiting for %s", want)
		assert.Equal(t, want, msg.Subject)

		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "run_ev1", ev.RunID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestPublisher_PhaseCompletedNamesTheFinishedPhase(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	sub, err := nc.SubscribeSync("runs.run_ev1.phase.completed")
	require.NoError(t, err)

	pub := NewPublisher(connect(t, server), "runs", nil)
	st := testState() // already at design

	pub.PhaseCompleted(context.Background(), st, run.PhaseAnalysis)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, run.PhaseAnalysis, ev.Phase)
}

func TestPublisher_ConflictEscalatedCarriesRecord(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	sub, err := nc.SubscribeSync("runs.run_ev1.conflict.escalated")
	require.NoError(t, err)

	pub := NewPublisher(connect(t, server), "runs", nil)
	rec := conflict.Record{
		ID:       "cfl_12345678",
		Question: "storage engine",
		Type:     conflict.TypeDisagreement,
		Severity: conflict.SeverityHigh,
		Action:   conflict.ActionEscalated,
		Open:     true,
	}

	pub.ConflictEscalated(context.Background(), testState(), rec)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	require.NotNil(t, ev.Conflict)
	assert.Equal(t, "cfl_12345678", ev.Conflict.ID)
	assert.Equal(t, conflict.SeverityHigh, ev.Conflict.Severity)
}

func TestPublisher_FailedCarriesErrorCause(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	sub, err := nc.SubscribeSync("runs.run_ev1.failed")
	require.NoError(t, err)

	pub := NewPublisher(connect(t, server), "runs", nil)
	st := testState()
	st.Status = run.StatusFailed
	st.Error = "all agents failed in phase design"

	pub.Failed(context.Background(), st)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "all agents failed in phase design", ev.Error)
	assert.Equal(t, run.StatusFailed, ev.Status)
}

func TestPublisher_NilConnectionIsDisabled(t *testing.T) {
	pub := NewPublisher(nil, "runs", nil)
	assert.False(t, pub.Enabled())

	// Every method is a no-op, including Close.
	st := testState()
	pub.RunStarted(context.Background(), st)
	pub.Failed(context.Background(), st)
	pub.Close()
}

func TestConnect_DisabledConfig(t *testing.T) {
	pub, err := Connect(config.EventsConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.False(t, pub.Enabled())
}

func TestConnect_Enabled(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := Connect(config.EventsConfig{
		Enabled:       true,
		URL:           server.ClientURL(),
		SubjectPrefix: "runs",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	assert.True(t, pub.Enabled())
}
