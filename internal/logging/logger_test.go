package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_DefaultConfig(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestNewLogger_OTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	// OTEL enabled but no provider supplied means no usable output.
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"bogus", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_ContextFieldsAttached(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithRunID(context.Background(), "run_feedface")
	ctx = WithPhase(ctx, "implementation")

	tl.Info(ctx, "phase started", zap.Int("attempt", 1))

	tl.AssertLogged(t, zapcore.InfoLevel, "phase started")
	tl.AssertField(t, "phase started", "run.id", "run_feedface")
	tl.AssertField(t, "phase started", "run.phase", "implementation")
}

func TestLogger_TraceLevel(t *testing.T) {
	tl := NewTestLogger()
	require.True(t, tl.Enabled(TraceLevel))

	tl.Trace(context.Background(), "very detailed")
	tl.AssertLogged(t, TraceLevel, "very detailed")
}

func TestLogger_Named(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("engine")
	child.Info(context.Background(), "ready")

	entries := tl.FilterMessage("ready").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
}

func TestLogger_With(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "router"))
	child.Info(context.Background(), "decision made")

	tl.AssertField(t, "decision made", "component", "router")
}
