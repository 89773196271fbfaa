// Package logging provides structured, context-aware logging for quorumd.
//
// It wraps Zap with methods that extract correlation data (trace/span IDs,
// run ID, phase, persona, request ID) from the context on every call, so a
// single grep on run.id reconstructs the full history of a run across the
// engine, the coordinator, and the feedback loop.
//
// Basic usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "phase entered", zap.String("phase", "design"))
//
// When telemetry is enabled, pass the OTEL logger provider as the second
// argument to NewLogger to mirror log records to the collector.
package logging
