// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - dual output (stdout and the OpenTelemetry log bridge)
//   - automatic context fields (trace_id, span_id, request.id, interaction.id, stage)
//   - field-name based secret redaction
//   - sampling below Error (errors are never sampled)
//
// Usage:
//
//	cfg, err := logging.ConfigFromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	defer logger.Sync()
//
//	ctx = logging.WithRequestID(ctx, "req_8f2c")
//	logger.Info(ctx, "stage completed", zap.String("stage", "verify"))
//
// Services that only need a *zap.Logger receive logger.Underlying().
package logging
