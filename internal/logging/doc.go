// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug) for raw agent replies
//   - stdout and optional OpenTelemetry output via the otelzap bridge
//   - automatic correlation fields (trace_id, incident.id, run.id, worker)
//   - secret redaction by field name and value pattern
//   - sampling below Error
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	ctx = logging.WithIncidentID(ctx, inc.ID)
//	logger.Info(ctx, "gate decided", zap.String("decision", string(d)))
//
// Adapters that only need a *zap.Logger receive logger.Underlying().
package logging
