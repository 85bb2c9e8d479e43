// Package logging wraps zap with context-aware methods for dealflow.
//
// Every entry logged through a Logger picks up correlation fields from the
// context: trace_id and span_id from the active OpenTelemetry span, plus the
// owner, thread, event type and request ID set with the With* helpers.
//
//	ctx = logging.WithThreadID(ctx, thread.ID)
//	logger.Info(ctx, "transition committed", zap.String("stage.to", "extracted"))
//
// Output goes to stdout (JSON or console) and optionally to the OTEL log
// bridge. The stdout encoder redacts sensitive keys and values: configured
// field names, configured regexes, and anything the inbound content scrubber
// would redact (card numbers, IBANs, API keys). Levels below error are
// sampled; errors never are.
//
// Tests use NewTestLogger, which records entries with zaptest/observer.
package logging
