// Package logging provides structured, context-aware logging for autopilot.
//
// Logger wraps Zap with:
//   - A Trace level below Debug
//   - Dual output (stdout and the OpenTelemetry log bridge)
//   - Correlation fields pulled from the context (trace_id, request.id,
//     proposal.id, change.number)
//   - Encoder-level redaction so capability tokens and credentials never
//     reach a log sink
//   - Level-aware sampling (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithProposalID(ctx, id)
//	logger.Info(ctx, "proposal decided", zap.String("decision", "approved"))
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "merged", zap.Int("change.number", 7))
//	tl.AssertLogged(t, zapcore.InfoLevel, "merged")
//	tl.AssertNoSecrets(t)
package logging
