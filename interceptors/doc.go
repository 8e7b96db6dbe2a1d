// Package interceptors provides phase-ordered interceptor chains.
//
// An Interceptor is bound to a named phase and may declare which
// interceptors of the same phase it must run before or after. A chain is
// assembled against a phase list: interceptors are grouped by phase and
// each group is ordered topologically, ties going to registration order.
//
// Running a chain walks the interceptors in order. Each one returns an
// Outcome:
//   - Continue advances to the next interceptor
//   - Pause releases the calling goroutine; Resume re-enters at the cursor
//   - Fault calls HandleFault on the interceptors that already ran, in
//     reverse order, then aborts the chain
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs message processing with timing information
//   - MetricsInterceptor: Collects metrics through a MetricsCollector such as
//     PrometheusCollector
//   - TracingInterceptor: Opens an OpenTelemetry span per message
//   - RateLimitInterceptor: Rejects or delays messages per operation
//   - FilteringInterceptor: Stops messages failing a MessageFilter; guards use
//     an expression filter
//   - ShortCircuitInterceptor and DuplicateDetectionInterceptor: Abort the
//     chain without a fault
//
// Example usage:
//
//	bus := interceptors.NewProvider()
//	logging := interceptors.NewLoggingInterceptor(phase.Receive, phase.PostInvoke, logger)
//	bus.Add(phase.In, logging, logging.Ending())
//
//	merged, err := interceptors.Merge(phase.In, bus, endpoint)
//	if err != nil {
//		return err
//	}
//	chain, err := interceptors.NewChain(manager.InPhases(), merged)
//	if err != nil {
//		return err
//	}
//	err = chain.DoIntercept(ctx, msg)
//
// Custom interceptors embed Base and implement HandleMessage:
//
//	type AuditInterceptor struct {
//		interceptors.Base
//	}
//
//	func (i *AuditInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
//		// Processing logic
//		return contracts.Continue()
//	}
package interceptors
