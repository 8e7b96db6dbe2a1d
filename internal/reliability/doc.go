// Package reliability provides the retry policies and circuit breaker that
// transports use when sending a leg to a remote peer.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return Retry(ctx, "publish", NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3), publish)
//	})
package reliability
