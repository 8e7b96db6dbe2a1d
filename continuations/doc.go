// Package continuations implements suspend/resume tokens for messages.
//
// An interceptor that must wait for an external event obtains a
// Continuation from the message's Provider, calls Suspend and returns
// contracts.Pause(). The chain releases its goroutine. Whoever completes
// the work calls Resume, which re-dispatches the message to the provider's
// observer exactly once; by default that resumes the chain at its cursor.
// If the timeout elapses first, the exchange is marked failed with a
// ContinuationTimeout and the chain unwinds instead.
package continuations
