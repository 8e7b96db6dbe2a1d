// Package contracts provides the core types shared by every layer of the
// phase chain runtime.
//
// This package defines:
//   - Message: one leg of an interaction, with properties, headers and
//     type-indexed content formats
//   - Exchange: correlates the request, response and fault legs
//   - InterceptorChain, Continuation and MessageObserver: the interfaces
//     interceptors and transports program against
//   - Outcome: the result of an interceptor step (continue, pause, fault)
//   - Envelope: the neutral frame transports encode and decode
//   - Fault types and sentinel errors
package contracts
