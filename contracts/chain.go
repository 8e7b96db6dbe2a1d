package contracts

import (
	"context"
	"time"
)

// ChainState is the execution state of an interceptor chain
type ChainState int32

const (
	StateExecuting ChainState = iota
	StatePaused
	StateComplete
	StateAborted
)

func (s ChainState) String() string {
	switch s {
	case StateExecuting:
		return "EXECUTING"
	case StatePaused:
		return "PAUSED"
	case StateComplete:
		return "COMPLETE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// InterceptorChain is the view of a chain that interceptors, continuations
// and observers get through Message.Chain
type InterceptorChain interface {
	// DoIntercept runs the chain from its cursor until it completes, pauses
	// or faults
	DoIntercept(ctx context.Context, msg *Message) error

	// Pause stops the chain after the current interceptor returns
	Pause()

	// Resume re-enters a paused chain at its cursor
	Resume(ctx context.Context) error

	// Abort stops the chain without a fault
	Abort()

	// State returns the current state
	State() ChainState
}

// MessageObserver receives messages from transports and continuations
type MessageObserver interface {
	OnMessage(ctx context.Context, msg *Message)
}

// MessageObserverFunc is a function adapter for MessageObserver
type MessageObserverFunc func(ctx context.Context, msg *Message)

// OnMessage implements MessageObserver
func (f MessageObserverFunc) OnMessage(ctx context.Context, msg *Message) {
	f(ctx, msg)
}

// Conduit sends a message leg to its peer
type Conduit interface {
	Send(ctx context.Context, msg *Message) error
}

// ConduitFunc is a function adapter for Conduit
type ConduitFunc func(ctx context.Context, msg *Message) error

// Send implements Conduit
func (f ConduitFunc) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// FaultListener can take over logging of chain faults. It is looked up as
// the contextual property PropFaultListener. Returning true asks the chain
// to log the fault as well.
type FaultListener interface {
	FaultOccurred(err error, description string, msg *Message) bool
}

// OutcomeKind discriminates an Outcome
type OutcomeKind int

const (
	OutcomeContinue OutcomeKind = iota
	OutcomePause
	OutcomeFault
)

// Outcome is what an interceptor returns from HandleMessage
type Outcome struct {
	kind OutcomeKind
	err  error
}

// Continue advances the chain to the next interceptor
func Continue() Outcome {
	return Outcome{kind: OutcomeContinue}
}

// Pause releases the calling goroutine; the chain waits for Resume
func Pause() Outcome {
	return Outcome{kind: OutcomePause}
}

// Fault diverts the chain into fault unwind
func Fault(err error) Outcome {
	if err == nil {
		err = &RuntimeFault{Err: ErrNilFault}
	}
	return Outcome{kind: OutcomeFault, err: err}
}

// Kind returns the outcome kind
func (o Outcome) Kind() OutcomeKind {
	return o.kind
}

// Err returns the fault carried by a Fault outcome
func (o Outcome) Err() error {
	return o.err
}

// Continuation is a suspend/resume token for one message
type Continuation interface {
	// Suspend moves a new token to pending. It returns false when the token
	// is already pending or spent, leaving its state unchanged.
	Suspend(timeout time.Duration) bool

	// Resume re-dispatches the message exactly once
	Resume()

	IsNew() bool
	IsPending() bool
	IsResumed() bool

	// IsExpired reports whether the timeout won the race against Resume
	IsExpired() bool

	// Object returns the caller-defined payload
	Object() interface{}
	SetObject(obj interface{})
}

// ContinuationProvider hands out continuations for a message
type ContinuationProvider interface {
	// GetContinuation returns the live token, or a fresh one once the
	// previous token has resumed
	GetContinuation() Continuation

	// Complete cancels a pending token without re-dispatching
	Complete()
}
