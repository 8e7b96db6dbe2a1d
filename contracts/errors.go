package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Chain errors
	ErrChainAborted = errors.New("interceptor chain: chain is aborted")
	ErrChainBusy    = errors.New("interceptor chain: chain is executing on another caller")
	ErrUnknownPhase = errors.New("interceptor chain: unknown phase")
	ErrNotFound     = errors.New("interceptor chain: interceptor not found")
	ErrNilFault     = errors.New("interceptor chain: fault outcome without error")

	// Continuation errors
	ErrContinuationLimit = errors.New("continuation: pending limit reached")
)

// FaultMode classifies a fault
type FaultMode string

const (
	FaultModeProtocol FaultMode = "protocol"
	FaultModeRuntime  FaultMode = "runtime"
	FaultModeTimeout  FaultMode = "timeout"
)

// ProtocolFault is raised deliberately by an interceptor to report a
// recoverable error such as a malformed request
type ProtocolFault struct {
	Code   string
	Reason string
	Err    error
}

// NewProtocolFault creates a protocol fault
func NewProtocolFault(code, reason string) *ProtocolFault {
	return &ProtocolFault{Code: code, Reason: reason}
}

func (e *ProtocolFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol fault %s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol fault %s: %s", e.Code, e.Reason)
}

func (e *ProtocolFault) Unwrap() error {
	return e.Err
}

// RuntimeFault wraps an unexpected error or panic escaping an interceptor
type RuntimeFault struct {
	Interceptor string
	Phase       string
	Err         error
	Panic       interface{}
}

func (e *RuntimeFault) Error() string {
	var b strings.Builder
	b.WriteString("runtime fault")
	if e.Interceptor != "" {
		fmt.Fprintf(&b, " in %s", e.Interceptor)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " (phase %s)", e.Phase)
	}
	switch {
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	case e.Panic != nil:
		fmt.Fprintf(&b, ": panic: %v", e.Panic)
	}
	return b.String()
}

func (e *RuntimeFault) Unwrap() error {
	return e.Err
}

// ChainAssemblyError reports an interceptor set that cannot be ordered
type ChainAssemblyError struct {
	Phase       string
	Interceptor string
	Cycle       []string
	Reason      string
}

func (e *ChainAssemblyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("chain assembly: ordering cycle in phase %s: %s", e.Phase, strings.Join(e.Cycle, ", "))
	}
	return fmt.Sprintf("chain assembly: interceptor %s (phase %s): %s", e.Interceptor, e.Phase, e.Reason)
}

func (e *ChainAssemblyError) Unwrap() error {
	if len(e.Cycle) == 0 && e.Reason == "unknown phase" {
		return ErrUnknownPhase
	}
	return nil
}

// ContinuationTimeout reports a suspension that exceeded its deadline
type ContinuationTimeout struct {
	MessageID string
	Timeout   time.Duration
}

func (e *ContinuationTimeout) Error() string {
	return fmt.Sprintf("continuation timeout after %v for message %s", e.Timeout, e.MessageID)
}

// ToFault normalises err into one of the fault types. Errors that are
// already faults are returned unchanged; anything else becomes a
// RuntimeFault attributed to the interceptor and phase.
func ToFault(err error, interceptor, phase string) error {
	if err == nil {
		return nil
	}
	var pf *ProtocolFault
	var rf *RuntimeFault
	var ct *ContinuationTimeout
	if errors.As(err, &pf) || errors.As(err, &rf) || errors.As(err, &ct) {
		return err
	}
	return &RuntimeFault{Interceptor: interceptor, Phase: phase, Err: err}
}

// FaultModeOf classifies err
func FaultModeOf(err error) FaultMode {
	var pf *ProtocolFault
	var ct *ContinuationTimeout
	switch {
	case errors.As(err, &pf):
		return FaultModeProtocol
	case errors.As(err, &ct):
		return FaultModeTimeout
	default:
		return FaultModeRuntime
	}
}

// IsProtocolFault checks if err is a protocol fault
func IsProtocolFault(err error) bool {
	var pf *ProtocolFault
	return errors.As(err, &pf)
}

// IsAssemblyError checks if err is a chain assembly error
func IsAssemblyError(err error) bool {
	var ae *ChainAssemblyError
	return errors.As(err, &ae)
}
