package interceptors

import (
	"context"

	"github.com/glimte/phasechain/contracts"
)

// Interceptor is a phase-bound unit of message processing
type Interceptor interface {
	// ID uniquely names the interceptor within a chain
	ID() string

	// Phase returns the name of the phase the interceptor runs in
	Phase() string

	// Before lists IDs this interceptor must run before, within its phase
	Before() []string

	// After lists IDs this interceptor must run after, within its phase
	After() []string

	// HandleMessage processes the message and tells the chain how to proceed
	HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome

	// HandleFault is called in reverse order on interceptors that already
	// ran when a later interceptor faults
	HandleFault(ctx context.Context, msg *contracts.Message) error
}

// Base carries the identity and ordering hints of an interceptor. Embed it
// and implement HandleMessage.
type Base struct {
	id     string
	phase  string
	before []string
	after  []string
}

// NewBase creates a Base for the given id and phase
func NewBase(id, phase string) Base {
	return Base{id: id, phase: phase}
}

// ID implements Interceptor
func (b *Base) ID() string {
	return b.id
}

// Phase implements Interceptor
func (b *Base) Phase() string {
	return b.phase
}

// Before implements Interceptor
func (b *Base) Before() []string {
	return b.before
}

// After implements Interceptor
func (b *Base) After() []string {
	return b.after
}

// AddBefore declares that this interceptor runs before the given IDs
func (b *Base) AddBefore(ids ...string) {
	b.before = append(b.before, ids...)
}

// AddAfter declares that this interceptor runs after the given IDs
func (b *Base) AddAfter(ids ...string) {
	b.after = append(b.after, ids...)
}

// HandleFault implements Interceptor with a no-op
func (b *Base) HandleFault(ctx context.Context, msg *contracts.Message) error {
	return nil
}

// Func is a function-based interceptor
type Func struct {
	Base
	handle func(ctx context.Context, msg *contracts.Message) contracts.Outcome
	fault  func(ctx context.Context, msg *contracts.Message) error
}

// NewFunc creates a new function-based interceptor
func NewFunc(id, phase string, handle func(ctx context.Context, msg *contracts.Message) contracts.Outcome) *Func {
	return &Func{Base: NewBase(id, phase), handle: handle}
}

// OnFault sets the fault handler
func (f *Func) OnFault(fn func(ctx context.Context, msg *contracts.Message) error) *Func {
	f.fault = fn
	return f
}

// RunsBefore adds before hints and returns the interceptor
func (f *Func) RunsBefore(ids ...string) *Func {
	f.AddBefore(ids...)
	return f
}

// RunsAfter adds after hints and returns the interceptor
func (f *Func) RunsAfter(ids ...string) *Func {
	f.AddAfter(ids...)
	return f
}

// HandleMessage implements Interceptor
func (f *Func) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	if f.handle == nil {
		return contracts.Continue()
	}
	return f.handle(ctx, msg)
}

// HandleFault implements Interceptor
func (f *Func) HandleFault(ctx context.Context, msg *contracts.Message) error {
	if f.fault == nil {
		return nil
	}
	return f.fault(ctx, msg)
}
