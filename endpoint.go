package phasechain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/interceptors"
	"github.com/glimte/phasechain/phase"
	"github.com/glimte/phasechain/transports"
)

// FaultCodeClient marks faults caused by the request itself
const FaultCodeClient = "Client"

// Exchange property keys used by the endpoint runtime
const (
	propOperation = "phasechain.endpoint.operation"
	propResult    = "phasechain.endpoint.result"
	propFaultOnce = "phasechain.endpoint.faultOnce"
	propSuspended = "phasechain.endpoint.suspended"
)

// Invoker runs the service logic of an operation. The request body is
// available through Body and the exchange through msg.Exchange. The
// returned value becomes the response body.
type Invoker interface {
	Invoke(ctx context.Context, msg *contracts.Message) (interface{}, error)
}

// InvokerFunc is a function adapter for Invoker
type InvokerFunc func(ctx context.Context, msg *contracts.Message) (interface{}, error)

// Invoke implements Invoker
func (f InvokerFunc) Invoke(ctx context.Context, msg *contracts.Message) (interface{}, error) {
	return f(ctx, msg)
}

// Operation is one named operation served by an endpoint
type Operation struct {
	name         string
	invoker      Invoker
	oneWay       bool
	request      func() interface{}
	interceptors *interceptors.Provider
}

// OperationOption configures an operation
type OperationOption func(*Operation)

// OneWay marks the operation as producing no response
func OneWay() OperationOption {
	return func(op *Operation) {
		op.oneWay = true
	}
}

// WithRequest sets the factory for the value the JSON request payload is
// decoded into. Without one the body is the raw JSON.
func WithRequest(factory func() interface{}) OperationOption {
	return func(op *Operation) {
		op.request = factory
	}
}

// Name returns the operation name
func (op *Operation) Name() string {
	return op.name
}

// Interceptors returns the operation-scoped interceptor provider
func (op *Operation) Interceptors() *interceptors.Provider {
	return op.interceptors
}

// EndpointOption configures an endpoint
type EndpointOption func(*Endpoint)

// WithEndpointLogger sets the endpoint logger
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Endpoint serves operations received from a destination. Every inbound
// request gets its own exchange and in chain; responses and faults leave
// through the transport's back channel.
type Endpoint struct {
	contracts.PropertyBag

	name        string
	bus         *Bus
	destination transports.Destination
	provider    *interceptors.Provider
	builtins    *interceptors.Provider
	logger      *slog.Logger

	mu         sync.RWMutex
	operations map[string]*Operation
}

// NewEndpoint creates an endpoint that receives from destination
func (b *Bus) NewEndpoint(name string, destination transports.Destination, options ...EndpointOption) *Endpoint {
	e := &Endpoint{
		name:        name,
		bus:         b,
		destination: destination,
		provider:    interceptors.NewProvider(),
		logger:      b.logger,
		operations:  make(map[string]*Operation),
	}
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.With("endpoint", name)
	e.builtins = interceptors.NewProvider().
		Add(phase.In,
			newUnmarshalInterceptor(),
			newServiceInvokerInterceptor(),
			&outgoingChainInterceptor{Base: interceptors.NewBase("OutgoingChainInterceptor", phase.PostInvoke), endpoint: e},
		).
		Add(phase.Out, newMarshalInterceptor(), newMessageSenderInterceptor()).
		Add(phase.OutFault, newMarshalInterceptor(), newMessageSenderInterceptor())
	return e
}

// Name returns the endpoint name
func (e *Endpoint) Name() string {
	return e.name
}

// Interceptors returns the endpoint-scoped interceptor provider
func (e *Endpoint) Interceptors() *interceptors.Provider {
	return e.provider
}

// Handle registers invoker for the named operation
func (e *Endpoint) Handle(name string, invoker Invoker, options ...OperationOption) *Operation {
	op := &Operation{
		name:         name,
		invoker:      invoker,
		interceptors: interceptors.NewProvider(),
	}
	for _, opt := range options {
		opt(op)
	}
	e.mu.Lock()
	e.operations[name] = op
	e.mu.Unlock()
	return op
}

// Operation returns the named operation
func (e *Endpoint) Operation(name string) (*Operation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	op, ok := e.operations[name]
	return op, ok
}

// Property implements contracts.PropertySource, falling back to the bus
func (e *Endpoint) Property(key string) (interface{}, bool) {
	if v, ok := e.Get(key); ok {
		return v, true
	}
	return e.bus.Property(key)
}

// Validate assembles every chain the endpoint builds, once without an
// operation and once per registered operation. Assembly problems surface as
// a *contracts.ChainAssemblyError.
func (e *Endpoint) Validate() error {
	return e.bus.validate(e.bus.configured, e.chainScopes())
}

func (e *Endpoint) chainScopes() []chainScope {
	e.mu.RLock()
	names := make([]string, 0, len(e.operations))
	for name := range e.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	opScopes := []interceptors.InterceptorProvider{nil}
	for _, name := range names {
		opScopes = append(opScopes, e.operations[name].interceptors)
	}
	e.mu.RUnlock()

	var scopes []chainScope
	for _, flow := range []phase.Flow{phase.In, phase.Out, phase.OutFault} {
		for _, op := range opScopes {
			scopes = append(scopes, chainScope{
				flow:      flow,
				name:      e.name + "." + flow.String(),
				providers: []interceptors.InterceptorProvider{e.provider, op, e.builtins},
			})
		}
	}
	return scopes
}

// Start validates the endpoint's chains and begins receiving requests
func (e *Endpoint) Start(ctx context.Context) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("failed to start endpoint %s: %w", e.name, err)
	}
	e.destination.SetObserver(e)
	if err := e.destination.Start(ctx); err != nil {
		return fmt.Errorf("failed to start endpoint %s: %w", e.name, err)
	}
	e.bus.register(e)
	e.logger.Info("endpoint started")
	return nil
}

// Close stops receiving requests
func (e *Endpoint) Close() error {
	e.bus.unregister(e)
	return e.destination.Close()
}

// OnMessage implements contracts.MessageObserver. A message that already
// has a chain is a continuation re-dispatch and resumes it; anything else
// starts a new exchange.
func (e *Endpoint) OnMessage(ctx context.Context, msg *contracts.Message) {
	if chain := msg.Chain(); chain != nil {
		// Faults are reported through the chain's fault observer.
		_ = chain.Resume(ctx)
		return
	}

	ex := contracts.NewExchange()
	ex.SetParent(e)
	ex.Set(propFaultOnce, &sync.Once{})
	ex.SetInMessage(msg)
	msg.Set(contracts.PropInbound, true)
	if conduit, ok := transports.BackChannel(msg); ok {
		ex.SetConduit(conduit)
	}
	if msg.GetBool(contracts.PropOneWay) {
		ex.SetOneWay(true)
	}

	if op, ok := e.Operation(msg.Operation()); ok {
		ex.Set(propOperation, op)
		ex.SetOperation(&contracts.OperationInfo{Service: e.name, Name: op.name, OneWay: op.oneWay})
	}

	chain, err := e.bus.chain(phase.In, e.name+".in", contracts.MessageObserverFunc(e.handleFault),
		e.provider, opProvider(ex), e.builtins)
	if err != nil {
		e.logger.Error("failed to build in chain", "messageId", msg.ID(), "error", err)
		msg.SetFault(err)
		e.handleFault(ctx, msg)
		return
	}

	e.bus.attachContinuations(ctx, msg, e)
	// Faults are reported through the chain's fault observer.
	_ = chain.DoIntercept(ctx, msg)
}

// operationOf returns the endpoint operation bound to ex
func operationOf(ex *contracts.Exchange) (*Operation, bool) {
	v, ok := ex.Get(propOperation)
	if !ok {
		return nil, false
	}
	op, ok := v.(*Operation)
	return op, ok
}

// opProvider returns the operation provider of ex, nil when unbound
func opProvider(ex *contracts.Exchange) *interceptors.Provider {
	if op, ok := operationOf(ex); ok {
		return op.interceptors
	}
	return nil
}

// handleFault is the fault observer of every chain the endpoint builds. It
// fails the exchange and, when a response is expected, runs the out-fault
// chain once to send the fault back.
func (e *Endpoint) handleFault(ctx context.Context, msg *contracts.Message) {
	ex := msg.Exchange()
	fault := msg.Fault()
	if ex == nil || fault == nil {
		return
	}
	ex.MarkFailed(fault)
	defer ex.Finish()

	if ex.OneWay() || msg.IsRequestor() {
		return
	}
	v, _ := ex.Get(propFaultOnce)
	once, ok := v.(*sync.Once)
	if !ok {
		return
	}
	once.Do(func() {
		e.sendFault(ctx, ex, fault)
	})
}

func (e *Endpoint) sendFault(ctx context.Context, ex *contracts.Exchange, fault error) {
	in := ex.InMessage()
	if ex.Conduit() == nil {
		e.logger.Warn("dropping fault without back channel", "messageId", in.ID(), "error", fault)
		return
	}

	out := contracts.NewMessage()
	out.SetCorrelationID(correlationOf(in))
	out.Set(contracts.PropOperation, in.Operation())
	out.SetFault(fault)
	ex.SetOutFaultMessage(out)

	chain, err := e.bus.chain(phase.OutFault, e.name+".out-fault", nil, e.provider, opProvider(ex), e.builtins)
	if err != nil {
		e.logger.Error("failed to build out-fault chain", "messageId", in.ID(), "error", err)
		return
	}
	// The chain logs its own faults; there is nothing left to report to.
	_ = chain.DoIntercept(ctx, out)
}

// correlationOf returns the correlation ID a response to msg carries
func correlationOf(msg *contracts.Message) string {
	if id := msg.CorrelationID(); id != "" {
		return id
	}
	return msg.ID()
}
