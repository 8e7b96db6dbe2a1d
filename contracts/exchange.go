package contracts

import (
	"sync"

	"github.com/google/uuid"
)

// OperationInfo describes the invoked operation. The chain treats it as
// opaque; interceptors use it to decide behaviour.
type OperationInfo struct {
	Service    string
	Name       string
	OneWay     bool
	Attributes map[string]string
}

// Exchange correlates the legs of one request/response interaction
type Exchange struct {
	PropertyBag

	id        string
	mu        sync.RWMutex
	in        *Message
	out       *Message
	inFault   *Message
	outFault  *Message
	oneWay    bool
	operation *OperationInfo
	conduit   Conduit
	parent    PropertySource
	failure   error
	done      chan struct{}
	once      sync.Once
}

// NewExchange creates a new exchange with a generated ID
func NewExchange() *Exchange {
	return &Exchange{
		id:   uuid.New().String(),
		done: make(chan struct{}),
	}
}

// ID returns the exchange ID
func (e *Exchange) ID() string {
	return e.id
}

// InMessage returns the inbound message
func (e *Exchange) InMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.in
}

// SetInMessage sets the inbound message and attaches it to the exchange
func (e *Exchange) SetInMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	e.in = m
	e.mu.Unlock()
}

// OutMessage returns the outbound message
func (e *Exchange) OutMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.out
}

// SetOutMessage sets the outbound message and attaches it to the exchange
func (e *Exchange) SetOutMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	e.out = m
	e.mu.Unlock()
}

// InFaultMessage returns the inbound fault message
func (e *Exchange) InFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inFault
}

// SetInFaultMessage sets the inbound fault message
func (e *Exchange) SetInFaultMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	e.inFault = m
	e.mu.Unlock()
}

// OutFaultMessage returns the outbound fault message
func (e *Exchange) OutFaultMessage() *Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outFault
}

// SetOutFaultMessage sets the outbound fault message
func (e *Exchange) SetOutFaultMessage(m *Message) {
	e.attach(m)
	e.mu.Lock()
	e.outFault = m
	e.mu.Unlock()
}

func (e *Exchange) attach(m *Message) {
	if m != nil {
		m.setExchange(e)
	}
}

// OneWay reports whether no response leg is expected
func (e *Exchange) OneWay() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oneWay
}

// SetOneWay sets the one-way flag
func (e *Exchange) SetOneWay(oneWay bool) {
	e.mu.Lock()
	e.oneWay = oneWay
	e.mu.Unlock()
}

// Operation returns the invoked operation metadata
func (e *Exchange) Operation() *OperationInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.operation
}

// SetOperation sets the invoked operation metadata
func (e *Exchange) SetOperation(op *OperationInfo) {
	e.mu.Lock()
	e.operation = op
	if op != nil && op.OneWay {
		e.oneWay = true
	}
	e.mu.Unlock()
}

// Conduit returns the conduit that carries the next leg
func (e *Exchange) Conduit() Conduit {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conduit
}

// SetConduit sets the conduit that carries the next leg. On the provider
// side this is the transport's back channel.
func (e *Exchange) SetConduit(c Conduit) {
	e.mu.Lock()
	e.conduit = c
	e.mu.Unlock()
}

// SetParent sets the fallback property source (endpoint, bus)
func (e *Exchange) SetParent(p PropertySource) {
	e.mu.Lock()
	e.parent = p
	e.mu.Unlock()
}

// Property implements PropertySource, falling back to the parent source
func (e *Exchange) Property(key string) (interface{}, bool) {
	if v, ok := e.Get(key); ok {
		return v, true
	}
	e.mu.RLock()
	parent := e.parent
	e.mu.RUnlock()
	if parent == nil {
		return nil, false
	}
	return parent.Property(key)
}

// MarkFailed records why the exchange failed. The first failure is kept.
func (e *Exchange) MarkFailed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure == nil {
		e.failure = err
	}
}

// Failure returns the recorded failure
func (e *Exchange) Failure() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failure
}

// Finish marks the interaction complete. Safe to call more than once.
func (e *Exchange) Finish() {
	e.once.Do(func() { close(e.done) })
}

// Done is closed when the interaction completes
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}
