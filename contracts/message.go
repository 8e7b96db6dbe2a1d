package contracts

import (
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Well-known message property keys
const (
	PropOperation       = "phasechain.operation"
	PropCorrelationID   = "phasechain.correlationId"
	PropReplyTo         = "phasechain.replyTo"
	PropContentType     = "phasechain.contentType"
	PropProtocolHeaders = "phasechain.protocolHeaders"
	PropRequestor       = "phasechain.requestor"
	PropInbound         = "phasechain.inbound"
	PropFaultListener   = "phasechain.faultListener"
	PropOneWay          = "phasechain.oneWay"
)

// Message is one leg (request or response) of an Exchange. It carries
// properties, protocol headers and the payload in one or more content
// formats. A Message is owned by the goroutine currently running its chain.
type Message struct {
	PropertyBag

	id            string
	mu            sync.RWMutex
	contents      map[reflect.Type]interface{}
	exchange      *Exchange
	chain         InterceptorChain
	continuations ContinuationProvider
	fault         error
	faultSeq      uint64
}

// NewMessage creates a message with a generated ID
func NewMessage() *Message {
	return NewMessageWithID(uuid.New().String())
}

// NewMessageWithID creates a message with the given ID
func NewMessageWithID(id string) *Message {
	return &Message{
		id:       id,
		contents: make(map[reflect.Type]interface{}),
	}
}

// ID returns the message ID
func (m *Message) ID() string {
	return m.id
}

// Exchange returns the owning exchange, nil before the message is attached
func (m *Message) Exchange() *Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

func (m *Message) setExchange(e *Exchange) {
	m.mu.Lock()
	m.exchange = e
	m.mu.Unlock()
}

// Chain returns the interceptor chain processing this message
func (m *Message) Chain() InterceptorChain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// SetChain sets the interceptor chain processing this message
func (m *Message) SetChain(chain InterceptorChain) {
	m.mu.Lock()
	m.chain = chain
	m.mu.Unlock()
}

// ContinuationProvider returns the continuation factory, nil when the
// transport does not support suspension
func (m *Message) ContinuationProvider() ContinuationProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.continuations
}

// SetContinuationProvider attaches a continuation factory
func (m *Message) SetContinuationProvider(p ContinuationProvider) {
	m.mu.Lock()
	m.continuations = p
	m.mu.Unlock()
}

// Fault returns the fault flagged on this message
func (m *Message) Fault() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fault
}

// SetFault flags the message as faulted. A chain inspects the flag after
// every interceptor and before resuming.
func (m *Message) SetFault(err error) {
	m.mu.Lock()
	m.fault = err
	m.faultSeq++
	m.mu.Unlock()
}

// FaultSeq increments on every SetFault. Chains compare it across an
// interceptor call to detect a newly flagged fault.
func (m *Message) FaultSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faultSeq
}

// ContextualProperty looks the key up on the message, then the exchange,
// then the exchange's parent source (endpoint, bus).
func (m *Message) ContextualProperty(key string) (interface{}, bool) {
	if v, ok := m.Get(key); ok {
		return v, true
	}
	ex := m.Exchange()
	if ex == nil {
		return nil, false
	}
	return ex.Property(key)
}

// Operation returns the operation name carried by the message
func (m *Message) Operation() string {
	op, _ := m.GetString(PropOperation)
	return op
}

// CorrelationID returns the correlation ID
func (m *Message) CorrelationID() string {
	id, _ := m.GetString(PropCorrelationID)
	return id
}

// SetCorrelationID sets the correlation ID
func (m *Message) SetCorrelationID(id string) {
	m.Set(PropCorrelationID, id)
}

// IsRequestor reports whether the message belongs to the client side
func (m *Message) IsRequestor() bool {
	return m.GetBool(PropRequestor)
}

// IsInbound reports whether the message is travelling through an in chain
func (m *Message) IsInbound() bool {
	return m.GetBool(PropInbound)
}

// Headers returns a copy of the protocol headers
func (m *Message) Headers() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, _ := m.PropertyBag.Get(PropProtocolHeaders)
	src, _ := value.(map[string]string)
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Header returns a single protocol header
func (m *Message) Header(key string) string {
	return m.Headers()[key]
}

// SetHeader sets a protocol header
func (m *Message) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, _ := m.PropertyBag.Get(PropProtocolHeaders)
	src, _ := current.(map[string]string)
	headers := make(map[string]string, len(src)+1)
	for k, v := range src {
		headers[k] = v
	}
	headers[key] = value
	m.PropertyBag.Set(PropProtocolHeaders, headers)
}

// Payload returns the raw byte content
func (m *Message) Payload() []byte {
	b, _ := Content[[]byte](m)
	return b
}

// SetPayload sets the raw byte content
func (m *Message) SetPayload(b []byte) {
	SetContent(m, b)
}

// ContentFormats lists the types the payload is currently available as
func (m *Message) ContentFormats() []reflect.Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	formats := make([]reflect.Type, 0, len(m.contents))
	for t := range m.contents {
		formats = append(formats, t)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].String() < formats[j].String() })
	return formats
}

// SetContent stores the payload in format T
func SetContent[T any](m *Message, v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contents == nil {
		m.contents = make(map[reflect.Type]interface{})
	}
	m.contents[reflect.TypeOf((*T)(nil)).Elem()] = v
}

// Content returns the payload in format T
func Content[T any](m *Message) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zero T
	v, ok := m.contents[reflect.TypeOf((*T)(nil)).Elem()]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// RemoveContent drops format T
func RemoveContent[T any](m *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contents, reflect.TypeOf((*T)(nil)).Elem())
}
