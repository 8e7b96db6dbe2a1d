package phasechain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/interceptors"
	"github.com/glimte/phasechain/phase"
)

// ContentTypeJSON is the content type set by the marshal interceptor
const ContentTypeJSON = "application/json"

// SetBody stores the logical payload of msg
func SetBody(msg *contracts.Message, body interface{}) {
	contracts.SetContent[interface{}](msg, body)
}

// Body returns the logical payload of msg
func Body(msg *contracts.Message) (interface{}, bool) {
	return contracts.Content[interface{}](msg)
}

// unmarshalInterceptor decodes the JSON payload into the body. Endpoints
// decode into the operation's request type; everything else stays raw.
type unmarshalInterceptor struct {
	interceptors.Base
}

func newUnmarshalInterceptor() *unmarshalInterceptor {
	return &unmarshalInterceptor{Base: interceptors.NewBase("JSONUnmarshalInterceptor", phase.Unmarshal)}
}

// HandleMessage implements interceptors.Interceptor
func (i *unmarshalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	payload := msg.Payload()
	if len(payload) == 0 {
		return contracts.Continue()
	}

	var factory func() interface{}
	if ex := msg.Exchange(); ex != nil && !msg.IsRequestor() {
		if op, ok := operationOf(ex); ok {
			factory = op.request
		}
	}
	if factory == nil {
		SetBody(msg, json.RawMessage(payload))
		return contracts.Continue()
	}

	body := factory()
	if err := json.Unmarshal(payload, body); err != nil {
		return contracts.Fault(contracts.NewProtocolFault(FaultCodeClient,
			fmt.Sprintf("failed to decode %s request: %v", msg.Operation(), err)))
	}
	SetBody(msg, body)
	return contracts.Continue()
}

// marshalInterceptor encodes the body as the JSON payload
type marshalInterceptor struct {
	interceptors.Base
}

func newMarshalInterceptor() *marshalInterceptor {
	return &marshalInterceptor{Base: interceptors.NewBase("JSONMarshalInterceptor", phase.Marshal)}
}

// HandleMessage implements interceptors.Interceptor
func (i *marshalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	body, ok := Body(msg)
	if !ok || body == nil {
		return contracts.Continue()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return contracts.Fault(fmt.Errorf("failed to encode %s body: %w", msg.Operation(), err))
	}
	msg.SetPayload(data)
	msg.Set(contracts.PropContentType, ContentTypeJSON)
	return contracts.Continue()
}

// messageSenderInterceptor hands the message to the exchange's conduit. On
// the provider side a sent response or fault finishes the exchange.
type messageSenderInterceptor struct {
	interceptors.Base
}

func newMessageSenderInterceptor() *messageSenderInterceptor {
	return &messageSenderInterceptor{Base: interceptors.NewBase("MessageSenderInterceptor", phase.Send)}
}

// HandleMessage implements interceptors.Interceptor
func (i *messageSenderInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	ex := msg.Exchange()
	if ex == nil || ex.Conduit() == nil {
		return contracts.Fault(fmt.Errorf("no conduit for message %s", msg.ID()))
	}
	if err := ex.Conduit().Send(ctx, msg); err != nil {
		return contracts.Fault(fmt.Errorf("failed to send message %s: %w", msg.ID(), err))
	}
	if !msg.IsRequestor() {
		ex.Finish()
	}
	return contracts.Continue()
}

// serviceInvokerInterceptor calls the operation's invoker and records the
// result on the exchange
type serviceInvokerInterceptor struct {
	interceptors.Base
}

func newServiceInvokerInterceptor() *serviceInvokerInterceptor {
	return &serviceInvokerInterceptor{Base: interceptors.NewBase("ServiceInvokerInterceptor", phase.Invoke)}
}

// HandleMessage implements interceptors.Interceptor
func (i *serviceInvokerInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	ex := msg.Exchange()
	op, ok := operationOf(ex)
	if !ok {
		return contracts.Fault(contracts.NewProtocolFault(FaultCodeClient,
			fmt.Sprintf("unknown operation %q", msg.Operation())))
	}

	result, err := op.invoker.Invoke(ctx, msg)
	if err != nil {
		return contracts.Fault(err)
	}
	if msg.GetBool(propSuspended) {
		msg.Delete(propSuspended)
		return contracts.Pause()
	}
	ex.Set(propResult, result)
	return contracts.Continue()
}

// Responder completes a suspended invocation. Only the first call counts.
type Responder func(result interface{}, err error)

// SuspendInvocation lets an Invoker answer later. It suspends msg and
// returns the Responder that resumes its chain with the result; the
// invoker's own return value is then ignored. A zero timeout waits
// indefinitely. It returns false when msg cannot be suspended.
func SuspendInvocation(msg *contracts.Message, timeout time.Duration) (Responder, bool) {
	provider := msg.ContinuationProvider()
	ex := msg.Exchange()
	if provider == nil || ex == nil {
		return nil, false
	}
	cont := provider.GetContinuation()
	if !cont.Suspend(timeout) {
		return nil, false
	}
	msg.Set(propSuspended, true)

	var once sync.Once
	return func(result interface{}, err error) {
		once.Do(func() {
			if cont.IsResumed() {
				return
			}
			if err != nil {
				msg.SetFault(contracts.ToFault(err, "ServiceInvokerInterceptor", phase.Invoke))
			} else {
				ex.Set(propResult, result)
			}
			cont.Resume()
		})
	}, true
}

// outgoingChainInterceptor runs the out chain for the response once the
// invocation finished. One-way exchanges end here.
type outgoingChainInterceptor struct {
	interceptors.Base
	endpoint *Endpoint
}

// HandleMessage implements interceptors.Interceptor
func (i *outgoingChainInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	ex := msg.Exchange()
	if ex.OneWay() {
		ex.Finish()
		return contracts.Continue()
	}

	out := contracts.NewMessage()
	out.SetCorrelationID(correlationOf(msg))
	out.Set(contracts.PropOperation, msg.Operation())
	if result, ok := ex.Get(propResult); ok {
		SetBody(out, result)
	}
	ex.SetOutMessage(out)

	e := i.endpoint
	chain, err := e.bus.chain(phase.Out, e.name+".out", contracts.MessageObserverFunc(e.handleFault),
		e.provider, opProvider(ex), e.builtins)
	if err != nil {
		return contracts.Fault(err)
	}
	e.bus.attachContinuations(ctx, out, e)
	// A faulted out chain has already answered through its fault observer.
	_ = chain.DoIntercept(ctx, out)
	return contracts.Continue()
}
