package interceptors

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/glimte/phasechain/contracts"
)

// Span attribute keys
const (
	AttrMessageID     = "messaging.message.id"
	AttrOperation     = "phasechain.operation"
	AttrCorrelationID = "phasechain.correlation_id"
	AttrFaultMode     = "phasechain.fault.mode"
)

const propSpan = "phasechain.tracing.span"

// TracingInterceptor opens a span when the message enters the chain and
// closes it in its Ending interceptor or during fault unwind
type TracingInterceptor struct {
	Base
	tracer   trace.Tracer
	spanName string
	spanKey  string
	ending   *tracingEnding
}

type tracingEnding struct {
	Base
	parent *TracingInterceptor
}

// NewTracingInterceptor creates a new tracing interceptor. A nil tracer
// produces no-op spans.
func NewTracingInterceptor(tracer trace.Tracer, spanName, phase, endPhase string) *TracingInterceptor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("phasechain")
	}
	i := &TracingInterceptor{
		Base:     NewBase("TracingInterceptor", phase),
		tracer:   tracer,
		spanName: spanName,
		spanKey:  propSpan,
	}
	i.ending = &tracingEnding{Base: NewBase("TracingEndingInterceptor", endPhase), parent: i}
	return i
}

// Ending returns the interceptor that ends the span
func (i *TracingInterceptor) Ending() Interceptor {
	return i.ending
}

// HandleMessage implements Interceptor
func (i *TracingInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	_, span := i.tracer.Start(ctx, i.spanName, trace.WithAttributes(
		attribute.String(AttrMessageID, msg.ID()),
		attribute.String(AttrOperation, msg.Operation()),
		attribute.String(AttrCorrelationID, msg.CorrelationID()),
	))
	msg.Set(i.spanKey, span)
	return contracts.Continue()
}

// HandleFault implements Interceptor
func (i *TracingInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) error {
	span, ok := i.span(msg)
	if !ok {
		return nil
	}
	if fault := msg.Fault(); fault != nil {
		span.SetAttributes(attribute.String(AttrFaultMode, string(contracts.FaultModeOf(fault))))
		span.RecordError(fault)
		span.SetStatus(codes.Error, fault.Error())
	}
	span.End()
	return nil
}

func (i *TracingInterceptor) span(msg *contracts.Message) (trace.Span, bool) {
	v, ok := msg.Get(i.spanKey)
	if !ok {
		return nil, false
	}
	span, ok := v.(trace.Span)
	return span, ok
}

// SpanFromMessage returns the span opened by a TracingInterceptor, so
// interceptors further down the chain can start child spans
func SpanFromMessage(msg *contracts.Message) (trace.Span, bool) {
	v, ok := msg.Get(propSpan)
	if !ok {
		return nil, false
	}
	span, ok := v.(trace.Span)
	return span, ok
}

// HandleMessage implements Interceptor
func (e *tracingEnding) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	if span, ok := e.parent.span(msg); ok {
		span.SetStatus(codes.Ok, "")
		span.End()
	}
	return contracts.Continue()
}
