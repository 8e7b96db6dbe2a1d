package interceptors

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/glimte/phasechain/contracts"
)

// ExprFilter evaluates a boolean expression against the message. The
// environment exposes id, operation, correlationId, inbound, requestor,
// headers, properties and payload (as a string).
type ExprFilter struct {
	source  string
	program *vm.Program
}

// NewExprFilter compiles the expression
func NewExprFilter(source string) (*ExprFilter, error) {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile guard expression %q: %w", source, err)
	}
	return &ExprFilter{source: source, program: program}, nil
}

// Source returns the expression text
func (f *ExprFilter) Source() string {
	return f.source
}

// ShouldProcess implements MessageFilter
func (f *ExprFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	out, err := vm.Run(f.program, exprEnv(msg))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate guard expression %q: %w", f.source, err)
	}
	result, ok := out.(bool)
	return ok && result, nil
}

func exprEnv(msg *contracts.Message) map[string]interface{} {
	return map[string]interface{}{
		"id":            msg.ID(),
		"operation":     msg.Operation(),
		"correlationId": msg.CorrelationID(),
		"inbound":       msg.IsInbound(),
		"requestor":     msg.IsRequestor(),
		"headers":       msg.Headers(),
		"properties":    msg.Snapshot(),
		"payload":       string(msg.Payload()),
	}
}

// NewGuardInterceptor creates an interceptor that faults with a protocol
// fault when the expression evaluates to false
func NewGuardInterceptor(id, phase, expression string) (*FilteringInterceptor, error) {
	filter, err := NewExprFilter(expression)
	if err != nil {
		return nil, err
	}
	return NewFilteringInterceptor(id, phase, filter, SkipWithError), nil
}
