package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/phasechain/contracts"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently aborts the chain without a fault
	SkipSilently SkipBehavior = iota
	// SkipWithError faults the chain with a protocol fault
	SkipWithError
	// SkipWithLog logs and aborts the chain without a fault
	SkipWithLog
)

// FaultCodeFiltered is the protocol fault code used by SkipWithError
const FaultCodeFiltered = "Filtered"

// FilteringInterceptor stops messages that fail a filter
type FilteringInterceptor struct {
	Base
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(id, phase string, filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		Base:         NewBase(id, phase),
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	if logger != nil {
		i.logger = logger
	}
	return i
}

// HandleMessage implements Interceptor
func (i *FilteringInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return contracts.Fault(fmt.Errorf("filter error: %w", err))
	}
	if shouldProcess {
		return contracts.Continue()
	}

	switch i.skipBehavior {
	case SkipWithError:
		return contracts.Fault(contracts.NewProtocolFault(FaultCodeFiltered,
			fmt.Sprintf("message filtered: operation=%s, id=%s", msg.Operation(), msg.ID())))
	case SkipWithLog:
		i.logger.Info("message filtered",
			"interceptorId", i.ID(),
			"messageId", msg.ID(),
			"operation", msg.Operation(),
		)
	}
	if chain := msg.Chain(); chain != nil {
		chain.Abort()
	}
	return contracts.Continue()
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// OperationFilter filters messages by operation name
type OperationFilter struct {
	allowed map[string]bool
}

// NewOperationFilter creates a filter that only allows specific operations
func NewOperationFilter(operations ...string) *OperationFilter {
	allowed := make(map[string]bool)
	for _, op := range operations {
		allowed[op] = true
	}
	return &OperationFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *OperationFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f.allowed[msg.Operation()], nil
}

// PropertyFilter matches a contextual property against an expected value
type PropertyFilter struct {
	key           string
	expectedValue interface{}
}

// NewPropertyFilter creates a filter that checks a contextual property
func NewPropertyFilter(key string, expectedValue interface{}) *PropertyFilter {
	return &PropertyFilter{key: key, expectedValue: expectedValue}
}

// ShouldProcess implements MessageFilter
func (f *PropertyFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	value, exists := msg.ContextualProperty(f.key)
	if !exists {
		return false, nil
	}
	return value == f.expectedValue, nil
}

// ConditionalInterceptor runs a wrapped interceptor only when a condition
// holds. It takes the wrapped interceptor's identity and hints.
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
	ranKey      string
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
		ranKey:      "phasechain.conditional." + interceptor.ID(),
	}
}

// ID implements Interceptor
func (i *ConditionalInterceptor) ID() string {
	return i.interceptor.ID()
}

// Phase implements Interceptor
func (i *ConditionalInterceptor) Phase() string {
	return i.interceptor.Phase()
}

// Before implements Interceptor
func (i *ConditionalInterceptor) Before() []string {
	return i.interceptor.Before()
}

// After implements Interceptor
func (i *ConditionalInterceptor) After() []string {
	return i.interceptor.After()
}

// HandleMessage implements Interceptor
func (i *ConditionalInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return contracts.Fault(err)
	}
	if !shouldExecute {
		return contracts.Continue()
	}
	msg.Set(i.ranKey, true)
	return i.interceptor.HandleMessage(ctx, msg)
}

// HandleFault implements Interceptor. Only interceptors that actually ran
// see the fault.
func (i *ConditionalInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) error {
	if !msg.GetBool(i.ranKey) {
		return nil
	}
	return i.interceptor.HandleFault(ctx, msg)
}
