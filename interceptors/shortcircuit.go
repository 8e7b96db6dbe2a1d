package interceptors

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/phasechain/contracts"
)

// ShortCircuitEvaluator determines if the chain should stop early
type ShortCircuitEvaluator interface {
	// ShouldShortCircuit returns true if the chain should stop, with a reason
	// that is recorded on the message
	ShouldShortCircuit(ctx context.Context, msg *contracts.Message) (bool, string, error)
}

// PropShortCircuitReason holds why a chain was short-circuited
const PropShortCircuitReason = "phasechain.shortCircuitReason"

// ShortCircuitInterceptor aborts the chain without a fault when its
// evaluator says so
type ShortCircuitInterceptor struct {
	Base
	evaluator ShortCircuitEvaluator
}

// NewShortCircuitInterceptor creates a new short-circuit interceptor
func NewShortCircuitInterceptor(id, phase string, evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{Base: NewBase(id, phase), evaluator: evaluator}
}

// HandleMessage implements Interceptor
func (i *ShortCircuitInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	stop, reason, err := i.evaluator.ShouldShortCircuit(ctx, msg)
	if err != nil {
		return contracts.Fault(err)
	}
	if stop {
		shortCircuit(msg, reason)
	}
	return contracts.Continue()
}

func shortCircuit(msg *contracts.Message, reason string) {
	msg.Set(PropShortCircuitReason, reason)
	if chain := msg.Chain(); chain != nil {
		chain.Abort()
	}
}

// ShortCircuitReason returns the recorded reason, if the chain stopped early
func ShortCircuitReason(msg *contracts.Message) (string, bool) {
	return msg.GetString(PropShortCircuitReason)
}

// DuplicateDetector defines the interface for duplicate detection
type DuplicateDetector interface {
	// MarkProcessed records the ID and reports whether it was already seen
	MarkProcessed(ctx context.Context, messageID string) (bool, error)

	// Forget drops the ID so a redelivery is processed again
	Forget(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor stops redelivered messages. A message whose
// processing faults is forgotten so a redelivery can succeed.
type DuplicateDetectionInterceptor struct {
	Base
	detector DuplicateDetector
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(id, phase string, detector DuplicateDetector) *DuplicateDetectionInterceptor {
	return &DuplicateDetectionInterceptor{Base: NewBase(id, phase), detector: detector}
}

// HandleMessage implements Interceptor
func (i *DuplicateDetectionInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	seen, err := i.detector.MarkProcessed(ctx, msg.ID())
	if err != nil {
		return contracts.Fault(err)
	}
	if seen {
		shortCircuit(msg, "duplicate message detected")
	}
	return contracts.Continue()
}

// HandleFault implements Interceptor
func (i *DuplicateDetectionInterceptor) HandleFault(ctx context.Context, msg *contracts.Message) error {
	return i.detector.Forget(ctx, msg.ID())
}

// MemoryDuplicateDetector remembers message IDs for a fixed window
type MemoryDuplicateDetector struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewMemoryDuplicateDetector creates a detector that remembers IDs for window
func NewMemoryDuplicateDetector(window time.Duration) *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// MarkProcessed implements DuplicateDetector
func (d *MemoryDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, id)
		}
	}
	if _, ok := d.seen[messageID]; ok {
		return true, nil
	}
	d.seen[messageID] = now
	return false, nil
}

// Forget implements DuplicateDetector
func (d *MemoryDuplicateDetector) Forget(ctx context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, messageID)
	return nil
}
