package interceptors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/glimte/phasechain/contracts"
)

// FaultCodeThrottled is the protocol fault code for rate-limited messages
const FaultCodeThrottled = "Throttled"

// RateLimitMode selects what happens to a message over the limit
type RateLimitMode int

const (
	// RateLimitReject faults the message with a Throttled protocol fault
	RateLimitReject RateLimitMode = iota
	// RateLimitDelay suspends the message until a token is available
	RateLimitDelay
)

// Limiter provides per-operation token bucket limits. Operations without a
// configured limit fall back to the default, if any.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

// NewLimiter creates a limiter with no limits configured
func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Set configures the limit for an operation. A zero rps removes it.
func (l *Limiter) Set(operation string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rps <= 0 {
		delete(l.limiters, operation)
		return
	}
	l.limiters[operation] = rate.NewLimiter(rate.Limit(rps), normalizeBurst(rps, burst))
}

// SetDefault configures the limit for operations without their own. A zero
// rps removes it.
func (l *Limiter) SetDefault(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rps <= 0 {
		l.fallback = nil
		return
	}
	l.fallback = rate.NewLimiter(rate.Limit(rps), normalizeBurst(rps, burst))
}

func normalizeBurst(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if rps < 1 {
		return 1
	}
	return int(rps)
}

func (l *Limiter) lookup(operation string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lim, ok := l.limiters[operation]; ok {
		return lim
	}
	return l.fallback
}

// RateLimitInterceptor applies a Limiter keyed by operation name
type RateLimitInterceptor struct {
	Base
	limiter  *Limiter
	mode     RateLimitMode
	maxDelay time.Duration
}

// NewRateLimitInterceptor creates a new rate limiting interceptor. In delay
// mode messages that would wait longer than maxDelay are rejected.
func NewRateLimitInterceptor(phase string, limiter *Limiter, mode RateLimitMode, maxDelay time.Duration) *RateLimitInterceptor {
	return &RateLimitInterceptor{
		Base:     NewBase("RateLimitInterceptor", phase),
		limiter:  limiter,
		mode:     mode,
		maxDelay: maxDelay,
	}
}

// HandleMessage implements Interceptor
func (i *RateLimitInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	operation := msg.Operation()
	lim := i.limiter.lookup(operation)
	if lim == nil {
		return contracts.Continue()
	}

	if i.mode == RateLimitReject {
		if lim.Allow() {
			return contracts.Continue()
		}
		return contracts.Fault(throttled(operation))
	}

	r := lim.Reserve()
	if !r.OK() {
		return contracts.Fault(throttled(operation))
	}
	delay := r.Delay()
	if delay == 0 {
		return contracts.Continue()
	}
	if i.maxDelay > 0 && delay > i.maxDelay {
		r.Cancel()
		return contracts.Fault(throttled(operation))
	}

	provider := msg.ContinuationProvider()
	if provider == nil {
		r.Cancel()
		return contracts.Fault(throttled(operation))
	}
	cont := provider.GetContinuation()
	if !cont.Suspend(0) {
		r.Cancel()
		return contracts.Fault(throttled(operation))
	}
	time.AfterFunc(delay, cont.Resume)
	return contracts.Pause()
}

func throttled(operation string) error {
	return contracts.NewProtocolFault(FaultCodeThrottled, fmt.Sprintf("rate limit exceeded for operation %s", operation))
}
