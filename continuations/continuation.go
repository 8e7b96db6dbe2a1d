package continuations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/phasechain/contracts"
)

type state int

const (
	stateNew state = iota
	statePending
	stateResumed
)

// Continuation is a single-use suspend/resume token for one message. The
// first of Resume and the timeout wins; the loser is a no-op.
type Continuation struct {
	mu       sync.Mutex
	provider *Provider
	state    state
	expired  bool
	timeout  time.Duration
	timer    *time.Timer
}

// Suspend implements contracts.Continuation. It pauses the message's chain
// and, for a positive timeout, arms the expiry timer.
func (c *Continuation) Suspend(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateNew {
		return false
	}
	p := c.provider
	if p.tracker != nil && !p.tracker.Acquire() {
		p.logger.Warn("continuation limit reached",
			"messageId", p.msg.ID(),
			"limit", p.tracker.Limit(),
		)
		return false
	}

	c.state = statePending
	c.timeout = timeout
	if chain := p.msg.Chain(); chain != nil {
		chain.Pause()
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, c.expire)
	}

	p.logger.Debug("continuation suspended",
		"messageId", p.msg.ID(),
		"timeout", timeout,
	)
	return true
}

// Resume implements contracts.Continuation
func (c *Continuation) Resume() {
	if !c.settle(false) {
		return
	}
	c.provider.logger.Debug("continuation resumed", "messageId", c.provider.msg.ID())
	c.provider.dispatch()
}

// expire runs when the timeout wins the race
func (c *Continuation) expire() {
	if !c.settle(true) {
		return
	}

	p := c.provider
	fault := &contracts.ContinuationTimeout{MessageID: p.msg.ID(), Timeout: c.timeout}
	if ex := p.msg.Exchange(); ex != nil {
		ex.MarkFailed(fault)
	}
	p.msg.SetFault(fault)

	p.logger.Warn("continuation timed out",
		"messageId", p.msg.ID(),
		"timeout", c.timeout,
	)
	p.dispatch()
}

// cancel releases a pending token without re-dispatching
func (c *Continuation) cancel() bool {
	return c.settle(false)
}

// settle moves a pending token to resumed. Only the first caller wins.
func (c *Continuation) settle(expired bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != statePending {
		return false
	}
	c.state = stateResumed
	c.expired = expired
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.provider.tracker != nil {
		c.provider.tracker.Release()
	}
	return true
}

// IsNew implements contracts.Continuation
func (c *Continuation) IsNew() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateNew
}

// IsPending implements contracts.Continuation
func (c *Continuation) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == statePending
}

// IsResumed implements contracts.Continuation
func (c *Continuation) IsResumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateResumed
}

// IsExpired implements contracts.Continuation
func (c *Continuation) IsExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Object implements contracts.Continuation
func (c *Continuation) Object() interface{} {
	return c.provider.object()
}

// SetObject implements contracts.Continuation
func (c *Continuation) SetObject(obj interface{}) {
	c.provider.setObject(obj)
}

// ResumeChain is the default observer: it resumes the message's chain
var ResumeChain contracts.MessageObserver = contracts.MessageObserverFunc(func(ctx context.Context, msg *contracts.Message) {
	if chain := msg.Chain(); chain != nil {
		// Faults are reported through the chain's fault observer.
		_ = chain.Resume(ctx)
	}
})

// Option configures a Provider
type Option func(*Provider)

// WithObserver sets where resumed messages are dispatched
func WithObserver(observer contracts.MessageObserver) Option {
	return func(p *Provider) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithTracker bounds pending continuations
func WithTracker(tracker *Tracker) Option {
	return func(p *Provider) {
		p.tracker = tracker
	}
}

// WithLogger sets the provider logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider hands out continuations for one message
type Provider struct {
	mu       sync.Mutex
	ctx      context.Context
	msg      *contracts.Message
	observer contracts.MessageObserver
	tracker  *Tracker
	logger   *slog.Logger
	current  *Continuation
	obj      interface{}
}

// NewProvider creates a provider for msg. Re-dispatches use ctx without its
// cancellation, since they happen after the original caller returned.
func NewProvider(ctx context.Context, msg *contracts.Message, opts ...Option) *Provider {
	p := &Provider{
		ctx:      context.WithoutCancel(ctx),
		msg:      msg,
		observer: ResumeChain,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach creates a provider and sets it on msg
func Attach(ctx context.Context, msg *contracts.Message, opts ...Option) *Provider {
	p := NewProvider(ctx, msg, opts...)
	msg.SetContinuationProvider(p)
	return p
}

// GetContinuation implements contracts.ContinuationProvider
func (p *Provider) GetContinuation() contracts.Continuation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.IsResumed() {
		p.current = &Continuation{provider: p}
	}
	return p.current
}

// Complete implements contracts.ContinuationProvider
func (p *Provider) Complete() {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current != nil && current.cancel() {
		p.logger.Debug("continuation completed without resume", "messageId", p.msg.ID())
	}
}

func (p *Provider) dispatch() {
	if chain := p.msg.Chain(); chain != nil && chain.State() == contracts.StateAborted {
		p.logger.Debug("skipping dispatch for aborted chain", "messageId", p.msg.ID())
		return
	}
	p.observer.OnMessage(p.ctx, p.msg)
}

func (p *Provider) object() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.obj
}

func (p *Provider) setObject(obj interface{}) {
	p.mu.Lock()
	p.obj = obj
	p.mu.Unlock()
}
