package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/phase"
)

// ChainOption configures a PhaseInterceptorChain
type ChainOption func(*PhaseInterceptorChain)

// WithChainLogger sets the chain logger
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *PhaseInterceptorChain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFaultObserver sets the observer notified after a fault unwind
func WithFaultObserver(observer contracts.MessageObserver) ChainOption {
	return func(c *PhaseInterceptorChain) {
		c.faultObserver = observer
	}
}

// WithName labels the chain in logs and descriptions
func WithName(name string) ChainOption {
	return func(c *PhaseInterceptorChain) {
		c.name = name
	}
}

// PhaseInterceptorChain runs interceptors in phase order. It executes on
// one goroutine at a time, can pause and resume at its cursor, and unwinds
// executed interceptors in reverse order on a fault.
type PhaseInterceptorChain struct {
	mu            sync.Mutex
	name          string
	phases        []phase.Phase
	entries       []*entry
	seq           int
	cursor        int
	state         contracts.ChainState
	running       bool
	token         *runToken
	resumePending bool
	msg           *contracts.Message
	pausedMsg     *contracts.Message
	faultSeq      uint64
	faultErr      error
	faultObserver contracts.MessageObserver
	logger        *slog.Logger
}

// NewChain assembles a chain from interceptors against a phase list. It
// fails with a ChainAssemblyError when an interceptor names an unknown
// phase or the ordering hints of a phase form a cycle.
func NewChain(phases []phase.Phase, ics []Interceptor, opts ...ChainOption) (*PhaseInterceptorChain, error) {
	items := make([]*entry, len(ics))
	for i, ic := range ics {
		items[i] = &entry{ic: ic, seq: i}
	}
	ordered, err := assemble(phases, items)
	if err != nil {
		return nil, err
	}
	return newChain(phases, ordered, len(ics), opts...), nil
}

func newChain(phases []phase.Phase, entries []*entry, seq int, opts ...ChainOption) *PhaseInterceptorChain {
	c := &PhaseInterceptorChain{
		phases:  append([]phase.Phase(nil), phases...),
		entries: entries,
		seq:     seq,
		state:   contracts.StateExecuting,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetFaultObserver sets the observer notified after a fault unwind
func (c *PhaseInterceptorChain) SetFaultObserver(observer contracts.MessageObserver) {
	c.mu.Lock()
	c.faultObserver = observer
	c.mu.Unlock()
}

// FaultObserver returns the observer notified after a fault unwind
func (c *PhaseInterceptorChain) FaultObserver() contracts.MessageObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faultObserver
}

// State implements contracts.InterceptorChain
func (c *PhaseInterceptorChain) State() contracts.ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DoIntercept implements contracts.InterceptorChain. It returns nil when the
// chain completes or pauses and the fault when it aborts. Called from inside
// a running interceptor with the context it received, it runs the rest of
// the chain inline and returns when that completes, pauses or faults.
func (c *PhaseInterceptorChain) DoIntercept(ctx context.Context, msg *contracts.Message) error {
	c.mu.Lock()
	if c.isNested(ctx) {
		c.mu.Unlock()
		return c.loop(ctx, msg, true)
	}
	switch c.state {
	case contracts.StateComplete:
		c.mu.Unlock()
		return nil
	case contracts.StateAborted:
		c.mu.Unlock()
		return contracts.ErrChainAborted
	}
	if c.running {
		c.mu.Unlock()
		return contracts.ErrChainBusy
	}
	if c.msg != msg {
		c.bind(msg)
	}
	if c.state == contracts.StatePaused {
		c.pausedMsg = msg
		c.mu.Unlock()
		return nil
	}
	ctx = c.start(ctx)
	c.mu.Unlock()
	return c.loop(ctx, msg, false)
}

// DoInterceptStartingAfter moves the cursor past the interceptor with the
// given ID and runs the chain from there
func (c *PhaseInterceptorChain) DoInterceptStartingAfter(ctx context.Context, msg *contracts.Message, id string) error {
	if err := c.seek(id, 1); err != nil {
		return err
	}
	return c.DoIntercept(ctx, msg)
}

// DoInterceptStartingAt moves the cursor to the interceptor with the given ID
// and runs the chain from there
func (c *PhaseInterceptorChain) DoInterceptStartingAt(ctx context.Context, msg *contracts.Message, id string) error {
	if err := c.seek(id, 0); err != nil {
		return err
	}
	return c.DoIntercept(ctx, msg)
}

// seek moves the cursor forward. It never moves it back over executed
// entries.
func (c *PhaseInterceptorChain) seek(id string, offset int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return contracts.ErrChainBusy
	}
	for i, e := range c.entries {
		if e.ic.ID() == id {
			if i+offset > c.cursor {
				c.cursor = i + offset
			}
			return nil
		}
	}
	return fmt.Errorf("failed to seek to %s: %w", id, contracts.ErrNotFound)
}

// Pause implements contracts.InterceptorChain. The running interceptor
// finishes, then the chain releases its goroutine.
func (c *PhaseInterceptorChain) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == contracts.StateExecuting {
		c.state = contracts.StatePaused
	}
}

// Resume implements contracts.InterceptorChain. A resume that arrives while
// the pausing interceptor is still running is handed to that goroutine.
func (c *PhaseInterceptorChain) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != contracts.StatePaused {
		c.mu.Unlock()
		return nil
	}
	c.state = contracts.StateExecuting
	if c.running {
		c.resumePending = true
		c.mu.Unlock()
		return nil
	}
	msg := c.pausedMsg
	c.pausedMsg = nil
	if msg == nil {
		c.state = contracts.StateComplete
		c.mu.Unlock()
		return nil
	}
	ctx = c.start(ctx)
	c.mu.Unlock()

	c.logger.Debug("resuming interceptor chain",
		"chain", c.name,
		"messageId", msg.ID(),
	)
	return c.loop(ctx, msg, false)
}

// Abort implements contracts.InterceptorChain
func (c *PhaseInterceptorChain) Abort() {
	c.mu.Lock()
	if c.state == contracts.StateComplete {
		c.mu.Unlock()
		return
	}
	c.state = contracts.StateAborted
	msg := c.msg
	c.mu.Unlock()
	completeContinuation(msg)
}

// Reset rewinds an idle chain to its initial state so it can run another
// message
func (c *PhaseInterceptorChain) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return contracts.ErrChainBusy
	}
	for _, e := range c.entries {
		e.executed = false
	}
	c.cursor = 0
	c.state = contracts.StateExecuting
	c.resumePending = false
	c.msg = nil
	c.pausedMsg = nil
	c.faultErr = nil
	return nil
}

// Unwind calls HandleFault on every executed interceptor in reverse order
func (c *PhaseInterceptorChain) Unwind(ctx context.Context, msg *contracts.Message) {
	c.mu.Lock()
	executed := c.executedBefore(c.cursor)
	c.mu.Unlock()
	c.unwind(ctx, msg, executed)
}

// Add inserts interceptors into the unexecuted part of the chain, honoring
// their ordering hints. Interceptors bound to a phase the chain has already
// left are rejected.
func (c *PhaseInterceptorChain) Add(ics ...Interceptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := -1
	if c.cursor > 0 {
		floor = c.entries[c.cursor-1].phase.Priority
	}
	pending := append([]*entry(nil), c.entries[c.cursor:]...)
	for _, ic := range ics {
		for _, e := range c.entries[:c.cursor] {
			if e.ic.ID() == ic.ID() {
				return &contracts.ChainAssemblyError{Phase: ic.Phase(), Interceptor: ic.ID(), Reason: "duplicate interceptor id"}
			}
		}
		pending = append(pending, &entry{ic: ic, seq: c.seq})
		c.seq++
	}

	ordered, err := assemble(c.phases, pending)
	if err != nil {
		return err
	}
	if len(ordered) > 0 && ordered[0].phase.Priority < floor {
		return &contracts.ChainAssemblyError{
			Phase:       ordered[0].phase.Name,
			Interceptor: ordered[0].ic.ID(),
			Reason:      "phase already executed",
		}
	}
	c.entries = append(c.entries[:c.cursor:c.cursor], ordered...)
	return nil
}

// Remove drops an unexecuted interceptor
func (c *PhaseInterceptorChain) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.cursor; i < len(c.entries); i++ {
		if c.entries[i].ic.ID() == id {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Interceptors returns the interceptors in execution order
func (c *PhaseInterceptorChain) Interceptors() []Interceptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Interceptor, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.ic
	}
	return out
}

// Describe renders the chain one phase per line
func (c *PhaseInterceptorChain) Describe() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	if c.name != "" {
		fmt.Fprintf(&b, "Chain %s. Current flow:\n", c.name)
	} else {
		b.WriteString("Chain. Current flow:\n")
	}
	for i := 0; i < len(c.entries); {
		p := c.entries[i].phase
		var ids []string
		for ; i < len(c.entries) && c.entries[i].phase.Name == p.Name; i++ {
			ids = append(ids, c.entries[i].ic.ID())
		}
		fmt.Fprintf(&b, "  %s [%s]\n", p.Name, strings.Join(ids, ", "))
	}
	return b.String()
}

func (c *PhaseInterceptorChain) String() string {
	return c.Describe()
}

// bind attaches msg to the chain. Caller holds c.mu.
func (c *PhaseInterceptorChain) bind(msg *contracts.Message) {
	c.msg = msg
	c.faultSeq = msg.FaultSeq()
	msg.SetChain(c)
}

// start marks the chain running and tags ctx with a fresh run token.
// Caller holds c.mu.
func (c *PhaseInterceptorChain) start(ctx context.Context) context.Context {
	c.running = true
	c.token = &runToken{chain: c}
	return withRun(ctx, c.token)
}

// isNested reports whether ctx belongs to the goroutine currently driving
// the chain. Caller holds c.mu.
func (c *PhaseInterceptorChain) isNested(ctx context.Context) bool {
	if !c.running {
		return false
	}
	token, ok := runFromContext(ctx)
	return ok && token == c.token
}

// release gives up the running flag unless an outer loop still owns it.
// Caller holds c.mu.
func (c *PhaseInterceptorChain) release(nested bool) {
	if nested {
		return
	}
	c.running = false
	c.token = nil
}

func (c *PhaseInterceptorChain) loop(ctx context.Context, msg *contracts.Message, nested bool) error {
	for {
		c.mu.Lock()
		switch c.state {
		case contracts.StateAborted:
			err := c.faultErr
			c.release(nested)
			c.mu.Unlock()
			return err
		case contracts.StatePaused:
			c.pausedMsg = msg
			c.release(nested)
			c.mu.Unlock()
			c.logger.Debug("interceptor chain paused",
				"chain", c.name,
				"messageId", msg.ID(),
			)
			return nil
		case contracts.StateComplete:
			c.release(nested)
			c.mu.Unlock()
			return nil
		}

		// A fault flagged while the chain was paused, such as a
		// continuation timeout, unwinds everything that has run.
		if seq := msg.FaultSeq(); seq != c.faultSeq && msg.Fault() != nil {
			c.faultSeq = seq
			upTo := c.cursor
			c.mu.Unlock()
			return c.fail(ctx, msg, msg.Fault(), upTo, nested)
		}

		if c.cursor >= len(c.entries) {
			c.state = contracts.StateComplete
			c.release(nested)
			c.mu.Unlock()
			return nil
		}

		idx := c.cursor
		e := c.entries[idx]
		c.cursor++
		e.executed = true
		c.resumePending = false
		c.mu.Unlock()

		outcome := c.invoke(ctx, e, msg)

		c.mu.Lock()
		if c.state == contracts.StateAborted {
			c.mu.Unlock()
			continue
		}

		var fault error
		upTo := idx
		if outcome.Kind() == contracts.OutcomeFault {
			fault = contracts.ToFault(outcome.Err(), e.ic.ID(), e.phase.Name)
		} else if seq := msg.FaultSeq(); seq != c.faultSeq && msg.Fault() != nil {
			fault = contracts.ToFault(msg.Fault(), e.ic.ID(), e.phase.Name)
			// A fault that reached a paused interceptor from outside, such
			// as a continuation timeout racing its return, unwinds it too.
			if outcome.Kind() == contracts.OutcomePause || c.state == contracts.StatePaused || c.resumePending {
				upTo = idx + 1
			}
		}
		if fault != nil {
			c.faultSeq = msg.FaultSeq()
			c.resumePending = false
			c.mu.Unlock()
			return c.fail(ctx, msg, fault, upTo, nested)
		}

		if outcome.Kind() == contracts.OutcomePause && !c.resumePending && c.state == contracts.StateExecuting {
			c.state = contracts.StatePaused
		}
		c.resumePending = false
		c.mu.Unlock()
	}
}

func (c *PhaseInterceptorChain) invoke(ctx context.Context, e *entry, msg *contracts.Message) (out contracts.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = contracts.Fault(&contracts.RuntimeFault{
				Interceptor: e.ic.ID(),
				Phase:       e.phase.Name,
				Panic:       r,
			})
		}
	}()
	return e.ic.HandleMessage(ctx, msg)
}

// executedBefore returns the executed entries before position upTo in
// reverse order. Caller holds c.mu.
func (c *PhaseInterceptorChain) executedBefore(upTo int) []*entry {
	if upTo > len(c.entries) {
		upTo = len(c.entries)
	}
	var out []*entry
	for i := upTo - 1; i >= 0; i-- {
		if c.entries[i].executed {
			out = append(out, c.entries[i])
		}
	}
	return out
}

// fail unwinds the entries before upTo, aborts the chain and notifies the
// fault observer
func (c *PhaseInterceptorChain) fail(ctx context.Context, msg *contracts.Message, fault error, upTo int, nested bool) error {
	c.mu.Lock()
	executed := c.executedBefore(upTo)
	c.mu.Unlock()

	msg.SetFault(fault)
	c.unwind(ctx, msg, executed)
	completeContinuation(msg)

	c.mu.Lock()
	c.state = contracts.StateAborted
	c.faultErr = fault
	c.faultSeq = msg.FaultSeq()
	observer := c.faultObserver
	c.release(nested)
	c.mu.Unlock()

	c.logFault(msg, fault)
	if observer != nil {
		observer.OnMessage(ctx, msg)
	}
	return fault
}

// completeContinuation cancels a continuation still pending on msg so its
// tracker slot is released
func completeContinuation(msg *contracts.Message) {
	if msg == nil {
		return
	}
	if provider := msg.ContinuationProvider(); provider != nil {
		provider.Complete()
	}
}

func (c *PhaseInterceptorChain) unwind(ctx context.Context, msg *contracts.Message, executed []*entry) {
	for _, e := range executed {
		c.handleFault(ctx, e, msg)
	}
}

func (c *PhaseInterceptorChain) handleFault(ctx context.Context, e *entry, msg *contracts.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("interceptor panicked during fault unwind",
				"chain", c.name,
				"interceptorId", e.ic.ID(),
				"phase", e.phase.Name,
				"messageId", msg.ID(),
				"panic", r,
			)
		}
	}()
	if err := e.ic.HandleFault(ctx, msg); err != nil {
		c.logger.Warn("interceptor failed during fault unwind",
			"chain", c.name,
			"interceptorId", e.ic.ID(),
			"phase", e.phase.Name,
			"messageId", msg.ID(),
			"error", err,
		)
	}
}

func (c *PhaseInterceptorChain) logFault(msg *contracts.Message, fault error) {
	description := fmt.Sprintf("interceptor chain failed for message %s", msg.ID())
	if v, ok := msg.ContextualProperty(contracts.PropFaultListener); ok {
		if listener, ok := v.(contracts.FaultListener); ok && !listener.FaultOccurred(fault, description, msg) {
			return
		}
	}

	attrs := []any{
		"chain", c.name,
		"messageId", msg.ID(),
		"faultMode", contracts.FaultModeOf(fault),
		"error", fault,
	}
	if contracts.FaultModeOf(fault) == contracts.FaultModeProtocol {
		c.logger.Warn(description, attrs...)
		return
	}
	c.logger.Error(description, attrs...)
}
