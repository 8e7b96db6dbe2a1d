// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package phasechain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/interceptors"
	"github.com/glimte/phasechain/phase"
	"github.com/glimte/phasechain/transports"
)

var (
	// ErrTimeout is returned when no response arrives in time
	ErrTimeout = errors.New("phasechain: request timed out")

	// ErrClientClosed is returned by invocations on a closed client
	ErrClientClosed = errors.New("phasechain: client closed")
)

// Client invokes remote operations through a conduit. Each invocation runs
// the out chain for the request, and the in (or in-fault) chain for the
// response matched by correlation ID.
type Client struct {
	bus      *Bus
	conduit  transports.ClientConduit
	provider *interceptors.Provider
	builtins *interceptors.Provider
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*contracts.Exchange
	closed  bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger  *slog.Logger
	timeout time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithClientLogger sets the client logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithTimeout bounds how long Invoke waits for a response
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// NewClient creates a client that sends through conduit and takes over its
// responses
func (b *Bus) NewClient(conduit transports.ClientConduit, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:  b.logger,
		timeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &Client{
		bus:      b,
		conduit:  conduit,
		provider: interceptors.NewProvider(),
		logger:   cfg.logger,
		timeout:  cfg.timeout,
		pending:  make(map[string]*contracts.Exchange),
	}
	response := &clientResponseInterceptor{Base: interceptors.NewBase("ClientResponseInterceptor", phase.PostInvoke)}
	c.builtins = interceptors.NewProvider().
		Add(phase.Out, newMarshalInterceptor(), newMessageSenderInterceptor()).
		Add(phase.In, newUnmarshalInterceptor(), response).
		Add(phase.InFault, response)
	conduit.SetObserver(c)
	b.register(c)
	return c
}

// Validate assembles the request chain and both response chains. Invocations
// validate before sending, so a response that could never be processed is
// not requested.
func (c *Client) Validate() error {
	for _, scope := range c.chainScopes() {
		if _, err := c.bus.chain(scope.flow, scope.name, nil, scope.providers...); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) chainScopes() []chainScope {
	scopes := make([]chainScope, 0, 3)
	for _, flow := range []phase.Flow{phase.Out, phase.In, phase.InFault} {
		scopes = append(scopes, chainScope{
			flow:      flow,
			name:      "client." + flow.String(),
			providers: []interceptors.InterceptorProvider{c.provider, c.builtins},
		})
	}
	return scopes
}

// Interceptors returns the client-scoped interceptor provider
func (c *Client) Interceptors() *interceptors.Provider {
	return c.provider
}

// Invoke sends req to operation and waits for the response. A fault sent
// back by the endpoint is returned as the error.
func (c *Client) Invoke(ctx context.Context, operation string, req interface{}) (*contracts.Message, error) {
	ex, msg := c.newRequest(operation, req, false)
	corr := msg.CorrelationID()
	if err := c.register(corr, ex); err != nil {
		return nil, err
	}
	defer c.unregister(corr)

	if err := c.send(ctx, ex, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ex.Done():
	case <-ctx.Done():
		c.abandon(ex, ctx.Err())
		return nil, ctx.Err()
	case <-timer.C:
		err := fmt.Errorf("%w: %s after %v", ErrTimeout, operation, c.timeout)
		c.abandon(ex, err)
		return nil, err
	}

	if err := ex.Failure(); err != nil {
		return nil, err
	}
	return ex.InMessage(), nil
}

// InvokeOneWay sends req to operation without waiting for a response
func (c *Client) InvokeOneWay(ctx context.Context, operation string, req interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	ex, msg := c.newRequest(operation, req, true)
	return c.send(ctx, ex, msg)
}

// Call invokes operation and decodes the JSON response body into T
func Call[T any](ctx context.Context, c *Client, operation string, req interface{}) (T, error) {
	var out T
	resp, err := c.Invoke(ctx, operation, req)
	if err != nil {
		return out, err
	}
	if payload := resp.Payload(); len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return out, fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
	}
	return out, nil
}

// Close stops the conduit and fails pending invocations
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*contracts.Exchange)
	c.mu.Unlock()

	for _, ex := range pending {
		c.abandon(ex, ErrClientClosed)
	}
	c.bus.unregister(c)
	return c.conduit.Close()
}

// abandon fails an invocation the caller no longer waits for. Chains still
// paused on its messages are aborted so a late resume sends nothing.
func (c *Client) abandon(ex *contracts.Exchange, cause error) {
	ex.MarkFailed(cause)
	for _, msg := range []*contracts.Message{ex.OutMessage(), ex.InMessage(), ex.InFaultMessage()} {
		if msg == nil {
			continue
		}
		if chain := msg.Chain(); chain != nil {
			chain.Abort()
		}
		if provider := msg.ContinuationProvider(); provider != nil {
			provider.Complete()
		}
	}
	ex.Finish()
}

func (c *Client) newRequest(operation string, req interface{}, oneWay bool) (*contracts.Exchange, *contracts.Message) {
	ex := contracts.NewExchange()
	ex.SetParent(c.bus)
	ex.SetOperation(&contracts.OperationInfo{Name: operation, OneWay: oneWay})
	ex.SetConduit(c.conduit)

	msg := contracts.NewMessage()
	msg.Set(contracts.PropRequestor, true)
	msg.Set(contracts.PropOperation, operation)
	msg.SetCorrelationID(uuid.New().String())
	if oneWay {
		msg.Set(contracts.PropOneWay, true)
	}
	if req != nil {
		SetBody(msg, req)
	}
	ex.SetOutMessage(msg)
	return ex, msg
}

// send runs the out chain for the request
func (c *Client) send(ctx context.Context, ex *contracts.Exchange, msg *contracts.Message) error {
	if err := c.Validate(); err != nil {
		return err
	}
	chain, err := c.bus.chain(phase.Out, "client.out", contracts.MessageObserverFunc(c.handleFault), c.provider, c.builtins)
	if err != nil {
		return err
	}
	c.bus.attachContinuations(ctx, msg, c)
	if err := chain.DoIntercept(ctx, msg); err != nil {
		return err
	}
	return nil
}

func (c *Client) register(corr string, ex *contracts.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.pending[corr] = ex
	return nil
}

func (c *Client) unregister(corr string) {
	c.mu.Lock()
	delete(c.pending, corr)
	c.mu.Unlock()
}

func (c *Client) lookup(corr string) (*contracts.Exchange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.pending[corr]
	return ex, ok
}

// OnMessage implements contracts.MessageObserver. It receives responses from
// the conduit and continuation re-dispatches.
func (c *Client) OnMessage(ctx context.Context, msg *contracts.Message) {
	if chain := msg.Chain(); chain != nil {
		// Faults are reported through the chain's fault observer.
		_ = chain.Resume(ctx)
		return
	}

	ex, ok := c.lookup(msg.CorrelationID())
	if !ok {
		c.logger.Warn("dropping response with unknown correlation id",
			"messageId", msg.ID(),
			"correlationId", msg.CorrelationID(),
		)
		return
	}

	msg.Set(contracts.PropRequestor, true)
	flow := phase.In
	if msg.Fault() != nil {
		flow = phase.InFault
		ex.SetInFaultMessage(msg)
	} else {
		ex.SetInMessage(msg)
	}

	chain, err := c.bus.chain(flow, "client."+flow.String(), contracts.MessageObserverFunc(c.handleFault), c.provider, c.builtins)
	if err != nil {
		c.logger.Error("failed to build response chain", "messageId", msg.ID(), "error", err)
		ex.MarkFailed(err)
		ex.Finish()
		return
	}
	c.bus.attachContinuations(ctx, msg, c)
	// Faults are reported through the chain's fault observer.
	_ = chain.DoIntercept(ctx, msg)
}

// handleFault fails the invocation
func (c *Client) handleFault(ctx context.Context, msg *contracts.Message) {
	ex := msg.Exchange()
	if ex == nil {
		return
	}
	ex.MarkFailed(msg.Fault())
	ex.Finish()
}

// clientResponseInterceptor completes the invocation once the response
// chain has processed the message
type clientResponseInterceptor struct {
	interceptors.Base
}

// HandleMessage implements interceptors.Interceptor
func (i *clientResponseInterceptor) HandleMessage(ctx context.Context, msg *contracts.Message) contracts.Outcome {
	ex := msg.Exchange()
	if fault := msg.Fault(); fault != nil {
		ex.MarkFailed(fault)
	}
	ex.Finish()
	return contracts.Continue()
}
