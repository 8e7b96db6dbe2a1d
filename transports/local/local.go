package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/transports"
)

// Option configures a Network
type Option func(*Network)

// WithLogger sets the network logger
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithBufferSize sets the per-destination queue size
func WithBufferSize(size int) Option {
	return func(n *Network) {
		if size > 0 {
			n.bufferSize = size
		}
	}
}

// Network routes encoded envelopes between in-process destinations by
// address. Delivery is asynchronous.
type Network struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	bufferSize   int
	logger       *slog.Logger
}

// NewNetwork creates an empty network
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		destinations: make(map[string]*Destination),
		bufferSize:   64,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Destination binds a destination to address, replacing any previous one
func (n *Network) Destination(address string) *Destination {
	d := &Destination{
		network: n,
		address: address,
		queue:   make(chan []byte, n.bufferSize),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.destinations[address] = d
	n.mu.Unlock()
	return d
}

// Conduit creates a client conduit that sends to address and receives
// responses on a private reply address
func (n *Network) Conduit(address string) *Conduit {
	c := &Conduit{
		network: n,
		target:  address,
		replyTo: "reply." + uuid.New().String(),
	}
	c.replies = n.Destination(c.replyTo)
	return c
}

func (n *Network) unbind(d *Destination) {
	n.mu.Lock()
	if n.destinations[d.address] == d {
		delete(n.destinations, d.address)
	}
	n.mu.Unlock()
}

func (n *Network) deliver(ctx context.Context, address string, msg *contracts.Message) error {
	n.mu.RLock()
	d, ok := n.destinations[address]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("failed to deliver to %s: %w", address, transports.ErrNoRoute)
	}

	data, err := contracts.NewEnvelope(msg).Encode()
	if err != nil {
		return err
	}
	return d.enqueue(ctx, data)
}

// Destination is an in-memory transports.Destination
type Destination struct {
	network  *Network
	address  string
	queue    chan []byte
	mu       sync.RWMutex
	observer contracts.MessageObserver
	started  bool
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Address returns the bound address
func (d *Destination) Address() string {
	return d.address
}

// SetObserver implements transports.Destination
func (d *Destination) SetObserver(observer contracts.MessageObserver) {
	d.mu.Lock()
	d.observer = observer
	d.mu.Unlock()
}

// Start implements transports.Destination
func (d *Destination) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.observer == nil {
		return transports.ErrNoObserver
	}
	select {
	case <-d.done:
		return transports.ErrClosed
	default:
	}
	if d.started {
		return nil
	}
	d.started = true

	d.wg.Add(1)
	go d.run(context.WithoutCancel(ctx))
	return nil
}

// Close implements transports.Destination
func (d *Destination) Close() error {
	d.once.Do(func() {
		d.network.unbind(d)
		close(d.done)
	})
	d.wg.Wait()
	return nil
}

func (d *Destination) enqueue(ctx context.Context, data []byte) error {
	select {
	case <-d.done:
		return fmt.Errorf("failed to deliver to %s: %w", d.address, transports.ErrClosed)
	default:
	}
	select {
	case d.queue <- data:
		return nil
	case <-d.done:
		return fmt.Errorf("failed to deliver to %s: %w", d.address, transports.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Destination) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case data := <-d.queue:
			d.dispatch(ctx, data)
		}
	}
}

func (d *Destination) dispatch(ctx context.Context, data []byte) {
	logger := d.network.logger
	env, err := contracts.DecodeEnvelope(data)
	if err != nil {
		logger.Error("dropping undecodable message", "address", d.address, "error", err)
		return
	}

	msg := env.ToMessage()
	if env.ReplyTo != "" {
		transports.SetBackChannel(msg, d.backChannel(env.ReplyTo))
	}

	d.mu.RLock()
	observer := d.observer
	d.mu.RUnlock()
	observer.OnMessage(ctx, msg)
}

func (d *Destination) backChannel(replyTo string) contracts.Conduit {
	return contracts.ConduitFunc(func(ctx context.Context, msg *contracts.Message) error {
		return d.network.deliver(ctx, replyTo, msg)
	})
}

// Conduit is an in-memory transports.ClientConduit
type Conduit struct {
	network *Network
	target  string
	replyTo string
	replies *Destination
	once    sync.Once
}

// ReplyTo returns the private reply address
func (c *Conduit) ReplyTo() string {
	return c.replyTo
}

// SetObserver implements transports.ClientConduit
func (c *Conduit) SetObserver(observer contracts.MessageObserver) {
	c.replies.SetObserver(observer)
	c.once.Do(func() {
		if err := c.replies.Start(context.Background()); err != nil {
			c.network.logger.Error("failed to start reply destination", "address", c.replyTo, "error", err)
		}
	})
}

// Send implements contracts.Conduit. Requests that expect a response carry
// the reply address.
func (c *Conduit) Send(ctx context.Context, msg *contracts.Message) error {
	oneWay := msg.GetBool(contracts.PropOneWay)
	if ex := msg.Exchange(); ex != nil && ex.OneWay() {
		oneWay = true
	}
	if !oneWay {
		msg.Set(contracts.PropReplyTo, c.replyTo)
	}
	return c.network.deliver(ctx, c.target, msg)
}

// Close implements transports.ClientConduit
func (c *Conduit) Close() error {
	return c.replies.Close()
}
