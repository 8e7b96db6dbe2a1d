package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/internal/reliability"
	"github.com/glimte/phasechain/transports"
)

// Channel is the part of *amqp.Channel the transport uses
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ Channel = (*amqp.Channel)(nil)

// Dial connects to a broker and opens a channel
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return conn, ch, nil
}

type config struct {
	exchange string
	prefetch int
	durable  bool
	policy   reliability.RetryPolicy
	breaker  *reliability.CircuitBreaker
	logger   *slog.Logger
}

// Option configures a Destination or Conduit
type Option func(*config)

// WithExchange publishes through a named exchange instead of the default one
func WithExchange(exchange string) Option {
	return func(c *config) {
		c.exchange = exchange
	}
}

// WithPrefetchCount sets the consumer prefetch count
func WithPrefetchCount(count int) Option {
	return func(c *config) {
		c.prefetch = count
	}
}

// WithDurable declares durable request queues
func WithDurable(durable bool) Option {
	return func(c *config) {
		c.durable = durable
	}
}

// WithRetryPolicy sets the publish retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *config) {
		if policy != nil {
			c.policy = policy
		}
	}
}

// WithCircuitBreaker guards publishes with breaker
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) Option {
	return func(c *config) {
		if breaker != nil {
			c.breaker = breaker
		}
	}
}

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		prefetch: 10,
		durable:  true,
		policy:   reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = reliability.NewCircuitBreaker(reliability.WithName("rabbitmq"), reliability.WithLogger(c.logger))
	}
	return c
}

// publisher sends envelopes with retry behind a circuit breaker
type publisher struct {
	ch  Channel
	cfg *config
}

func (p *publisher) publish(ctx context.Context, routingKey string, msg *contracts.Message) error {
	env := contracts.NewEnvelope(msg)
	pub, err := toPublishing(env)
	if err != nil {
		return err
	}

	err = p.cfg.breaker.Execute(ctx, func() error {
		return reliability.Retry(ctx, "publish", p.cfg.policy, func() error {
			err := p.ch.PublishWithContext(ctx, p.cfg.exchange, routingKey, false, false, pub)
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && !amqpErr.Recover {
				return reliability.RetryableError{Err: err, Retryable: false}
			}
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish message %s to %s: %w", msg.ID(), routingKey, err)
	}
	return nil
}

func toPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := env.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Type:          env.Operation,
		Timestamp:     env.Timestamp,
		Body:          body,
	}
	if len(env.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(env.Headers))
		for k, v := range env.Headers {
			pub.Headers[k] = v
		}
	}
	return pub, nil
}

func fromDelivery(d amqp.Delivery) (*contracts.Message, string, error) {
	env, err := contracts.DecodeEnvelope(d.Body)
	if err != nil {
		return nil, "", err
	}
	if env.ReplyTo == "" {
		env.ReplyTo = d.ReplyTo
	}
	if env.CorrelationID == "" {
		env.CorrelationID = d.CorrelationId
	}
	return env.ToMessage(), env.ReplyTo, nil
}

// consumer runs one delivery loop
type consumer struct {
	ch     Channel
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

func consume(ctx context.Context, ch Channel, queue string, autoAck, exclusive bool, handle func(context.Context, amqp.Delivery)) (*consumer, error) {
	tag := "phasechain-" + uuid.New().String()
	deliveries, err := ch.Consume(queue, tag, autoAck, exclusive, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &consumer{ch: ch, tag: tag, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handle(ctx, d)
			}
		}
	}()
	return c, nil
}

func (c *consumer) stop() error {
	err := c.ch.Cancel(c.tag, false)
	c.cancel()
	<-c.done
	return err
}

// Destination consumes requests from a queue and answers through the
// request's reply-to queue
type Destination struct {
	queue     string
	ch        Channel
	cfg       *config
	publisher *publisher

	mu       sync.Mutex
	observer contracts.MessageObserver
	consumer *consumer
}

// NewDestination creates a destination for queue
func NewDestination(ch Channel, queue string, opts ...Option) *Destination {
	cfg := newConfig(opts)
	return &Destination{
		queue:     queue,
		ch:        ch,
		cfg:       cfg,
		publisher: &publisher{ch: ch, cfg: cfg},
	}
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
	if d.consumer != nil {
		return nil
	}

	if _, err := d.ch.QueueDeclare(d.queue, d.cfg.durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", d.queue, err)
	}
	if err := d.ch.Qos(d.cfg.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	c, err := consume(ctx, d.ch, d.queue, false, false, d.handle)
	if err != nil {
		return err
	}
	d.consumer = c
	d.cfg.logger.Info("destination started", "queue", d.queue)
	return nil
}

// Close implements transports.Destination
func (d *Destination) Close() error {
	d.mu.Lock()
	c := d.consumer
	d.consumer = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.stop()
}

// handle dispatches a delivery and acknowledges it once the observer
// returns. The chain may still be paused at that point; its state lives on
// the message, not the delivery.
func (d *Destination) handle(ctx context.Context, delivery amqp.Delivery) {
	msg, replyTo, err := fromDelivery(delivery)
	if err != nil {
		d.cfg.logger.Error("rejecting undecodable delivery",
			"queue", d.queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			d.cfg.logger.Warn("failed to reject delivery", "queue", d.queue, "error", nackErr)
		}
		return
	}
	if replyTo != "" {
		transports.SetBackChannel(msg, contracts.ConduitFunc(func(ctx context.Context, reply *contracts.Message) error {
			return d.publisher.publish(ctx, replyTo, reply)
		}))
	}

	d.mu.Lock()
	observer := d.observer
	d.mu.Unlock()
	observer.OnMessage(ctx, msg)

	if err := delivery.Ack(false); err != nil {
		d.cfg.logger.Warn("failed to acknowledge delivery",
			"queue", d.queue,
			"messageId", msg.ID(),
			"error", err,
		)
	}
}

// Conduit publishes requests to a queue and consumes responses from an
// exclusive reply queue
type Conduit struct {
	target    string
	ch        Channel
	cfg       *config
	publisher *publisher

	mu       sync.Mutex
	observer contracts.MessageObserver
	replyTo  string
	consumer *consumer
}

// NewConduit creates a conduit that sends to the target queue
func NewConduit(ch Channel, target string, opts ...Option) *Conduit {
	cfg := newConfig(opts)
	return &Conduit{
		target:    target,
		ch:        ch,
		cfg:       cfg,
		publisher: &publisher{ch: ch, cfg: cfg},
	}
}

// SetObserver implements transports.ClientConduit. It declares the reply
// queue and starts consuming responses on first use.
func (c *Conduit) SetObserver(observer contracts.MessageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = observer
	if c.consumer != nil {
		return
	}
	if err := c.listen(); err != nil {
		c.cfg.logger.Error("failed to start reply consumer", "target", c.target, "error", err)
	}
}

// listen declares the reply queue. Caller holds c.mu.
func (c *Conduit) listen() error {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}
	consumer, err := consume(context.Background(), c.ch, q.Name, true, true, c.handle)
	if err != nil {
		return err
	}
	c.replyTo = q.Name
	c.consumer = consumer
	return nil
}

// ReplyTo returns the reply queue name, empty before SetObserver
func (c *Conduit) ReplyTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTo
}

// Send implements contracts.Conduit
func (c *Conduit) Send(ctx context.Context, msg *contracts.Message) error {
	oneWay := msg.GetBool(contracts.PropOneWay)
	if ex := msg.Exchange(); ex != nil && ex.OneWay() {
		oneWay = true
	}
	if !oneWay {
		replyTo := c.ReplyTo()
		if replyTo == "" {
			return fmt.Errorf("failed to send request %s: %w", msg.ID(), transports.ErrNoObserver)
		}
		msg.Set(contracts.PropReplyTo, replyTo)
	}
	return c.publisher.publish(ctx, c.target, msg)
}

// Close implements transports.ClientConduit
func (c *Conduit) Close() error {
	c.mu.Lock()
	consumer := c.consumer
	c.consumer = nil
	c.mu.Unlock()
	if consumer == nil {
		return nil
	}
	return consumer.stop()
}

func (c *Conduit) handle(ctx context.Context, delivery amqp.Delivery) {
	msg, _, err := fromDelivery(delivery)
	if err != nil {
		c.cfg.logger.Error("dropping undecodable response", "target", c.target, "error", err)
		return
	}
	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer.OnMessage(ctx, msg)
	}
}
