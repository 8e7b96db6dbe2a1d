package phasechain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/phasechain/config"
	"github.com/glimte/phasechain/continuations"
	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/interceptors"
	"github.com/glimte/phasechain/phase"
)

// Bus owns the phase lists, the bus-wide interceptors and the runtime shared
// by every endpoint and client created from it. Its properties are the last
// fallback of a message's contextual property lookup.
type Bus struct {
	contracts.PropertyBag

	provider   *interceptors.Provider
	configured *interceptors.Provider
	phases     *phase.Manager
	cache      *interceptors.ChainCache
	tracker    *continuations.Tracker
	logger     *slog.Logger
	collector  *interceptors.PrometheusCollector
	tracer     trace.Tracer
	registry   *config.Registry

	mu     sync.Mutex
	owners map[chainOwner]struct{}
}

// chainScope is one chain an endpoint or client builds on the bus
type chainScope struct {
	flow      phase.Flow
	name      string
	providers []interceptors.InterceptorProvider
}

// chainOwner is an endpoint or client whose chains must keep assembling
// when the bus configuration changes
type chainOwner interface {
	chainScopes() []chainScope
}

// busConfig holds bus configuration
type busConfig struct {
	logger        *slog.Logger
	phases        *phase.Manager
	maxPending    int
	faultListener contracts.FaultListener
	registerer    prometheus.Registerer
	tracer        trace.Tracer
	registry      *config.Registry
}

// BusOption configures the bus
type BusOption func(*busConfig)

// WithLogger sets the logger for the bus and everything created from it
func WithLogger(logger *slog.Logger) BusOption {
	return func(cfg *busConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithPhaseManager replaces the default phase lists. The bus seals the
// manager.
func WithPhaseManager(m *phase.Manager) BusOption {
	return func(cfg *busConfig) {
		cfg.phases = m
	}
}

// WithMaxPendingContinuations bounds how many messages may be suspended at
// once. Zero means unbounded.
func WithMaxPendingContinuations(limit int) BusOption {
	return func(cfg *busConfig) {
		cfg.maxPending = limit
	}
}

// WithFaultListener installs a bus-wide fault listener
func WithFaultListener(listener contracts.FaultListener) BusOption {
	return func(cfg *busConfig) {
		cfg.faultListener = listener
	}
}

// WithRegisterer registers the chain metrics and the pending continuation
// gauge. Configured metrics interceptors report to the same collector.
func WithRegisterer(reg prometheus.Registerer) BusOption {
	return func(cfg *busConfig) {
		cfg.registerer = reg
	}
}

// WithTracer sets the tracer used by configured tracing interceptors
func WithTracer(tracer trace.Tracer) BusOption {
	return func(cfg *busConfig) {
		cfg.tracer = tracer
	}
}

// WithInterceptorRegistry replaces the registry that turns configuration
// entries into interceptors
func WithInterceptorRegistry(r *config.Registry) BusOption {
	return func(cfg *busConfig) {
		cfg.registry = r
	}
}

// NewBus creates a bus
func NewBus(options ...BusOption) *Bus {
	cfg := &busConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.phases == nil {
		cfg.phases = phase.NewManager()
	}
	cfg.phases.Seal()
	if cfg.registry == nil {
		cfg.registry = config.NewRegistry()
	}

	b := &Bus{
		provider:   interceptors.NewProvider(),
		configured: interceptors.NewProvider(),
		phases:     cfg.phases,
		cache:      interceptors.NewChainCache(),
		tracker:    continuations.NewTracker(cfg.maxPending),
		logger:     cfg.logger,
		tracer:     cfg.tracer,
		registry:   cfg.registry,
		owners:     make(map[chainOwner]struct{}),
	}
	if cfg.faultListener != nil {
		b.Set(contracts.PropFaultListener, cfg.faultListener)
	}
	if cfg.registerer != nil {
		b.collector = interceptors.NewPrometheusCollector(cfg.registerer)
		b.tracker.Register(cfg.registerer)
	}
	return b
}

// NewBusFromConfig creates a bus with the phases, continuation bound and
// interceptors of cfg
func NewBusFromConfig(cfg *config.Config, options ...BusOption) (*Bus, error) {
	phases, err := cfg.PhaseManager()
	if err != nil {
		return nil, err
	}
	opts := []BusOption{
		WithPhaseManager(phases),
		WithMaxPendingContinuations(cfg.Continuations.MaxPending),
	}
	b := NewBus(append(opts, options...)...)
	if err := b.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// Interceptors returns the bus-wide interceptor provider. Its interceptors
// join every chain built on the bus.
func (b *Bus) Interceptors() *interceptors.Provider {
	return b.provider
}

// Phases returns the sealed phase manager
func (b *Bus) Phases() *phase.Manager {
	return b.phases
}

// Tracker returns the pending continuation tracker
func (b *Bus) Tracker() *continuations.Tracker {
	return b.tracker
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// ApplyConfig swaps the configured interceptors for those declared in cfg.
// The new set must assemble on its own and together with every open
// endpoint and client. Chains already running keep the interceptors they
// were built with. Phase lists and the continuation bound are fixed when
// the bus is created.
func (b *Bus) ApplyConfig(cfg *config.Config) error {
	env := config.Env{Logger: b.logger, Tracer: b.tracer}
	if b.collector != nil {
		env.Collector = b.collector
	}
	built, err := b.registry.Build(cfg, env)
	if err != nil {
		return fmt.Errorf("failed to apply chain configuration: %w", err)
	}

	// Validate against the phase lists before swapping anything in.
	for _, flow := range phase.Flows() {
		if _, err := interceptors.NewChain(b.phases.Phases(flow), built.Interceptors(flow)); err != nil {
			return fmt.Errorf("failed to apply chain configuration: %w", err)
		}
	}
	for _, owner := range b.chainOwners() {
		if err := b.validate(built, owner.chainScopes()); err != nil {
			return fmt.Errorf("failed to apply chain configuration: %w", err)
		}
	}
	for _, flow := range phase.Flows() {
		b.configured.Replace(flow, built.Interceptors(flow)...)
	}
	b.logger.Info("chain configuration applied", "interceptors", len(cfg.Interceptors))
	return nil
}

// WatchConfig applies the file at path whenever it changes, until ctx ends
func (b *Bus) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, b.logger, func(cfg *config.Config) {
		if err := b.ApplyConfig(cfg); err != nil {
			b.logger.Error("failed to apply reloaded chain configuration", "file", path, "error", err)
		}
	})
}

// Describe assembles the bus-level chain for flow and renders it one phase
// per line
func (b *Bus) Describe(flow phase.Flow) (string, error) {
	chain, err := b.chain(flow, "bus."+flow.String(), nil)
	if err != nil {
		return "", err
	}
	return chain.Describe(), nil
}

// validate assembles every scope with configured in place of the current
// bus configuration
func (b *Bus) validate(configured interceptors.InterceptorProvider, scopes []chainScope) error {
	for _, scope := range scopes {
		providers := append([]interceptors.InterceptorProvider{b.provider, configured}, scope.providers...)
		merged, err := interceptors.Merge(scope.flow, providers...)
		if err == nil {
			_, err = interceptors.NewChain(b.phases.Phases(scope.flow), merged)
		}
		if err != nil {
			return fmt.Errorf("failed to assemble %s chain %s: %w", scope.flow, scope.name, err)
		}
	}
	return nil
}

func (b *Bus) register(owner chainOwner) {
	b.mu.Lock()
	b.owners[owner] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) unregister(owner chainOwner) {
	b.mu.Lock()
	delete(b.owners, owner)
	b.mu.Unlock()
}

func (b *Bus) chainOwners() []chainOwner {
	b.mu.Lock()
	defer b.mu.Unlock()
	owners := make([]chainOwner, 0, len(b.owners))
	for owner := range b.owners {
		owners = append(owners, owner)
	}
	return owners
}

// providers lists the bus-level providers followed by extra
func (b *Bus) providers(extra ...interceptors.InterceptorProvider) []interceptors.InterceptorProvider {
	out := make([]interceptors.InterceptorProvider, 0, len(extra)+2)
	out = append(out, b.provider, b.configured)
	return append(out, extra...)
}

// chain builds a fresh chain for flow from the cached template
func (b *Bus) chain(flow phase.Flow, name string, observer contracts.MessageObserver, extra ...interceptors.InterceptorProvider) (*interceptors.PhaseInterceptorChain, error) {
	opts := []interceptors.ChainOption{
		interceptors.WithName(name),
		interceptors.WithChainLogger(b.logger),
	}
	if observer != nil {
		opts = append(opts, interceptors.WithFaultObserver(observer))
	}
	return b.cache.Get(b.phases.Phases(flow), flow, b.providers(extra...), opts...)
}

// attachContinuations gives msg a continuation provider that re-dispatches
// to observer
func (b *Bus) attachContinuations(ctx context.Context, msg *contracts.Message, observer contracts.MessageObserver) {
	continuations.Attach(ctx, msg,
		continuations.WithObserver(observer),
		continuations.WithTracker(b.tracker),
		continuations.WithLogger(b.logger),
	)
}
