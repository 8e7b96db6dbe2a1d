package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/phasechain/interceptors"
	"github.com/glimte/phasechain/phase"
)

// Env carries the shared collaborators factories wire into interceptors
type Env struct {
	Logger    *slog.Logger
	Collector interceptors.MetricsCollector
	Tracer    trace.Tracer
}

// Factory builds the interceptors for one configuration entry. Paired
// interceptors (start and ending) return both.
type Factory func(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error)

// Registry maps interceptor types to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in types: logging, metrics,
// tracing, ratelimit, guard and dedupe
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("logging", loggingFactory)
	r.Register("metrics", metricsFactory)
	r.Register("tracing", tracingFactory)
	r.Register("ratelimit", rateLimitFactory)
	r.Register("guard", guardFactory)
	r.Register("dedupe", dedupeFactory)
	return r
}

// Register adds or replaces the factory for typ
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	r.factories[typ] = factory
	r.mu.Unlock()
}

// Types lists the registered types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates a provider holding every configured interceptor in its flow
func (r *Registry) Build(cfg *Config, env Env) (*interceptors.Provider, error) {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	provider := interceptors.NewProvider()
	for i, spec := range cfg.Interceptors {
		flow, err := spec.FlowValue()
		if err != nil {
			return nil, fmt.Errorf("%w: interceptor %d: %v", ErrInvalidConfig, i, err)
		}

		r.mu.RLock()
		factory, ok := r.factories[spec.Type]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown interceptor type %q (known: %s)",
				ErrInvalidConfig, spec.Type, strings.Join(r.Types(), ", "))
		}

		ics, err := factory(spec, env)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s interceptor %d: %w", spec.Type, i, err)
		}
		if len(ics) > 0 {
			applyHints(ics[0], spec)
		}
		provider.Add(flow, ics...)
	}
	return provider, nil
}

type hinted interface {
	AddBefore(ids ...string)
	AddAfter(ids ...string)
}

func applyHints(ic interceptors.Interceptor, spec InterceptorConfig) {
	h, ok := ic.(hinted)
	if !ok {
		return
	}
	h.AddBefore(spec.Before...)
	h.AddAfter(spec.After...)
}

// decode maps spec options onto out, accepting duration strings and weakly
// typed numbers
func decode(spec InterceptorConfig, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(spec.Options); err != nil {
		return fmt.Errorf("%w: %s options: %v", ErrInvalidConfig, spec.Type, err)
	}
	return nil
}

type pairedOptions struct {
	EndPhase string `mapstructure:"endPhase"`
	SpanName string `mapstructure:"spanName"`
}

func (o pairedOptions) endPhase(spec InterceptorConfig) (string, error) {
	if o.EndPhase != "" {
		return o.EndPhase, nil
	}
	return "", fmt.Errorf("%w: %s requires options.endPhase", ErrInvalidConfig, spec.Type)
}

func loggingFactory(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error) {
	var opts pairedOptions
	if err := decode(spec, &opts); err != nil {
		return nil, err
	}
	end, err := opts.endPhase(spec)
	if err != nil {
		return nil, err
	}
	ic := interceptors.NewLoggingInterceptor(spec.Phase, end, env.Logger)
	return []interceptors.Interceptor{ic, ic.Ending()}, nil
}

func metricsFactory(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error) {
	var opts pairedOptions
	if err := decode(spec, &opts); err != nil {
		return nil, err
	}
	end, err := opts.endPhase(spec)
	if err != nil {
		return nil, err
	}
	if env.Collector == nil {
		return nil, fmt.Errorf("%w: metrics requires a collector", ErrInvalidConfig)
	}
	ic := interceptors.NewMetricsInterceptor(env.Collector, spec.Phase, end)
	return []interceptors.Interceptor{ic, ic.Ending()}, nil
}

func tracingFactory(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error) {
	var opts pairedOptions
	if err := decode(spec, &opts); err != nil {
		return nil, err
	}
	end, err := opts.endPhase(spec)
	if err != nil {
		return nil, err
	}
	name := opts.SpanName
	if name == "" {
		name = "phasechain." + spec.flowName()
	}
	ic := interceptors.NewTracingInterceptor(env.Tracer, name, spec.Phase, end)
	return []interceptors.Interceptor{ic, ic.Ending()}, nil
}

type limitOptions struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type rateLimitOptions struct {
	Mode       string                  `mapstructure:"mode"`
	MaxDelay   time.Duration           `mapstructure:"maxDelay"`
	Rate       float64                 `mapstructure:"rate"`
	Burst      int                     `mapstructure:"burst"`
	Operations map[string]limitOptions `mapstructure:"operations"`
}

func rateLimitFactory(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error) {
	var opts rateLimitOptions
	if err := decode(spec, &opts); err != nil {
		return nil, err
	}

	var mode interceptors.RateLimitMode
	switch opts.Mode {
	case "", "reject":
		mode = interceptors.RateLimitReject
	case "delay":
		mode = interceptors.RateLimitDelay
	default:
		return nil, fmt.Errorf("%w: unknown ratelimit mode %q", ErrInvalidConfig, opts.Mode)
	}

	limiter := interceptors.NewLimiter()
	if opts.Rate > 0 {
		limiter.SetDefault(opts.Rate, opts.Burst)
	}
	for op, l := range opts.Operations {
		limiter.Set(op, l.Rate, l.Burst)
	}
	return []interceptors.Interceptor{
		interceptors.NewRateLimitInterceptor(spec.Phase, limiter, mode, opts.MaxDelay),
	}, nil
}

type guardOptions struct {
	Expression string `mapstructure:"expression"`
}

func guardFactory(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error) {
	var opts guardOptions
	if err := decode(spec, &opts); err != nil {
		return nil, err
	}
	if opts.Expression == "" {
		return nil, fmt.Errorf("%w: guard requires options.expression", ErrInvalidConfig)
	}
	id := spec.ID
	if id == "" {
		id = "GuardInterceptor"
	}
	guard, err := interceptors.NewGuardInterceptor(id, spec.Phase, opts.Expression)
	if err != nil {
		return nil, err
	}
	return []interceptors.Interceptor{guard}, nil
}

type dedupeOptions struct {
	Window time.Duration `mapstructure:"window"`
}

func dedupeFactory(spec InterceptorConfig, env Env) ([]interceptors.Interceptor, error) {
	opts := dedupeOptions{Window: 10 * time.Minute}
	if err := decode(spec, &opts); err != nil {
		return nil, err
	}
	id := spec.ID
	if id == "" {
		id = "DuplicateDetectionInterceptor"
	}
	detector := interceptors.NewMemoryDuplicateDetector(opts.Window)
	return []interceptors.Interceptor{
		interceptors.NewDuplicateDetectionInterceptor(id, spec.Phase, detector),
	}, nil
}

func (ic InterceptorConfig) flowName() string {
	flow, err := ic.FlowValue()
	if err != nil {
		return phase.In.String()
	}
	return flow.String()
}
