package interceptors

import (
	"sync"

	"github.com/glimte/phasechain/contracts"
	"github.com/glimte/phasechain/phase"
)

// InterceptorProvider supplies interceptors per flow for one scope (bus,
// endpoint, operation, client)
type InterceptorProvider interface {
	Interceptors(flow phase.Flow) []Interceptor

	// Version changes whenever the registered set changes
	Version() uint64
}

// Provider is a concurrency-safe InterceptorProvider
type Provider struct {
	mu           sync.RWMutex
	interceptors map[phase.Flow][]Interceptor
	version      uint64
}

// NewProvider creates an empty provider
func NewProvider() *Provider {
	return &Provider{interceptors: make(map[phase.Flow][]Interceptor)}
}

// Add appends interceptors to a flow
func (p *Provider) Add(flow phase.Flow, ics ...Interceptor) *Provider {
	if len(ics) == 0 {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interceptors == nil {
		p.interceptors = make(map[phase.Flow][]Interceptor)
	}
	p.interceptors[flow] = append(p.interceptors[flow], ics...)
	p.version++
	return p
}

// Replace swaps the full interceptor list of a flow
func (p *Provider) Replace(flow phase.Flow, ics ...Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interceptors == nil {
		p.interceptors = make(map[phase.Flow][]Interceptor)
	}
	p.interceptors[flow] = append([]Interceptor(nil), ics...)
	p.version++
}

// Remove drops the interceptor with the given ID from a flow
func (p *Provider) Remove(flow phase.Flow, id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.interceptors[flow]
	for i, ic := range list {
		if ic.ID() == id {
			p.interceptors[flow] = append(list[:i:i], list[i+1:]...)
			p.version++
			return true
		}
	}
	return false
}

// Interceptors implements InterceptorProvider
func (p *Provider) Interceptors(flow phase.Flow) []Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Interceptor(nil), p.interceptors[flow]...)
}

// Version implements InterceptorProvider
func (p *Provider) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Merge concatenates the interceptors of each provider for a flow in scope
// order. Scopes only add: an ID registered by two scopes is a
// *contracts.ChainAssemblyError.
func Merge(flow phase.Flow, providers ...InterceptorProvider) ([]Interceptor, error) {
	seen := make(map[string]int)
	var merged []Interceptor
	for scope, p := range providers {
		if isNilProvider(p) {
			continue
		}
		for _, ic := range p.Interceptors(flow) {
			// Duplicates within one scope are reported by assembly.
			if first, dup := seen[ic.ID()]; dup && first != scope {
				return nil, &contracts.ChainAssemblyError{
					Phase:       ic.Phase(),
					Interceptor: ic.ID(),
					Reason:      "interceptor id registered by more than one scope",
				}
			}
			seen[ic.ID()] = scope
			merged = append(merged, ic)
		}
	}
	return merged, nil
}

func isNilProvider(p InterceptorProvider) bool {
	if p == nil {
		return true
	}
	pp, ok := p.(*Provider)
	return ok && pp == nil
}
