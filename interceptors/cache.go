package interceptors

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/glimte/phasechain/phase"
)

type template struct {
	versions []uint64
	phases   []phase.Phase
	entries  []*entry
	seq      int
}

// ChainCache keeps sorted chain templates per flow and provider set, and
// re-sorts only when one of the providers changes
type ChainCache struct {
	mu        sync.Mutex
	templates map[string]*template
}

// NewChainCache creates an empty cache
func NewChainCache() *ChainCache {
	return &ChainCache{templates: make(map[string]*template)}
}

// Get returns a fresh chain for the merged interceptors of providers
func (cc *ChainCache) Get(phases []phase.Phase, flow phase.Flow, providers []InterceptorProvider, opts ...ChainOption) (*PhaseInterceptorChain, error) {
	key := cacheKey(flow, phases, providers)
	versions := make([]uint64, len(providers))
	for i, p := range providers {
		if !isNilProvider(p) {
			versions[i] = p.Version()
		}
	}

	cc.mu.Lock()
	tmpl, ok := cc.templates[key]
	cc.mu.Unlock()

	if !ok || !slices.Equal(tmpl.versions, versions) {
		ics, err := Merge(flow, providers...)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble %s chain: %w", flow, err)
		}
		items := make([]*entry, len(ics))
		for i, ic := range ics {
			items[i] = &entry{ic: ic, seq: i}
		}
		ordered, err := assemble(phases, items)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble %s chain: %w", flow, err)
		}
		tmpl = &template{versions: versions, phases: phases, entries: ordered, seq: len(ics)}

		cc.mu.Lock()
		cc.templates[key] = tmpl
		cc.mu.Unlock()
	}

	entries := make([]*entry, len(tmpl.entries))
	for i, e := range tmpl.entries {
		entries[i] = &entry{ic: e.ic, phase: e.phase, seq: e.seq}
	}
	return newChain(tmpl.phases, entries, tmpl.seq, opts...), nil
}

// Len returns the number of cached templates
func (cc *ChainCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.templates)
}

func cacheKey(flow phase.Flow, phases []phase.Phase, providers []InterceptorProvider) string {
	var b strings.Builder
	b.WriteString(flow.String())
	for _, p := range phases {
		fmt.Fprintf(&b, "|%s:%d", p.Name, p.Priority)
	}
	for _, p := range providers {
		fmt.Fprintf(&b, "|%p", p)
	}
	return b.String()
}
