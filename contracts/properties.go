package contracts

import (
	"sort"
	"sync"
)

// PropertySource resolves a property by key. Messages consult their exchange
// and then the exchange's parent source when a key is not set locally.
type PropertySource interface {
	Property(key string) (interface{}, bool)
}

// PropertyBag is a concurrency-safe key/value store. The zero value is ready
// to use.
type PropertyBag struct {
	values map[string]interface{}
	mu     sync.RWMutex
}

// NewPropertyBag creates an empty property bag
func NewPropertyBag() *PropertyBag {
	return &PropertyBag{values: make(map[string]interface{})}
}

// Set stores a value
func (b *PropertyBag) Set(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.values == nil {
		b.values = make(map[string]interface{})
	}
	b.values[key] = value
}

// Get retrieves a value
func (b *PropertyBag) Get(key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, exists := b.values[key]
	return value, exists
}

// Property implements PropertySource
func (b *PropertyBag) Property(key string) (interface{}, bool) {
	return b.Get(key)
}

// GetString retrieves a string value
func (b *PropertyBag) GetString(key string) (string, bool) {
	value, exists := b.Get(key)
	if !exists {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt retrieves an int value
func (b *PropertyBag) GetInt(key string) (int, bool) {
	value, exists := b.Get(key)
	if !exists {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetBool retrieves a bool value, false when absent
func (b *PropertyBag) GetBool(key string) bool {
	value, exists := b.Get(key)
	if !exists {
		return false
	}
	v, ok := value.(bool)
	return ok && v
}

// Delete removes a value
func (b *PropertyBag) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
}

// Keys returns the stored keys in sorted order
func (b *PropertyBag) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all values
func (b *PropertyBag) Snapshot() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// ChainSources returns a PropertySource that consults each source in order.
func ChainSources(sources ...PropertySource) PropertySource {
	return chainedSources(sources)
}

type chainedSources []PropertySource

func (c chainedSources) Property(key string) (interface{}, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if v, ok := s.Property(key); ok {
			return v, true
		}
	}
	return nil, false
}
